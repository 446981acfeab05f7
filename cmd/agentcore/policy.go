package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentcore/internal/observability"
	"agentcore/internal/policy"
)

func (cli *CLI) newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate execution policy",
	}
	cmd.AddCommand(cli.newPolicyShowCommand())
	cmd.AddCommand(cli.newPolicyValidateCommand())
	return cmd
}

func (cli *CLI) newPolicyShowCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy and where each override came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, meta, err := cli.loadPolicy(policy.Layer{})
			if err != nil {
				return err
			}
			values := maskSecrets(p.Values())

			switch format {
			case "json":
				enc := json.NewEncoder(cli.out)
				enc.SetIndent("", "  ")
				return enc.Encode(values)
			case "yaml", "":
			default:
				return fmt.Errorf("unknown format %q (want yaml or json)", format)
			}

			if path := meta.Path(); path != "" {
				fmt.Fprintf(cli.out, "# policy file: %s\n", path)
			}
			for _, field := range overriddenFields(values, meta) {
				fmt.Fprintf(cli.out, "# %s: %s\n", field, meta.Source(field))
			}
			data, err := yaml.Marshal(values)
			if err != nil {
				return err
			}
			_, err = cli.out.Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", "yaml", "Output format: yaml or json")
	return cmd
}

func (cli *CLI) newPolicyValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a policy file without running anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []policy.Option{policy.WithEnv(cli.env)}
			path := cli.policyFile()
			if len(args) == 1 {
				path = args[0]
			}
			if path != "" {
				opts = append(opts, policy.WithConfigPath(path))
			}
			p, _, err := policy.Load(opts...)
			if err != nil {
				fmt.Fprintf(cli.out, "%s %v\n", red("invalid:"), err)
				return err
			}
			if _, err := observability.LoadConfig(path); err != nil {
				fmt.Fprintf(cli.out, "%s %v\n", red("invalid:"), err)
				return err
			}
			fmt.Fprintf(cli.out, "%s %s\n", green("valid:"), displayPath(path))
			fmt.Fprintf(cli.out, "  runtime %s, %d blocked commands (%s), %d blocked domains, %d allowed modules\n",
				p.SandboxRuntime(), len(p.Values().BlockedCommands), p.MatcherStrategy(),
				len(p.BlockedDomains()), len(p.AllowedModules()))
			return nil
		},
	}
}

func displayPath(path string) string {
	if path == "" {
		return "built-in defaults"
	}
	return path
}

func maskSecrets(v policy.Values) policy.Values {
	for _, key := range []*string{&v.APIKey, &v.EmbeddingAPIKey, &v.SearchAPIKey} {
		if *key != "" {
			*key = observability.SanitizeAPIKey(*key)
		}
	}
	return v
}

// overriddenFields lists the yaml keys whose value did not come from the
// defaults, sorted.
func overriddenFields(values policy.Values, meta policy.Metadata) []string {
	node := map[string]any{}
	data, err := yaml.Marshal(values)
	if err != nil || yaml.Unmarshal(data, &node) != nil {
		return nil
	}
	var fields []string
	for field := range node {
		if meta.Source(field) != policy.SourceDefault {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}
