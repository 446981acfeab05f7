package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentcore/internal/di"
	"agentcore/internal/observability"
	"agentcore/internal/policy"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// CLI holds state shared by every subcommand.
type CLI struct {
	out    io.Writer
	errOut io.Writer
	v      *viper.Viper
	env    policy.EnvLookup
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	cli := &CLI{out: out, errOut: errOut, v: viper.New(), env: policy.DefaultEnvLookup}
	return cli.rootCommand()
}

func (cli *CLI) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentcore",
		Short: "Autonomous agent runtime with sandboxed tool execution",
		Long: fmt.Sprintf(`%s

Runs goal-driven agent sessions: the model picks one tool per iteration,
the dispatcher enforces the policy, and code runs in an isolated sandbox.

%s
  agentcore run "summarise the CSV in the workspace"
  agentcore serve --port 8090
  agentcore policy show --policy-file policy.yaml
  agentcore sessions list`,
			bold("agentcore "+Version),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(cli.out)
	rootCmd.SetErr(cli.errOut)

	flags := rootCmd.PersistentFlags()
	flags.String("policy-file", "", "Policy file (YAML or TOML)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
	flags.BoolP("debug", "d", false, "Debug logging")
	_ = cli.v.BindPFlags(flags)

	cli.v.SetEnvPrefix("AGENTCORE")
	cli.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cli.v.AutomaticEnv()

	rootCmd.AddCommand(cli.newRunCommand())
	rootCmd.AddCommand(cli.newServeCommand())
	rootCmd.AddCommand(cli.newPolicyCommand())
	rootCmd.AddCommand(cli.newSessionsCommand())
	rootCmd.AddCommand(cli.newVersionCommand())
	return rootCmd
}

func (cli *CLI) policyFile() string {
	return cli.v.GetString("policy-file")
}

func (cli *CLI) loadPolicy(overrides policy.Layer) (*policy.Policy, policy.Metadata, error) {
	return policy.Load(
		policy.WithConfigPath(cli.policyFile()),
		policy.WithEnv(cli.env),
		policy.WithOverrides(overrides),
	)
}

// observabilityConfig reads the observability section of the policy file
// and applies the logging flags. quiet lowers the default level so session
// output stays readable.
func (cli *CLI) observabilityConfig(quiet bool) (observability.Config, error) {
	cfg, err := observability.LoadConfig(cli.policyFile())
	if err != nil {
		return cfg, err
	}
	if quiet {
		cfg.Logging.Level = "warn"
	}
	if level := cli.v.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := cli.v.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	if cli.v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.ServiceVersion = Version
	return cfg, nil
}

func (cli *CLI) buildContainer(p *policy.Policy, quiet bool, configure func(*di.Config)) (*di.Container, error) {
	obs, err := cli.observabilityConfig(quiet)
	if err != nil {
		return nil, err
	}
	cfg := di.Config{Policy: p, Observability: obs, LogOutput: cli.errOut}
	if configure != nil {
		configure(&cfg)
	}
	return di.BuildContainer(cfg)
}

func (cli *CLI) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cli.out, "Version: %s\n", Version)
		},
	}
}
