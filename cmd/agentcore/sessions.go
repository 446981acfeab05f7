package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"agentcore/internal/di"
	"agentcore/internal/policy"
)

func (cli *CLI) newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Browse archived sessions",
	}
	cmd.AddCommand(cli.newSessionsListCommand())
	cmd.AddCommand(cli.newSessionsShowCommand())
	return cmd
}

// withArchive builds a container without a sandbox for read-only commands.
func (cli *CLI) withArchive(fn func(ctx context.Context, c *di.Container) error) error {
	p, _, err := cli.loadPolicy(policy.Layer{})
	if err != nil {
		return err
	}
	if p.ArchivePath() == "" {
		return fmt.Errorf("archive_path is empty; sessions are not persisted")
	}
	container, err := cli.buildContainer(p, true, func(cfg *di.Config) {
		cfg.DisableSandbox = true
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer container.Cleanup(ctx)
	return fn(ctx, container)
}

func (cli *CLI) newSessionsListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withArchive(func(ctx context.Context, c *di.Container) error {
				snaps, err := c.Manager.List(ctx, limit)
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					fmt.Fprintln(cli.out, gray("No sessions found."))
					return nil
				}
				for _, s := range snaps {
					fmt.Fprintf(cli.out, "%s  %-14s %3d  %s  %s\n",
						s.ID, s.Status, s.Iterations,
						gray(s.StartedAt.Local().Format(time.DateTime)),
						truncate(s.Goal, 60))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list")
	return cmd
}

func (cli *CLI) newSessionsShowCommand() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withArchive(func(ctx context.Context, c *di.Container) error {
				snap, err := c.Manager.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					enc := json.NewEncoder(cli.out)
					enc.SetIndent("", "  ")
					return enc.Encode(snap)
				}
				fmt.Fprintf(cli.out, "%s %s\n", blue("Goal:"), snap.Goal)
				if snap.Summary != "" {
					fmt.Fprintf(cli.out, "%s %s\n", cyan("Summary:"), snap.Summary)
				}
				fmt.Fprintln(cli.out)
				for _, t := range snap.Turns {
					fmt.Fprint(cli.out, formatTurn(t))
				}
				fmt.Fprintf(cli.out, "\n%s", formatStatus(snap))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the session as JSON")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
