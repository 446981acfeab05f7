package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentcore/internal/agent"
	"agentcore/internal/di"
	"agentcore/internal/policy"
)

type runOptions struct {
	maxIterations int
	maxTime       time.Duration
	runtime       string
	provider      string
	model         string
	noSandbox     bool
	jsonOutput    bool
}

func (cli *CLI) newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run one agent session to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runGoal(cmd, opts, strings.Join(args, " "))
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.maxIterations, "max-iterations", 0, "Override the iteration limit")
	flags.DurationVar(&opts.maxTime, "max-time", 0, "Override the wall-clock limit")
	flags.StringVar(&opts.runtime, "runtime", "", "Sandbox runtime: docker or local")
	flags.StringVarP(&opts.provider, "provider", "p", "", "LLM provider")
	flags.StringVarP(&opts.model, "model", "m", "", "LLM model")
	flags.BoolVar(&opts.noSandbox, "no-sandbox", false, "Disable code and shell execution")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print the final session as JSON")
	return cmd
}

// overrides turns the flags that were set into a policy layer.
func (o *runOptions) overrides(cmd *cobra.Command) policy.Layer {
	var layer policy.Layer
	flags := cmd.Flags()
	if flags.Changed("max-iterations") {
		layer.MaxIterations = &o.maxIterations
	}
	if flags.Changed("max-time") {
		seconds := int(o.maxTime.Round(time.Second) / time.Second)
		layer.MaxTimeSeconds = &seconds
	}
	if flags.Changed("runtime") {
		layer.SandboxRuntime = &o.runtime
	}
	if flags.Changed("provider") {
		layer.LLMProvider = &o.provider
	}
	if flags.Changed("model") {
		layer.LLMModel = &o.model
	}
	return layer
}

func (cli *CLI) runGoal(cmd *cobra.Command, opts *runOptions, goal string) error {
	p, _, err := cli.loadPolicy(opts.overrides(cmd))
	if err != nil {
		return err
	}

	var prompter *questionPrompter
	if isTTY() {
		prompter = newQuestionPrompter(cmd.InOrStdin(), cli.out)
	}
	container, err := cli.buildContainer(p, true, func(cfg *di.Config) {
		cfg.DisableSandbox = opts.noSandbox
		var printer agent.EventListener
		if !opts.jsonOutput {
			printer = newTurnPrinter(cli.out)
		}
		if prompter != nil {
			cfg.Listener = agent.MultiListener(printer, prompter)
		} else if printer != nil {
			cfg.Listener = printer
		}
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if prompter != nil {
		prompter.answer = container.Manager.Answer
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Cleanup(ctx); err != nil {
			fmt.Fprintf(cli.errOut, "%s cleanup: %v\n", yellow("warning:"), err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !opts.jsonOutput {
		fmt.Fprintf(cli.out, "%s %s\n\n", blue("Goal:"), goal)
	}
	snap, err := container.Manager.Run(ctx, goal)
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(cli.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cli.out, "\n%s", formatStatus(snap))
	}

	if snap.Status != agent.StatusCompleted {
		return fmt.Errorf("session %s ended %s", snap.ID, snap.Status)
	}
	return nil
}
