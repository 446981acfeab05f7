package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentcore/internal/policy"
	"agentcore/internal/webui"
)

func (cli *CLI) newServeCommand() *cobra.Command {
	serverCfg := webui.DefaultServerConfig()
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API and event stream over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serverCfg.AllowedOrigins = origins
			serverCfg.Debug = cli.v.GetBool("debug")
			return cli.serve(cmd.Context(), serverCfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&serverCfg.Host, "host", serverCfg.Host, "Listen address")
	flags.IntVar(&serverCfg.Port, "port", serverCfg.Port, "Listen port")
	flags.BoolVar(&serverCfg.EnableCORS, "cors", serverCfg.EnableCORS, "Enable CORS")
	flags.StringSliceVar(&origins, "allowed-origins", nil, "Origins allowed for CORS and WebSocket; empty allows all")
	return cmd
}

func (cli *CLI) serve(ctx context.Context, serverCfg *webui.ServerConfig) error {
	p, meta, err := cli.loadPolicy(policy.Layer{})
	if err != nil {
		return err
	}
	container, err := cli.buildContainer(p, false, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	logger := container.ComponentLogger("Main")
	if path := meta.Path(); path != "" {
		logger.Info("Policy loaded from %s", path)
	}
	logger.Info("Provider %s/%s, sandbox runtime %s, max iterations %d",
		p.LLMProvider(), p.LLMModel(), p.SandboxRuntime(), p.MaxIterations())

	server := webui.NewServer(webui.Dependencies{
		Manager:    container.Manager,
		Dispatcher: container.Dispatcher,
		Policy:     container.Policy,
		Metrics:    container.Metrics,
		Health:     container.Health,
		Logger:     container.ComponentLogger("WebUI"),
		Version:    Version,
	}, serverCfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown: %v", err)
	}
	if err := container.Cleanup(shutdownCtx); err != nil {
		logger.Warn("Failed to cleanup container: %v", err)
	}
	return serveErr
}
