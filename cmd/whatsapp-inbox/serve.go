package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/maintenance"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/metrics"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/supervisor"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/pkg/api"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/pkg/mcp"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inbox and serve MCP over stdio",
		Long: `Resumes every connection with stored credentials, then serves the MCP
tool surface on stdin/stdout. With --daemon the process keeps running after
the MCP client disconnects so conversations keep syncing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags, daemon)
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Keep running after the MCP client disconnects")
	return cmd
}

func runServe(flags *globalFlags, daemon bool) error {
	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}
	logger.Info("WhatsApp inbox starting",
		"version", version,
		"config", flags.configPath,
		"log_level", cfg.LogLevel,
	)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	sup := supervisor.New(a.registry, a.store.Connections, a.creds, a.monitor, logger)
	defer sup.Stop()

	runner := maintenance.New(maintenance.Config{
		Schedule:            cfg.MaintenanceSchedule,
		TransitionRetention: cfg.TransitionRetention,
	}, a.store.Connections, a.store.Transitions, a.registry, logger)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	defer runner.Stop()

	resumed, err := sup.ResumeAll(ctx)
	if err != nil {
		logger.Error("Failed to resume stored sessions", "error", err)
	}

	if cfg.MetricsEnabled {
		router := metrics.NewRouter(a.bridge.Health)
		mountMedia(router, cfg.MediaBaseURL, cfg.MediaDir)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			if err := metrics.Serve(ctx, addr, router, logger); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	logger.Info("Inbox initialized",
		"store_path", cfg.StorePath,
		"session_dir", cfg.SessionDir,
		"resumed", resumed,
	)

	if !cfg.MCPEnabled {
		sig := <-sigChan
		logger.Info("Received shutdown signal", "signal", sig)
		return nil
	}

	handler := api.NewHandler(a.bridge, logger)
	mcpServer := mcp.NewServer(os.Stdin, os.Stdout, handler, mcp.Implementation{
		Name:    "whatsapp-inbox",
		Version: version,
	}, logger)
	a.registry.OnStatusChange(func(c registry.StatusChange) {
		_ = mcpServer.LogMessage(mcp.LogInfo, "connections", map[string]interface{}{
			"connection_id": c.ConnectionID,
			"from":          c.From,
			"to":            c.To,
			"trigger":       c.Trigger,
			"reason":        c.Reason,
		})
	})

	// Run MCP server in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- mcpServer.Run(ctx)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP server error", "error", err)
		}
		// MCP client disconnected (EOF).
		if daemon {
			logger.Info("Daemon mode: MCP client disconnected, staying alive for background sync")
			sig := <-sigChan
			logger.Info("Received shutdown signal", "signal", sig)
		}
	}

	cancel()
	logger.Info("WhatsApp inbox stopped")
	return nil
}

// mountMedia serves stored media files under their public base path.
func mountMedia(r chi.Router, baseURL, dir string) {
	if baseURL == "" || baseURL[0] != '/' {
		return
	}
	r.Handle(baseURL+"/*", http.StripPrefix(baseURL+"/", http.FileServer(http.Dir(dir))))
}
