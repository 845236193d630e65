package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/riskflow/riskflow/pkg/defaults/auth"
	"github.com/riskflow/riskflow/pkg/defaults/metrics"
	"github.com/riskflow/riskflow/pkg/engine"
	"github.com/riskflow/riskflow/pkg/interfaces"
	"github.com/riskflow/riskflow/pkg/lifecycle"
	"github.com/riskflow/riskflow/pkg/server"
	"github.com/riskflow/riskflow/pkg/telemetry"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the invocation HTTP server",
	Long: `Start the HTTP server accepting transactions for evaluation.

Endpoints:
  POST /api/invoke/{modelId}   Run one transaction through the pipeline
  GET  /api/models             List loaded models and their counters
  GET  /healthz                Liveness and drain status

Examples:
  riskflow serve                  # Start on the configured port
  riskflow serve --port 3000      # Start on a custom port
  riskflow serve --host 0.0.0.0   # Listen on all interfaces`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := configManager.Get()
	logger := newLogger()

	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		store.Close()
		return fmt.Errorf("messaging: %w", err)
	}

	registry, err := newRegistry(cfg, newLibrary(), logger)
	if err != nil {
		publisher.Close()
		store.Close()
		return fmt.Errorf("model registry: %w", err)
	}

	tcfg := telemetry.DefaultConfig("riskflow")
	tcfg.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.Endpoint != "" {
		tcfg.Endpoint = cfg.Telemetry.Endpoint
	}
	exporter := telemetry.NewExporter(tcfg)
	shutdownTracing, err := exporter.Init(cmd.Context())
	if err != nil {
		logger.Printf("telemetry disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	var exp interfaces.MetricsExporter = metrics.NewNoopMetrics()
	if verbose {
		exp = metrics.NewLogMetrics(logger)
	}

	eng := engine.New(store, registry, publisher, exp, exporter.Tracer(), logger, engineOptions(cfg))

	shutdown := lifecycle.NewShutdownManager(30*time.Second, logger)
	shutdown.RegisterCloser(store)
	shutdown.RegisterCloser(publisher)
	shutdown.RegisterCloser(registry)
	shutdown.HandleSignals(cmd.Context())

	srv := server.NewServer(eng, registry, shutdown, cfg.Server.MaxBodyBytes, logger)
	if len(cfg.Server.APIKeys) > 0 {
		keys := auth.NewAPIKeyAuthenticator()
		for i, k := range cfg.Server.APIKeys {
			keys.AddKey(&auth.APIKey{
				Key:     k,
				ID:      fmt.Sprintf("key-%d", i),
				Tenant:  "default",
				Enabled: true,
			})
		}
		srv.SetAuthenticator(keys)
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("riskflow listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		shutdown.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
		shutdownTracing(ctx)
		errCh <- nil
	}()

	return <-errCh
}
