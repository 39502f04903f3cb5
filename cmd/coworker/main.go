// Package main is the coworker server entry point: a local WebSocket server
// that runs agent sessions against LLM providers with human-gated tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/coworker/internal/bus"
	"github.com/haasonsaas/coworker/internal/config"
	"github.com/haasonsaas/coworker/internal/credentials"
	"github.com/haasonsaas/coworker/internal/mcp"
	"github.com/haasonsaas/coworker/internal/observability"
	"github.com/haasonsaas/coworker/internal/protocol"
	"github.com/haasonsaas/coworker/internal/session"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		args       = config.DefaultArgs()
		noMouse    bool
	)

	root := &cobra.Command{
		Use:           "coworker",
		Short:         "Local agent session server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if noMouse {
				args.Mouse = false
			}
			return serve(cmd.Context(), configPath, args)
		},
	}
	root.Flags().StringVar(&args.Dir, "dir", "", "working directory for new sessions")
	root.Flags().BoolVar(&args.CLI, "cli", false, "run without the desktop sidebar")
	root.Flags().BoolVar(&args.Yolo, "yolo", false, "auto-approve gated tool calls")
	root.Flags().BoolVar(&args.Mouse, "mouse", true, "enable terminal mouse reporting")
	root.Flags().BoolVar(&noMouse, "no-mouse", false, "disable terminal mouse reporting")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to coworker.yaml")

	root.AddCommand(newServeCommand(&configPath, &args), newVersionCommand())
	return root
}

func newServeCommand(configPath *string, args *config.Args) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath, *args)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("coworker %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func serve(ctx context.Context, configPath string, args config.Args) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if args.Dir != "" {
		cfg.Session.WorkingDir = args.Dir
	}
	if args.Yolo {
		cfg.Session.Yolo = true
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "coworker",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	store := credentials.NewStore(cfg.CredentialDir)
	resolver := credentials.NewResolver(store, logger)
	registry := mcp.NewRegistry(logger)
	events := bus.New(logger, bus.WithDropHook(func(string) {
		metrics.BusDropCounter.Inc()
	}))

	manager := session.NewManager(session.ManagerConfig{
		SessionDefaults: protocol.SessionConfig{
			Provider:   cfg.Session.Provider,
			Model:      cfg.Session.Model,
			WorkingDir: cfg.Session.WorkingDir,
			OutputDir:  cfg.Server.OutputDir,
			EnableMCP:  cfg.Session.EnableMCP,
			Yolo:       cfg.Session.Yolo,
			MaxSteps:   cfg.Session.MaxSteps,
		},
		OutputDir:      cfg.Server.OutputDir,
		MCPConfigPath:  cfg.MCPConfigPath,
		WorkspaceRoots: cfg.Session.WorkspaceRoots,
		Store:          store,
		Resolver:       resolver,
		Registry:       registry,
		Bus:            events,
		Metrics:        metrics,
		Tracer:         tracer,
		Logger:         logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", manager)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("coworker listening", "addr", cfg.Server.ListenAddr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	registry.CloseAll()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", "error", err)
	}
	return nil
}
