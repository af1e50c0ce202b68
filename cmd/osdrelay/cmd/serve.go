package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/engine"
	internalhttp "github.com/jmylchreest/osdrelay/internal/http"
	"github.com/jmylchreest/osdrelay/internal/http/handlers"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/output"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
	"github.com/jmylchreest/osdrelay/internal/scheduler"
	"github.com/jmylchreest/osdrelay/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the osdrelay server",
	Long: `Start the osdrelay HTTP control plane.

The server provides:
- POST /api/v1/overlay to (re)start the pipeline with new overlay text
- POST /api/v1/session/stop and GET /api/v1/session
- GET /api/v1/schedule for configured overlay changes
- HLS outputs under /hls/{name}/
- Health check at /health and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().Bool("autostart", false, "Start a session from the pipeline config on startup")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("pipeline.autostart", serveCmd.Flags().Lookup("autostart"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := output.NewRegistry()
	backend := engine.New(cfg, registry, logger)
	controller := pipeline.NewController(backend, pipeline.SessionConfigFrom(cfg.Pipeline, ""), logger)

	sched, err := scheduler.New(cfg.Schedule, controller)
	if err != nil {
		return err
	}
	sched.WithLogger(logger)

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	handlers.NewSessionHandler(controller).WithOverrides(cfg.Pipeline.Overrides).Register(server.API())
	handlers.NewScheduleHandler(sched).Register(server.API())
	handlers.NewHealthHandler(version.Version).WithSessions(controller).WithOutputs(registry).Register(server.API())
	server.Mount("/hls", registry)

	logger.Info("starting osdrelay server",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.Int("schedule_entries", len(cfg.Schedule)),
	)

	if cfg.Pipeline.Autostart {
		if err := autostart(ctx, controller, cfg.Pipeline, logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := controller.Shutdown(shutdownCtx); err != nil && !errors.Is(err, pipeline.ErrWorkerPanic) {
			return fmt.Errorf("stopping session: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("osdrelay server stopped")
	return err
}

// autostart starts the configured pipeline. The configured text may be empty,
// which starts a remux-only session.
func autostart(ctx context.Context, controller *pipeline.Controller, p config.PipelineConfig, logger *slog.Logger) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("autostart: %w", err)
	}
	id, err := controller.ApplyOSD(ctx, p.AutostartOSD)
	if err != nil {
		return fmt.Errorf("autostart: %w", err)
	}
	observability.WithSession(logger, id).Info("autostarted session",
		slog.String("mode", controller.Template().WithOSD(p.AutostartOSD).Mode().String()),
	)
	return nil
}
