package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terra-clan/pitchsync/internal/api"
	"github.com/terra-clan/pitchsync/internal/auth"
	"github.com/terra-clan/pitchsync/internal/config"
	"github.com/terra-clan/pitchsync/internal/models"
	"github.com/terra-clan/pitchsync/internal/poller"
	"github.com/terra-clan/pitchsync/internal/session"
)

// Hub events emitted outside the session controller
const (
	eventBroadcast = "broadcast"
	eventHealth    = "backend_health"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var team, usecase string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local orchestration API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cfg, team, usecase)
		},
	}

	cmd.Flags().StringVar(&team, "team", "", "Team code to initialize on startup")
	cmd.Flags().StringVar(&usecase, "usecase", "", "Usecase to request for the startup session")
	return cmd
}

func serve(cfg *config.Config, team, usecase string) error {
	slog.Info("starting pitchsync",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"backend", cfg.Backend.BaseURL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, recorder := newRegistry()
	provider := newAuthProvider(ctx, cfg.Auth)
	backend := newBackendClient(cfg.Backend, provider, recorder)
	defer backend.Close()

	hub := api.NewHub()
	teamCtx := auth.NewTeamContext(team)

	controller := session.NewController(backend, provider,
		session.WithTeamContext(teamCtx),
		session.WithStaleBuffer(cfg.Session.StaleBuffer),
		session.WithNotifier(hub.Publish),
		session.WithMetrics(recorder),
	)

	// Background pollers, paused while no presenter is looking
	visibility := poller.NewVisibility()
	health := poller.NewHealthMonitor(backend, func(s poller.HealthState) {
		hub.Publish(eventHealth, s)
	})
	broadcasts := poller.NewBroadcastWatcher(backend, func(b models.Broadcast) {
		hub.Publish(eventBroadcast, b)
	}, recorder)

	for _, task := range []poller.Task{
		{Name: "health", Interval: cfg.Polling.HealthInterval, ShouldRun: visibility.Visible, Run: health.Check},
		{Name: "broadcast", Interval: cfg.Polling.BroadcastInterval, ShouldRun: visibility.Visible, Run: broadcasts.Check},
	} {
		p := poller.New(task)
		visibility.Attach(p)
		p.Start(ctx)
	}

	if team != "" {
		initCtx, initCancel := context.WithTimeout(ctx, initTimeout(cfg.Backend))
		if _, err := controller.InitFromTeamCode(initCtx, team, usecase); err != nil {
			slog.Warn("failed to initialize session on startup", "team_id", team, "usecase_id", usecase, "error", err)
		}
		initCancel()
	}

	// Setup HTTP server
	server := api.NewServer(cfg.Server, api.Dependencies{
		Controller: controller,
		Health:     health,
		Broadcasts: broadcasts,
		Visibility: visibility,
		Hub:        hub,
		Gatherer:   reg,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
		return err
	}

	slog.Info("shutting down gracefully...")

	// Cancel context to stop background workers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("pitchsync stopped")
	return nil
}
