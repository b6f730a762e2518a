package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/terra-clan/pitchsync/internal/auth"
	"github.com/terra-clan/pitchsync/internal/config"
	"github.com/terra-clan/pitchsync/internal/metrics"
	"github.com/terra-clan/pitchsync/pkg/client"
)

func newRootCmd(version string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "pitchsync",
		Short:        "pitchsync - orchestrates a team's timed, scored pitch challenge",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PITCHSYNC_CONFIG"), "Path to YAML config (env: PITCHSYNC_CONFIG)")

	load := func() (*config.Config, error) {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		// Setup structured logging
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.Log.SlogLevel(),
		}))
		slog.SetDefault(logger)
		return cfg, nil
	}

	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newProbeCmd(load))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Version = version

	return cmd
}

// newAuthProvider picks the client-credentials grant when a client id is
// configured, otherwise the static token
func newAuthProvider(ctx context.Context, cfg config.AuthConfig) auth.Provider {
	if cfg.ClientID != "" {
		slog.Info("using client credentials", "token_url", cfg.TokenURL, "client_id", cfg.ClientID)
		return auth.NewClientCredentials(ctx, auth.ClientCredentialsConfig{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
		})
	}
	return auth.NewStatic(cfg.Token)
}

func newBackendClient(cfg config.BackendConfig, provider auth.Provider, recorder *metrics.Recorder) *client.Client {
	return client.NewClient(cfg.BaseURL,
		client.WithAuth(provider),
		client.WithRetryPolicy(retryPolicy(cfg)),
		client.WithTimeouts(cfg.EvaluatorTimeout, cfg.ProbeTimeout),
		client.WithMetrics(recorder),
	)
}

func retryPolicy(cfg config.BackendConfig) client.RetryPolicy {
	return client.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	}
}

// initTimeout bounds a session init including all of its retries
func initTimeout(cfg config.BackendConfig) time.Duration {
	return retryPolicy(cfg).Budget(cfg.EvaluatorTimeout)
}

func newRegistry() (*prometheus.Registry, *metrics.Recorder) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, metrics.New(reg)
}
