package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/terra-clan/pitchsync/internal/config"
)

func newProbeCmd(load func() (*config.Config, error)) *cobra.Command {
	var team string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check backend health and, with --team, whether the team has a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Backend.EvaluatorTimeout)
			defer cancel()

			provider := newAuthProvider(ctx, cfg.Auth)
			backend := newBackendClient(cfg.Backend, provider, nil)
			defer backend.Close()

			report := map[string]interface{}{"backend": cfg.Backend.BaseURL}

			health, err := backend.Health(ctx)
			if err != nil {
				report["health_error"] = err.Error()
			} else {
				report["health"] = health
			}

			if team != "" {
				check, err := backend.CheckSession(ctx, team)
				if err != nil {
					return err
				}
				report["session"] = check
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVar(&team, "team", "", "Team code to look up")
	return cmd
}
