package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/storyboard/storyboard/pkg/lifecycle"
	"github.com/storyboard/storyboard/pkg/server"
	"github.com/storyboard/storyboard/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Storyboard web server",
		Long: `Run the Storyboard web server.

The server opens (and if needed creates) the configured database file and
serves the story page, the story JSON endpoints, database export and upload,
health and metrics. It shuts down gracefully on SIGINT or SIGTERM.`,
		Example: `  # Serve with defaults (:3002, ./storyboard.db)
  storyboard serve

  # Serve a specific database on another port
  storyboard serve --db /var/lib/storyboard/storyboard.db --addr :8080

  # Serve with a config file
  storyboard serve --config storyboard.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("watch") {
				cfg.Database.Watch = watch
			}
			if cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev" {
				cfg.Telemetry.ServiceVersion = version
			}

			tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush traces")
				}
			}()

			manager, err := lifecycle.NewManager(
				cfg.Database.Lifecycle(),
				tel.Logger.Zerolog(),
				lifecycle.WithMetrics(tel.Metrics),
				lifecycle.WithTracer(tel.Tracer),
			)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := manager.Open(ctx); err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer manager.Close()

			logger := tel.Logger.Zerolog()
			logger.Info().
				Str("addr", cfg.Server.Addr).
				Str("db", cfg.Database.Path).
				Str("version", version).
				Msg("Starting Storyboard")

			return server.New(cfg.Server, manager, tel).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "log changes made to the database file by other processes")

	return cmd
}
