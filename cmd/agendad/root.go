package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"agendaclinica/internal/app"
	"agendaclinica/internal/config"
	"agendaclinica/internal/observability"
)

type cliState struct {
	cfgFile string
	cfg     config.Config
	logger  zerolog.Logger
}

func newRootCmd() *cobra.Command {
	st := &cliState{}
	root := &cobra.Command{
		Use:           "agendad",
		Short:         "Subscription gate, billing webhooks and WhatsApp linking for Agenda Clínica",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := st.cfgFile
			if path == "" {
				path = os.Getenv("AC_CONFIG")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			st.cfg = cfg
			st.logger = observability.NewLogger(cfg.Log.Level, cfg.Log.Pretty, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&st.cfgFile, "config", "", "path to the YAML config file (default $AC_CONFIG)")

	root.AddCommand(
		newServeCmd(st),
		newWorkerCmd(st),
		newSweepCmd(st),
		newMigrateCmd(st),
	)
	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, st.cfg, st.logger)
			if err != nil {
				return fmt.Errorf("app init: %w", err)
			}
			defer a.Close()
			return a.Serve(ctx)
		},
	}
}

func newWorkerCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume scoped sweep jobs from the Redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, st.cfg, st.logger)
			if err != nil {
				return fmt.Errorf("app init: %w", err)
			}
			defer a.Close()
			return a.RunWorker(ctx)
		},
	}
}

func newSweepCmd(st *cliState) *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Block expired trials and overdue subscriptions once, for system cron",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, st.cfg, st.logger)
			if err != nil {
				return fmt.Errorf("app init: %w", err)
			}
			defer a.Close()

			report, err := a.RunSweep(ctx, ownerID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"updated": report.Updated(),
				"details": report,
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "only sweep this owner's subscription")
	return cmd
}

func newMigrateCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Migrate(cmd.Context(), st.cfg); err != nil {
				return err
			}
			st.logger.Info().Msg("migrations applied")
			return nil
		},
	}
}
