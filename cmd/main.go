package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/ukydev/fleet-maintenance/internal/config"
)

func main() {
	if err := newRootCmd(config.Load()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:          "fleetmaint",
		Short:        "Predictive maintenance scheduler for field-serviced assets",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.SetupLogging()
		},
	}
	root.PersistentFlags().StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "storage backend: memory or mongo")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	root.AddCommand(newServeCmd(cfg), newSweepCmd(cfg))
	return root
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MQTT sync endpoints, recompute worker and sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.run(ctx); err != nil {
				log.WithError(err).Error("server stopped")
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	cmd.Flags().DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "interval between full schedule sweeps")
	cmd.Flags().IntVar(&cfg.RecomputeWorkers, "workers", cfg.RecomputeWorkers, "recompute worker goroutines")
	return cmd
}

// newSweepCmd recomputes every active schedule once and exits, for running
// from cron against the Mongo backend.
func newSweepCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recompute every active schedule once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d schedules, %d failed\n", res.Checked, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d schedules failed to recompute", res.Failed)
			}
			return nil
		},
	}
}
