package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ccom-scheduler/internal/ops"
	"github.com/example/ccom-scheduler/internal/scheduler"
	"github.com/example/ccom-scheduler/internal/timesync"
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the nightly scheduler and the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, d, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			logger := newLogger()
			coord, err := newCoordinator(cfg, st, logger)
			if err != nil {
				return err
			}

			loc, err := time.LoadLocation(cfg.Timezone)
			if err != nil {
				return fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
			}

			sched := &scheduler.Scheduler{
				Runner:         coord,
				Probe:          timesync.New(cfg.APIRoot),
				Logger:         logger,
				Location:       loc,
				OpenTime:       cfg.OpenTime,
				PreLoginOffset: cfg.PreLoginOffset,
			}
			go func() { _ = sched.Run(ctx) }()

			srv := &ops.Server{Runs: coord, Store: st, Logger: logger}
			logger.Info("ops API listening", "addr", cfg.OpsListenAddr)
			err = ops.Start(ctx, cfg.OpsListenAddr, srv.Routes())
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
}
