package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/ccom-scheduler/internal/ccom"
	"github.com/example/ccom-scheduler/internal/config"
	"github.com/example/ccom-scheduler/internal/crypto"
	"github.com/example/ccom-scheduler/internal/db"
	"github.com/example/ccom-scheduler/internal/engine"
	"github.com/example/ccom-scheduler/internal/migrate"
	"github.com/example/ccom-scheduler/internal/notify"
	"github.com/example/ccom-scheduler/internal/store"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ccomsched",
		Short: "Practice-room reservation scheduler that fires at the nightly booking window",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newUserCmd())
	root.AddCommand(newRoomCmd())
	root.AddCommand(newIntentCmd())
	root.AddCommand(newRunCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads config, opens the pool, and applies migrations. Every
// command that touches the database goes through here.
func openStore(ctx context.Context) (config.Config, *db.DB, *store.Store, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return config.Config{}, nil, nil, err
	}
	return cfg, d, store.New(d), nil
}

func newCoordinator(cfg config.Config, st *store.Store, logger *slog.Logger) (*engine.Coordinator, error) {
	aead, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}

	return &engine.Coordinator{
		Store:    st,
		Notifier: notify.New(cfg.NotifyBaseURL, cfg.NotifyEnabled),
		Logger:   logger,
		NewGateway: func(creds ccom.Credentials) engine.Gateway {
			return ccom.New(ccom.Config{
				Root:      cfg.APIRoot,
				UserAgent: cfg.UserAgent,
				Lessee:    cfg.Lessee,
				RPS:       cfg.GatewayRPS,
			}, creds)
		},
		Unseal:              aead.DecryptString,
		Location:            loc,
		Workers:             cfg.WorkerPoolSize,
		MaxDaily:            cfg.MaxDailyReservations,
		SegmentHours:        cfg.MaxSegmentHours,
		MaxAttempts:         cfg.RetryMaxAttempts,
		RetryDelay:          cfg.RetryDelay,
		NotifyDuplicateRace: cfg.NotifyDuplicateRace,
	}, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
