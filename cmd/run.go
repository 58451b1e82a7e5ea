package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fire one scheduler phase immediately, outside the nightly window",
	}
	cmd.AddCommand(newRunPreLoginCmd())
	cmd.AddCommand(newRunExecuteCmd())
	return cmd
}

// targetDate resolves --date, defaulting to tomorrow in the configured zone.
func targetDate(dateFlag, timezone string) (time.Time, *time.Location, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("timezone %q: %w", timezone, err)
	}
	if dateFlag == "" {
		now := time.Now().In(loc).AddDate(0, 0, 1)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc), loc, nil
	}
	d, err := time.ParseInLocation("2006-01-02", dateFlag, loc)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return d, loc, nil
}

func newRunPreLoginCmd() *cobra.Command {
	var date string

	c := &cobra.Command{
		Use:   "prelogin",
		Short: "Refresh upstream tokens for every user with an intent on the target date",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, d, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			target, _, err := targetDate(date, cfg.Timezone)
			if err != nil {
				return err
			}

			coord, err := newCoordinator(cfg, st, newLogger())
			if err != nil {
				return err
			}

			sum := coord.PreLogin(ctx, target)
			fmt.Fprintf(os.Stdout, "pre-login %s: %d users, %d ok, %d failed\n",
				sum.RunID, sum.TotalUsers, sum.Successful, sum.Failed)
			for _, e := range sum.Errors {
				fmt.Fprintf(os.Stdout, "  error: %s\n", e)
			}
			return nil
		},
	}

	c.Flags().StringVar(&date, "date", "", "target reservation date, YYYY-MM-DD (default tomorrow)")
	return c
}

func newRunExecuteCmd() *cobra.Command {
	var date string

	c := &cobra.Command{
		Use:   "execute",
		Short: "Execute every intent for the target date now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, d, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			target, _, err := targetDate(date, cfg.Timezone)
			if err != nil {
				return err
			}

			coord, err := newCoordinator(cfg, st, newLogger())
			if err != nil {
				return err
			}

			sum := coord.Execute(ctx, target)
			fmt.Fprintf(os.Stdout, "run %s for %s: %d processed, %d successful, %d failed, %d skipped, %d notified\n",
				sum.RunID, sum.TargetDate.Format("2006-01-02"),
				sum.Counters.Processed, sum.Counters.Successful,
				sum.Counters.Failed, sum.Counters.Skipped, sum.Notified)
			for _, e := range sum.Errors {
				fmt.Fprintf(os.Stdout, "  error: %s\n", e)
			}
			return nil
		},
	}

	c.Flags().StringVar(&date, "date", "", "target reservation date, YYYY-MM-DD (default tomorrow)")
	return c
}
