package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ccom-scheduler/internal/store"
)

func newIntentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Manage reservation intents",
	}
	cmd.AddCommand(newIntentRecurringCmd())
	cmd.AddCommand(newIntentOneTimeCmd())
	cmd.AddCommand(newIntentListCmd())
	return cmd
}

func newIntentRecurringCmd() *cobra.Command {
	var username, room, start, end string
	var day int

	c := &cobra.Command{
		Use:   "recurring",
		Short: "Add a weekly standing reservation (day 0=Monday .. 6=Sunday)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, d, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			user, err := st.UserByUsername(ctx, username)
			if err != nil {
				return fmt.Errorf("user %q: %w", username, err)
			}
			r, err := st.RoomByName(ctx, room)
			if err != nil {
				return fmt.Errorf("room %q: %w", room, err)
			}

			intent := store.RecurringIntent{
				UserID:    user.ID,
				RoomID:    r.ID,
				DayOfWeek: day,
				StartTime: start,
				EndTime:   end,
				IsActive:  true,
			}
			if err := intent.Validate(cfg.MaxReservationHours); err != nil {
				return err
			}

			id, err := st.CreateRecurring(ctx, intent)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "recurring intent %d: %s in %s, day %d %s-%s\n",
				id, username, room, day, start, end)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "account the reservation is for")
	c.Flags().StringVar(&room, "room", "", "room name")
	c.Flags().IntVar(&day, "day", 0, "day of week, 0=Monday .. 6=Sunday")
	c.Flags().StringVar(&start, "start", "", "start time, 4-digit HHMM")
	c.Flags().StringVar(&end, "end", "", "end time, 4-digit HHMM")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("room")
	_ = c.MarkFlagRequired("day")
	_ = c.MarkFlagRequired("start")
	_ = c.MarkFlagRequired("end")
	return c
}

func newIntentOneTimeCmd() *cobra.Command {
	var username, room, date, start, end string
	var cancel bool

	c := &cobra.Command{
		Use:   "onetime",
		Short: "Add a one-off reservation, or a cancellation of an existing order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, d, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			user, err := st.UserByUsername(ctx, username)
			if err != nil {
				return fmt.Errorf("user %q: %w", username, err)
			}
			r, err := st.RoomByName(ctx, room)
			if err != nil {
				return fmt.Errorf("room %q: %w", room, err)
			}
			day, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("date must be YYYY-MM-DD: %w", err)
			}

			intent := store.OneTimeIntent{
				UserID:         user.ID,
				RoomID:         r.ID,
				Date:           day,
				StartTime:      start,
				EndTime:        end,
				IsCancellation: cancel,
				Status:         store.StatusPending,
			}
			if err := intent.Validate(cfg.MaxReservationHours); err != nil {
				return err
			}

			id, err := st.CreateOneTime(ctx, intent)
			if err != nil {
				return err
			}
			kind := "one-time intent"
			if cancel {
				kind = "cancellation intent"
			}
			fmt.Fprintf(os.Stdout, "%s %d: %s in %s on %s %s-%s\n",
				kind, id, username, room, date, start, end)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "account the reservation is for")
	c.Flags().StringVar(&room, "room", "", "room name")
	c.Flags().StringVar(&date, "date", "", "reservation date, YYYY-MM-DD")
	c.Flags().StringVar(&start, "start", "", "start time, 4-digit HHMM")
	c.Flags().StringVar(&end, "end", "", "end time, 4-digit HHMM")
	c.Flags().BoolVar(&cancel, "cancel", false, "cancel the matching existing order instead of booking")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("room")
	_ = c.MarkFlagRequired("date")
	_ = c.MarkFlagRequired("start")
	_ = c.MarkFlagRequired("end")
	return c
}

func newIntentListCmd() *cobra.Command {
	var username string

	c := &cobra.Command{
		Use:   "list",
		Short: "List a user's recurring intents and recent outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, d, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			user, err := st.UserByUsername(ctx, username)
			if err != nil {
				return fmt.Errorf("user %q: %w", username, err)
			}

			recurring, err := st.ListRecurringByUser(ctx, user.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "recurring intents for %s:\n", username)
			for _, r := range recurring {
				state := "active"
				if !r.IsActive {
					state = "inactive"
				}
				fmt.Fprintf(os.Stdout, "  %d\tday %d\t%s-%s\troom %d\t%s\n",
					r.ID, r.DayOfWeek, r.StartTime, r.EndTime, r.RoomID, state)
			}

			history, err := st.ListHistoryByUser(ctx, user.ID, 10)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "recent outcomes:")
			for _, h := range history {
				fmt.Fprintf(os.Stdout, "  %s\t%s-%s\t%s\t%s\n",
					h.Date.Format("2006-01-02"), h.StartTime, h.EndTime, h.Status, h.Message)
			}
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "account to list")
	_ = c.MarkFlagRequired("username")
	return c
}
