package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ccom-scheduler/internal/ccom"
	"github.com/example/ccom-scheduler/internal/crypto"
	"github.com/example/ccom-scheduler/internal/store"
)

func newRoomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage the practice-room catalog",
	}
	cmd.AddCommand(newRoomAddCmd())
	cmd.AddCommand(newRoomListCmd())
	cmd.AddCommand(newRoomAvailabilityCmd())
	return cmd
}

func newRoomAddCmd() *cobra.Command {
	var ccomID, name, partition, instruments string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add or refresh a room, keyed by its upstream device id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, d, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			id, err := st.UpsertRoom(ctx, store.Room{
				CCOMID:      ccomID,
				Name:        name,
				Partition:   partition,
				Instruments: instruments,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "room %q (id=%d, device=%s)\n", name, id, ccomID)
			return nil
		},
	}

	c.Flags().StringVar(&ccomID, "device", "", "upstream device id")
	c.Flags().StringVar(&name, "name", "", "room name")
	c.Flags().StringVar(&partition, "partition", "", "building partition (optional)")
	c.Flags().StringVar(&instruments, "instruments", "", "instruments in the room (optional)")
	_ = c.MarkFlagRequired("device")
	_ = c.MarkFlagRequired("name")
	return c
}

func newRoomAvailabilityCmd() *cobra.Command {
	var username, room string

	c := &cobra.Command{
		Use:   "availability",
		Short: "Query a room's open days and free windows upstream",
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

			aead, err := crypto.New(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			password := ""
			if user.CCOMPasswordSealed != "" {
				if password, err = aead.DecryptString(user.CCOMPasswordSealed); err != nil {
					return fmt.Errorf("unseal password: %w", err)
				}
			}

			client := ccom.New(ccom.Config{
				Root:      cfg.APIRoot,
				UserAgent: cfg.UserAgent,
				Lessee:    cfg.Lessee,
				RPS:       cfg.GatewayRPS,
			}, ccom.Credentials{Account: user.Username, Password: password, Token: user.CCOMToken})
			if _, err := client.SoftLogin(ctx); err != nil {
				return err
			}

			av, err := client.QueryAvailability(ctx, r.CCOMID)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "room %s (device %s): open %s-%s on %v\n",
				r.Name, r.CCOMID, av.StartTime, av.EndTime, av.OpenDays)
			for _, w := range av.RemainingTime {
				fmt.Fprintf(os.Stdout, "  free %s - %s\n",
					time.UnixMilli(w.StartTime).Format("2006-01-02 15:04"),
					time.UnixMilli(w.EndTime).Format("15:04"))
			}
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "account to query with")
	c.Flags().StringVar(&room, "room", "", "room name")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("room")
	return c
}

func newRoomListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, d, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			rooms, err := st.ListRooms(ctx)
			if err != nil {
				return err
			}
			for _, r := range rooms {
				fmt.Fprintf(os.Stdout, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.CCOMID, r.Name, r.Partition, r.Instruments)
			}
			return nil
		},
	}
}
