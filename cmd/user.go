package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ccom-scheduler/internal/crypto"
	"github.com/example/ccom-scheduler/internal/store"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage reservation accounts",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var username, password, ccomPassword, pushKey string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add an account (student number + upstream password, sealed at rest)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, d, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}

			aead, err := crypto.New(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			sealed, err := aead.EncryptToString(ccomPassword)
			if err != nil {
				return err
			}

			id, err := st.CreateUser(ctx, store.User{
				Username:           username,
				PasswordHash:       string(hash),
				CCOMPasswordSealed: sealed,
				PushKey:            pushKey,
				IsActive:           true,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created user %q (id=%d)\n", username, id)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "student number used for upstream login")
	c.Flags().StringVar(&password, "password", "", "local password")
	c.Flags().StringVar(&ccomPassword, "ccom-password", "", "upstream account password (stored encrypted)")
	c.Flags().StringVar(&pushKey, "push-key", "", "push relay key for outcome notifications (optional)")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	_ = c.MarkFlagRequired("ccom-password")
	return c
}
