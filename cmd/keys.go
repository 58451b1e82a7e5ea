package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/ccom-scheduler/internal/crypto"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate an ENCRYPTION_KEY value (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "export ENCRYPTION_KEY=%s\n", key)
			return nil
		},
	}
}
