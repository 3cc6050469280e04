package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chimera-gate/chimeragate/internal/domain/warrant"
)

var keygenDir string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the dual RSA key pairs",
	Long: `Generate the prime and shadow RSA key pairs used to sign warrants.
Existing keys are never overwritten; delete the directory first to
rotate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := warrant.GenerateKeyPairs(keygenDir); err != nil {
			if errors.Is(err, warrant.ErrKeysExist) {
				return fmt.Errorf("%w in %s (delete the directory to rotate)", err, keygenDir)
			}
			return fmt.Errorf("generate key pairs: %w", err)
		}
		fmt.Printf("Key pairs written to %s\n", keygenDir)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenDir, "dir", "keys", "directory to write the key pairs to")
	rootCmd.AddCommand(keygenCmd)
}
