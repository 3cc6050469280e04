package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chimera-gate/chimeragate/internal/domain/ledger"
)

var verifyLedgerCmd = &cobra.Command{
	Use:   "verify-ledger [path]",
	Short: "Audit the forensic ledger hash chain",
	Long: `Walk the forensic ledger and recompute the hash chain. Any tampered,
reordered or deleted entry breaks the chain and is reported with its
line number. With no argument the default ledger path is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "data/forensic_ledger.jsonl"
		if len(args) == 1 {
			path = args[0]
		}
		n, err := ledger.Verify(path)
		if err != nil {
			return fmt.Errorf("ledger verification failed: %w", err)
		}
		fmt.Printf("OK: %d entries, chain intact\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyLedgerCmd)
}
