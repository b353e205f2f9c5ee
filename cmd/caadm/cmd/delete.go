package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caadm/reconcile"
)

var (
	deleteExpired bool
	deleteRevoked bool
	deleteBackup  string
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete expired or revoked certificates from the signed directory",
	Long: `Delete signed certificates that are past their expiry date (--expired)
or whose serial is on the CA's CRL (--revoked).

A certificate revoked under an old serial is only deleted when the file on
disk still carries that serial. puppetserver must be stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !deleteExpired && !deleteRevoked {
			return usageError(errors.New("specify --expired, --revoked or both"))
		}
		plan := reconcile.Plan{
			DeleteExpired: deleteExpired,
			DeleteRevoked: deleteRevoked,
		}
		return runPlan(cmd, plan, deleteBackup)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().BoolVar(&deleteExpired, "expired", false, "Delete certificates past their NotAfter date")
	deleteCmd.Flags().BoolVar(&deleteRevoked, "revoked", false, "Delete certificates revoked by the CRL")
	deleteCmd.Flags().StringVar(&deleteBackup, "backup", "", "Snapshot the CRL, inventory and signed certificates to this bbolt file first")
}
