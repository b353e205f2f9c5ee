package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var restoreFrom string

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Write a snapshot taken with --backup back into the CA directory",
	Long: `Copy the CRL, inventory and signed certificates held in a bbolt snapshot
back into the CA directory. The snapshot's CRL is re-signed with a crlNumber
above the one currently in the CA directory, so the number never goes
backwards. Certificates signed after the snapshot was taken are left in
place. The CA certificate and key are never replaced. puppetserver must be
stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if restoreFrom == "" {
			return usageError(errors.New("--from is required"))
		}
		ctx := cmd.Context()

		snapshot, err := openSnapshot(restoreFrom, true)
		if err != nil {
			return err
		}
		defer snapshot.Close()

		engine, release, err := newEngine()
		if err != nil {
			return err
		}
		defer release()

		report, err := engine.Restore(ctx, snapshot)
		if err != nil {
			return fmt.Errorf("restoring from %s: %w", restoreFrom, err)
		}
		w := cmd.OutOrStdout()
		if report.CRLNumber != nil {
			fmt.Fprintf(w, "Restored CRL (re-signed with number %s), inventory and %d signed certificates from %s\n",
				report.CRLNumber, report.Signed, restoreFrom)
			return nil
		}
		fmt.Fprintf(w, "Restored inventory and %d signed certificates from %s\n", report.Signed, restoreFrom)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringVar(&restoreFrom, "from", "", "bbolt snapshot written by --backup")
}
