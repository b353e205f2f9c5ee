package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jmcleod/caadm/reconcile"
)

var (
	pruneDuplicates bool
	pruneEntries    bool
	pruneSerials    []string
	pruneCertnames  []string
	pruneBackup     string
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove duplicate or selected revocations from the CA's CRL",
	Long: `Edit the CA's CRL in place and re-sign it with the next CRL number.

With no flags, repeated revocations of the same serial are collapsed to one.
--remove-entries drops the revocations of the certificates named by --serial
or --certname. puppetserver must be stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan := reconcile.Plan{
			RemoveDuplicates: pruneDuplicates,
			RemoveEntries:    pruneEntries,
			Serials:          pruneSerials,
			Certnames:        pruneCertnames,
		}
		return runPlan(cmd, plan, pruneBackup)
	},
}

// runPlan runs plan against the CA directory, snapshotting it to backup
// first when backup is set.
func runPlan(cmd *cobra.Command, plan reconcile.Plan, backup string) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	engine, release, err := newEngine()
	if err != nil {
		return err
	}
	defer release()

	if backup != "" {
		snapshot, err := openSnapshot(backup, false)
		if err != nil {
			return err
		}
		defer snapshot.Close()
		plan.Backup = snapshot
	}

	report, err := engine.Run(cmd.Context(), plan)
	if err != nil {
		return err
	}
	return printSummary(cmd.OutOrStdout(), report)
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVar(&pruneDuplicates, "remove-duplicates", false, "Collapse repeated revocations of a serial (the default)")
	pruneCmd.Flags().BoolVar(&pruneEntries, "remove-entries", false, "Remove the revocations selected by --serial and --certname")
	pruneCmd.Flags().StringSliceVar(&pruneSerials, "serial", nil, "Comma separated serials to un-revoke (hex, optional 0x prefix)")
	pruneCmd.Flags().StringSliceVar(&pruneCertnames, "certname", nil, "Comma separated certnames whose current certificate to un-revoke")
	pruneCmd.Flags().StringVar(&pruneBackup, "backup", "", "Snapshot the CRL, inventory and signed certificates to this bbolt file first")
}
