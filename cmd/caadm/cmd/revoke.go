package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caadm/reconcile"
)

var revokeCertnames []string

var revokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke certificates through the running CA service",
	Long: `Ask puppetserver to revoke the current certificate of each --certname.
Unlike the other commands this one needs the CA service to be running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(revokeCertnames) == 0 {
			return usageError(errors.New("--certname is required"))
		}
		ctx := cmd.Context()

		client, err := caClient()
		if err != nil {
			return err
		}
		online, err := client.Online(ctx)
		if err != nil {
			return fmt.Errorf("checking whether the CA service is running: %w", err)
		}
		if !online {
			return errors.New("the CA service is not running; start puppetserver to revoke certificates")
		}

		var failed []reconcile.SoftError
		revoked := 0
		for _, name := range revokeCertnames {
			if err := client.Revoke(ctx, name); err != nil {
				logger.Error("could not revoke certificate", "certname", name, "error", err)
				failed = append(failed, reconcile.SoftError{Target: name, Err: err})
				continue
			}
			logger.Info("revoked certificate", "certname", name)
			revoked++
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d certificates\n", revoked)
		if len(failed) > 0 {
			err := fmt.Errorf("finished with errors: %w", joinSoftErrors(failed))
			if revoked == 0 {
				return err
			}
			return &outcomeError{outcome: reconcile.Partial, err: err}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revokeCmd)
	revokeCmd.Flags().StringSliceVar(&revokeCertnames, "certname", nil, "Comma separated certnames to revoke")
}
