package cmd

import (
	"fmt"
	"sort"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/jmcleod/caadm/httpca"
)

var listState string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates known to the running CA service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := caClient()
		if err != nil {
			return err
		}
		statuses, err := client.Statuses(cmd.Context())
		if err != nil {
			return err
		}

		rows := formatStatuses(statuses, listState)
		if len(rows) == 1 {
			fmt.Fprintln(cmd.OutOrStdout(), "No certificates found")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), columnize.SimpleFormat(rows))
		return nil
	},
}

func formatStatuses(statuses []httpca.CertStatus, state string) []string {
	sort.SliceStable(statuses, func(i, j int) bool {
		if statuses[i].State != statuses[j].State {
			return statuses[i].State < statuses[j].State
		}
		return statuses[i].Name < statuses[j].Name
	})

	rows := []string{"Name|State|Serial|Not After|Fingerprint"}
	for _, s := range statuses {
		if state != "" && s.State != state {
			continue
		}
		serial := "-"
		if s.SerialNumber != "" {
			serial = string(s.SerialNumber)
		}
		notAfter := s.NotAfter
		if notAfter == "" {
			notAfter = "-"
		}
		rows = append(rows, fmt.Sprintf("%s|%s|%s|%s|%s", s.Name, s.State, serial, notAfter, s.Fingerprint))
	}
	return rows
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listState, "state", "", "Only show certificates in this state (requested, signed or revoked)")
}
