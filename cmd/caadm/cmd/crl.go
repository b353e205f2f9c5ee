package cmd

import (
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/jmcleod/caadm/inventory"
	"github.com/jmcleod/caadm/pki"
	"github.com/jmcleod/caadm/reconcile"
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Inspect the CA's CRL",
}

var crlShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the CA's CRL and its revoked serials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := reconcile.New(caStore(), nil, reconcile.WithLogger(logger))
		st, err := engine.Load(cmd.Context())
		if err != nil {
			return err
		}
		writeCRL(cmd.OutOrStdout(), st)
		return nil
	},
}

var reasonNames = map[int]string{
	0:  "unspecified",
	1:  "keyCompromise",
	2:  "cACompromise",
	3:  "affiliationChanged",
	4:  "superseded",
	5:  "cessationOfOperation",
	6:  "certificateHold",
	8:  "removeFromCRL",
	9:  "privilegeWithdrawn",
	10: "aACompromise",
}

func writeCRL(w io.Writer, st *reconcile.State) {
	crl := st.CRL
	header := []string{
		fmt.Sprintf("Issuer:\x1f%s", crl.Issuer()),
		fmt.Sprintf("CRL number:\x1f%s", crl.Number()),
		fmt.Sprintf("This update:\x1f%s", crl.ThisUpdate().UTC().Format(time.RFC3339)),
		fmt.Sprintf("Next update:\x1f%s", crl.NextUpdate().UTC().Format(time.RFC3339)),
		fmt.Sprintf("Revocations:\x1f%d", crl.Len()),
	}
	if len(st.Chain) > 1 {
		header = append(header, fmt.Sprintf("CRLs in chain:\x1f%d", len(st.Chain)))
	}
	fmt.Fprintln(w, columnize.Format(header, &columnize.Config{Delim: "\x1f"}))

	if crl.Len() == 0 {
		return
	}
	rows := []string{"Serial|Revoked At|Reason|Certname"}
	for _, entry := range crl.Entries() {
		reason, ok := reasonNames[entry.ReasonCode]
		if !ok {
			reason = fmt.Sprintf("reason %d", entry.ReasonCode)
		}
		rows = append(rows, fmt.Sprintf("%s|%s|%s|%s",
			pki.FormatSerial(entry.SerialNumber),
			entry.RevocationTime.UTC().Format(time.RFC3339),
			reason,
			certnameFor(st.Inventory, entry.SerialNumber)))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, columnize.SimpleFormat(rows))
}

func certnameFor(inv *inventory.Inventory, serial *big.Int) string {
	if name, ok := inv.CertnameForCurrent(serial); ok {
		return name
	}
	if old := inv.CertnamesForOld(serial); len(old) > 0 {
		return strings.Join(old, ",") + " (old)"
	}
	return "-"
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.AddCommand(crlShowCmd)
}
