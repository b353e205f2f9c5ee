package reconcile

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jmcleod/caadm/storage"
)

// Plan selects what a Run does.
type Plan struct {
	// RemoveDuplicates collapses repeated revocations of a serial.
	RemoveDuplicates bool
	// RemoveEntries prunes the CRL entries for Serials and Certnames.
	RemoveEntries bool
	Serials       []string
	Certnames     []string

	// DeleteExpired removes signed certificates past their NotAfter.
	DeleteExpired bool
	// DeleteRevoked removes signed certificates listed on the CRL.
	DeleteRevoked bool

	// Backup, when set, receives a copy of the CRL, inventory and signed
	// certificates before anything is changed.
	Backup storage.Store
}

// Validate rejects flag combinations that cannot be run.
func (p Plan) Validate() error {
	targets := len(p.Serials) > 0 || len(p.Certnames) > 0
	if p.RemoveEntries && !targets {
		return fmt.Errorf("%w: --remove-entries requires --serial or --certname", ErrUsage)
	}
	if !p.RemoveEntries && targets {
		return fmt.Errorf("%w: --serial and --certname require --remove-entries", ErrUsage)
	}
	return nil
}

// empty reports whether the plan asks for nothing, which means
// RemoveDuplicates.
func (p Plan) empty() bool {
	return !p.RemoveDuplicates && !p.RemoveEntries && !p.DeleteExpired && !p.DeleteRevoked
}

func (p Plan) editsCRL() bool {
	return p.RemoveDuplicates || p.RemoveEntries
}

// readsCRL reports whether the plan needs the CA's CRL at all. The expired
// sweep works from the inventory and the certificates alone.
func (p Plan) readsCRL() bool {
	return p.editsCRL() || p.DeleteRevoked
}

// readsInventory reports whether the plan resolves certnames or serials
// through the inventory.
func (p Plan) readsInventory() bool {
	return len(p.Certnames) > 0 || p.DeleteExpired || p.DeleteRevoked
}

// Report collects the results of a Run.
type Report struct {
	Duplicates Result
	Pruned     Result
	Expired    Result
	Revoked    Result

	// PrunedSerials lists the requested serials found on the CRL.
	PrunedSerials []*big.Int
	// CRLUpdated is set when the CRL was re-signed and written.
	CRLUpdated bool
	CRLNumber  *big.Int

	// BackedUp is the number of signed certificates copied to the backup.
	BackedUp int

	// InventoryMissing is set when the inventory could not be read and
	// certificates were matched by scanning the signed directory.
	InventoryMissing bool

	plan Plan
}

// Errors returns every soft error of the run.
func (r *Report) Errors() []SoftError {
	var out []SoftError
	for _, res := range []Result{r.Duplicates, r.Pruned, r.Expired, r.Revoked} {
		out = append(out, res.Errors...)
	}
	return out
}

// Outcome is Partial if any item failed and Success otherwise.
func (r *Report) Outcome() Outcome {
	if len(r.Errors()) > 0 {
		return Partial
	}
	return Success
}

// Summary returns the closing lines shown to the operator, one per
// requested action.
func (r *Report) Summary() []string {
	var lines []string
	if r.InventoryMissing && r.plan.readsInventory() {
		lines = append(lines, "Inventory unavailable; matched certificates by scanning the signed directory")
	}
	if r.plan.RemoveDuplicates {
		if r.Duplicates.Count > 0 {
			lines = append(lines, fmt.Sprintf("%d duplicated certs removed", r.Duplicates.Count))
		} else {
			lines = append(lines, "No duplicate revocations found in the CRL")
		}
	}
	if r.plan.RemoveEntries {
		if r.Pruned.Count > 0 {
			lines = append(lines, fmt.Sprintf("%d entries removed from the CRL", r.Pruned.Count))
		} else {
			lines = append(lines, "No matching revocations found in the CRL")
		}
	}
	if r.CRLUpdated {
		lines = append(lines, fmt.Sprintf("CRL re-signed with number %s", r.CRLNumber))
	}
	if r.plan.DeleteExpired {
		lines = append(lines, fmt.Sprintf("Deleted %d expired certificates", r.Expired.Count))
	}
	if r.plan.DeleteRevoked {
		lines = append(lines, fmt.Sprintf("Deleted %d revoked certificates", r.Revoked.Count))
	}
	return lines
}

// Run carries out plan. Preconditions are checked before anything is
// changed: the plan must be valid, the CA service must be offline, and the
// CA's CRL must be identifiable when the plan reads it. Any returned error
// means nothing was written. Per-item failures are reported in the Report
// instead.
func (e *Engine) Run(ctx context.Context, plan Plan) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if plan.empty() {
		plan.RemoveDuplicates = true
	}
	report := &Report{plan: plan}

	if err := e.checkOffline(ctx); err != nil {
		return nil, err
	}

	st, err := e.load(ctx, plan.readsCRL())
	if err != nil {
		return nil, err
	}
	report.InventoryMissing = st.InventoryMissing

	if plan.Backup != nil {
		n, err := storage.Copy(ctx, plan.Backup, e.store)
		if err != nil {
			return nil, fmt.Errorf("writing backup: %w", err)
		}
		report.BackedUp = n
		e.logger.Info("backed up CA state", "signed_certificates", n)
	}

	if plan.RemoveDuplicates {
		report.Duplicates = e.RemoveDuplicates(st)
	}
	if plan.RemoveEntries {
		bySerial, matched := e.PruneSerials(st, plan.Serials)
		byName, matchedNames := e.PruneCertnames(ctx, st, plan.Certnames)
		report.Pruned.Merge(bySerial)
		report.Pruned.Merge(byName)
		report.PrunedSerials = append(matched, matchedNames...)
	}
	if plan.editsCRL() {
		updated, err := e.Commit(ctx, st)
		if err != nil {
			return nil, err
		}
		report.CRLUpdated = updated
		report.CRLNumber = st.CRL.Number()
	}

	if plan.DeleteExpired {
		report.Expired = e.SweepExpired(ctx, st)
	}
	if plan.DeleteRevoked {
		report.Revoked = e.DeleteRevoked(ctx, st)
	}
	return report, nil
}

func (e *Engine) checkOffline(ctx context.Context) error {
	if e.prober == nil {
		e.logger.Debug("no CA service probe configured")
		return nil
	}
	online, err := e.prober.Online(ctx)
	if err != nil {
		return fmt.Errorf("checking whether the CA service is running: %w", err)
	}
	if online {
		return ErrCAOnline
	}
	return nil
}
