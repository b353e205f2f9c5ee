package reconcile

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"github.com/jmcleod/caadm/storage"
)

// RestoreReport describes what Restore wrote.
type RestoreReport struct {
	// Signed is the number of signed certificates copied back.
	Signed int
	// CRLNumber is the crlNumber of the re-signed CRL, or nil when the
	// snapshot held no CRL and the current one was kept.
	CRLNumber *big.Int
}

// resignedSnapshot serves a snapshot with its CRL replaced by a re-signed
// copy.
type resignedSnapshot struct {
	storage.Store
	crl []byte
}

func (s resignedSnapshot) ReadCRL(context.Context) ([]byte, error) { return s.crl, nil }

// Restore copies the CRL, inventory and signed certificates held in src back
// into the CA store. The snapshot's CRL is re-signed with a crlNumber above
// both its own and the one currently in the store, so relying parties never
// see the number go backwards. The CA must be offline, and the snapshot CRL
// must be issued by the CA; otherwise nothing is written.
func (e *Engine) Restore(ctx context.Context, src storage.Store) (*RestoreReport, error) {
	if err := e.checkOffline(ctx); err != nil {
		return nil, err
	}
	caCert, err := e.loadCACert(ctx)
	if err != nil {
		return nil, err
	}

	floor, err := e.currentCRLNumber(ctx, caCert)
	if err != nil {
		return nil, err
	}

	report := &RestoreReport{}
	data, err := src.ReadCRL(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.logger.Warn("snapshot holds no CRL; keeping the current one")
	case err != nil:
		return nil, fmt.Errorf("reading snapshot CRL: %w", err)
	default:
		st, err := stateFromCRL(caCert, data)
		if err != nil {
			return nil, fmt.Errorf("snapshot CRL: %w", err)
		}
		snapshotNumber := st.CRL.Number()
		st.CRL.AdvancePast(floor)
		resigned, err := e.resign(ctx, st)
		if err != nil {
			return nil, err
		}
		src = resignedSnapshot{Store: src, crl: resigned}
		report.CRLNumber = st.CRL.Number()
		e.logger.Debug("re-signed snapshot CRL",
			"snapshot_crl_number", snapshotNumber.String(),
			"crl_number", report.CRLNumber.String(),
		)
	}

	n, err := storage.Copy(ctx, e.store, src)
	if err != nil {
		return nil, err
	}
	report.Signed = n
	if report.CRLNumber != nil {
		e.logger.Info("restored CA state", "signed_certificates", n, "crl_number", report.CRLNumber.String())
	} else {
		e.logger.Info("restored CA state", "signed_certificates", n)
	}
	return report, nil
}

// currentCRLNumber returns the crlNumber of the CA's CRL in the store, or
// nil when there is none or it cannot be identified.
func (e *Engine) currentCRLNumber(ctx context.Context, caCert *x509.Certificate) (*big.Int, error) {
	data, err := e.store.ReadCRL(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.logger.Warn("no current CRL; numbering continues from the snapshot")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading CRL: %w", err)
	}
	st, err := stateFromCRL(caCert, data)
	if err != nil {
		e.logger.Warn("current CRL is unusable; numbering continues from the snapshot", "error", err)
		return nil, nil
	}
	return st.CRL.Number(), nil
}
