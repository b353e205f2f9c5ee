package reconcile

import (
	"context"
	"math/big"

	"github.com/jmcleod/caadm/pki"
)

// RemoveDuplicates collapses repeated revocations of the same serial to
// the first entry. Revocation times are not compared.
func (e *Engine) RemoveDuplicates(st *State) Result {
	n := st.CRL.Dedupe()
	if n > 0 {
		e.logger.Info("removed duplicate CRL entries", "removed", n, "remaining", st.CRL.Len())
	} else {
		e.logger.Debug("no duplicate CRL entries")
	}
	return Result{Count: n}
}

// PruneSerials removes every CRL entry whose serial is listed. Strings that
// are not hexadecimal serials are skipped. It returns the serials that
// matched at least one entry.
func (e *Engine) PruneSerials(st *State, serials []string) (Result, []*big.Int) {
	var parsed []*big.Int
	for _, s := range serials {
		n, err := pki.ParseSerial(s)
		if err != nil {
			e.logger.Debug("ignoring value that is not a serial number", "value", s)
			continue
		}
		parsed = append(parsed, n)
	}
	return e.pruneSerials(st, parsed)
}

// PruneCertnames removes the CRL entries for each certname's serial. A name
// resolves through the inventory first and then through its signed
// certificate. Names that resolve to nothing are skipped without error.
func (e *Engine) PruneCertnames(ctx context.Context, st *State, certnames []string) (Result, []*big.Int) {
	var serials []*big.Int
	for _, name := range certnames {
		serial, ok := e.resolveCertname(ctx, st, name)
		if !ok {
			e.logger.Info("could not resolve certname to a serial; not pruning it", "certname", name)
			continue
		}
		serials = append(serials, serial)
	}
	return e.pruneSerials(st, serials)
}

func (e *Engine) resolveCertname(ctx context.Context, st *State, name string) (*big.Int, bool) {
	if rec, ok := st.Inventory.Current(name); ok {
		e.logger.Debug("resolved certname from inventory", "certname", name, "serial", pki.FormatSerial(rec.Serial))
		return rec.Serial, true
	}
	data, err := e.store.ReadSigned(ctx, name)
	if err != nil {
		e.logger.Debug("certname not in inventory and no signed certificate", "certname", name, "error", err)
		return nil, false
	}
	cert, err := pki.ParseCertificatePEM(data)
	if err != nil {
		e.logger.Debug("signed certificate unreadable", "certname", name, "error", err)
		return nil, false
	}
	e.logger.Debug("resolved certname from signed certificate", "certname", name, "serial", pki.FormatSerial(cert.SerialNumber))
	return cert.SerialNumber, true
}

func (e *Engine) pruneSerials(st *State, serials []*big.Int) (Result, []*big.Int) {
	if len(serials) == 0 {
		return Result{}, nil
	}
	removed, matched := st.CRL.Remove(serials)
	for _, s := range matched {
		e.logger.Info("removed CRL entry", "serial", pki.FormatSerial(s))
	}
	if removed == 0 {
		e.logger.Info("no CRL entries matched", "requested", len(serials))
	}
	return Result{Count: removed}, matched
}
