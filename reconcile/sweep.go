package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/caadm/pki"
	"github.com/jmcleod/caadm/storage"
)

// SweepExpired deletes signed certificates whose validity has ended.
//
// Certnames in the inventory are judged by their current record, so a
// renewed certificate is never removed for an expired predecessor. A missing
// file for an expired record is a soft error. Signed certificates with no
// inventory record are parsed and judged by their own NotAfter.
func (e *Engine) SweepExpired(ctx context.Context, st *State) Result {
	var res Result
	now := e.now()

	for _, name := range st.Inventory.Certnames() {
		if err := ctx.Err(); err != nil {
			res.fail(name, err)
			return res
		}
		rec, _ := st.Inventory.Current(name)
		if !rec.Expired(now) {
			continue
		}
		err := e.store.DeleteSigned(ctx, name)
		switch {
		case err == nil:
			res.Count++
			e.logger.Info("deleted expired certificate", "certname", name,
				"serial", pki.FormatSerial(rec.Serial), "not_after", rec.NotAfter)
		case errors.Is(err, storage.ErrNotFound):
			e.logger.Error("could not find certificate for expired inventory record",
				"certname", name, "serial", pki.FormatSerial(rec.Serial))
			res.fail(name, err)
		default:
			e.logger.Error("failed to delete expired certificate", "certname", name, "error", err)
			res.fail(name, err)
		}
	}

	names, err := e.store.ListSigned(ctx)
	if err != nil {
		e.logger.Error("failed to list signed certificates", "error", err)
		res.fail("signed certificates", err)
		return res
	}
	for _, name := range names {
		if st.Inventory.Has(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.fail(name, err)
			return res
		}
		data, err := e.store.ReadSigned(ctx, name)
		if err != nil {
			e.logger.Error("failed to read signed certificate", "certname", name, "error", err)
			res.fail(name, err)
			continue
		}
		cert, err := pki.ParseCertificatePEM(data)
		if err != nil {
			e.logger.Error("failed to parse signed certificate", "certname", name, "error", err)
			res.fail(name, err)
			continue
		}
		if !cert.NotAfter.Before(now) {
			continue
		}
		if err := e.store.DeleteSigned(ctx, name); err != nil {
			e.logger.Error("failed to delete expired certificate", "certname", name, "error", err)
			res.fail(name, fmt.Errorf("deleting: %w", err))
			continue
		}
		res.Count++
		e.logger.Info("deleted expired certificate", "certname", name,
			"serial", pki.FormatSerial(cert.SerialNumber), "not_after", cert.NotAfter)
	}
	return res
}
