package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jmcleod/caadm/pki"
	"github.com/jmcleod/caadm/storage"
)

var errNoCertificateForSerial = errors.New("no signed certificate carries this serial")

// DeleteRevoked deletes the signed certificate for every serial on the CRL.
// Each serial is resolved in turn:
//
//  1. as the current serial of a certname in the inventory;
//  2. as an old serial of a certname, deleting the live file only if its
//     own serial still matches (a renewed certificate is kept);
//  3. by scanning every signed certificate for the serial.
//
// A file already gone in the first two tiers is not an error, as CRLs
// routinely list certificates that were cleaned up long ago. A serial no
// tier can place is a soft error.
func (e *Engine) DeleteRevoked(ctx context.Context, st *State) Result {
	var res Result
	scan := &signedIndex{engine: e, res: &res}
	seen := make(map[string]bool)

	for _, serial := range st.CRL.Serials() {
		key := pki.SerialKey(serial)
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := ctx.Err(); err != nil {
			res.fail(pki.FormatSerial(serial), err)
			return res
		}

		if name, ok := st.Inventory.CertnameForCurrent(serial); ok {
			e.deleteCurrent(ctx, name, serial, &res)
			scan.forget(name)
			continue
		}
		if names := st.Inventory.CertnamesForOld(serial); len(names) > 0 {
			for _, name := range names {
				if e.deleteIfSerialMatches(ctx, name, serial, &res) {
					scan.forget(name)
				}
			}
			continue
		}
		e.deleteByScan(ctx, scan, serial, &res)
	}
	return res
}

func (e *Engine) deleteCurrent(ctx context.Context, name string, serial *big.Int, res *Result) {
	err := e.store.DeleteSigned(ctx, name)
	switch {
	case err == nil:
		res.Count++
		e.logger.Info("deleted revoked certificate", "certname", name, "serial", pki.FormatSerial(serial))
	case errors.Is(err, storage.ErrNotFound):
		e.logger.Info("revoked certificate already removed", "certname", name, "serial", pki.FormatSerial(serial))
	default:
		e.logger.Error("failed to delete revoked certificate", "certname", name, "error", err)
		res.fail(name, err)
	}
}

// deleteIfSerialMatches removes name's signed certificate only when it
// carries serial. It reports whether the file was deleted.
func (e *Engine) deleteIfSerialMatches(ctx context.Context, name string, serial *big.Int, res *Result) bool {
	data, err := e.store.ReadSigned(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Info("revoked certificate already removed", "certname", name, "serial", pki.FormatSerial(serial))
		return false
	}
	if err != nil {
		e.logger.Error("failed to read signed certificate", "certname", name, "error", err)
		res.fail(name, err)
		return false
	}
	cert, err := pki.ParseCertificatePEM(data)
	if err != nil {
		e.logger.Error("failed to parse signed certificate", "certname", name, "error", err)
		res.fail(name, err)
		return false
	}
	if cert.SerialNumber.Cmp(serial) != 0 {
		e.logger.Info("found old serial but live file doesn't match; keeping it",
			"certname", name,
			"revoked_serial", pki.FormatSerial(serial),
			"live_serial", pki.FormatSerial(cert.SerialNumber),
		)
		return false
	}
	if err := e.store.DeleteSigned(ctx, name); err != nil {
		e.logger.Error("failed to delete revoked certificate", "certname", name, "error", err)
		res.fail(name, err)
		return false
	}
	res.Count++
	e.logger.Info("deleted revoked certificate", "certname", name, "serial", pki.FormatSerial(serial))
	return true
}

func (e *Engine) deleteByScan(ctx context.Context, scan *signedIndex, serial *big.Int, res *Result) {
	target := pki.FormatSerial(serial)
	name, ok := scan.lookup(ctx, serial)
	if !ok {
		e.logger.Error("could not find a signed certificate for revoked serial", "serial", target)
		res.fail("serial "+target, errNoCertificateForSerial)
		return
	}
	if err := e.store.DeleteSigned(ctx, name); err != nil {
		e.logger.Error("failed to delete revoked certificate", "certname", name, "error", err)
		res.fail(name, err)
		return
	}
	scan.forget(name)
	res.Count++
	e.logger.Info("deleted revoked certificate", "certname", name, "serial", target)
}

// signedIndex maps serials to certnames across the signed directory. It is
// built on first use, so runs where the inventory places every serial never
// read the whole directory.
type signedIndex struct {
	engine *Engine
	res    *Result
	built  bool
	names  map[string]string
}

func (s *signedIndex) build(ctx context.Context) {
	s.built = true
	s.names = make(map[string]string)
	e := s.engine
	names, err := e.store.ListSigned(ctx)
	if err != nil {
		e.logger.Error("failed to list signed certificates", "error", err)
		s.res.fail("signed certificates", err)
		return
	}
	for _, name := range names {
		data, err := e.store.ReadSigned(ctx, name)
		if err != nil {
			e.logger.Error("failed to read signed certificate", "certname", name, "error", err)
			s.res.fail(name, err)
			continue
		}
		cert, err := pki.ParseCertificatePEM(data)
		if err != nil {
			e.logger.Error("failed to parse signed certificate", "certname", name, "error", err)
			s.res.fail(name, fmt.Errorf("parsing: %w", err))
			continue
		}
		key := pki.SerialKey(cert.SerialNumber)
		// Names are listed sorted; the first file with a serial wins.
		if _, dup := s.names[key]; !dup {
			s.names[key] = name
		}
	}
}

func (s *signedIndex) lookup(ctx context.Context, serial *big.Int) (string, bool) {
	if !s.built {
		s.build(ctx)
	}
	name, ok := s.names[pki.SerialKey(serial)]
	return name, ok
}

// forget drops a deleted certname so a later lookup cannot return it.
func (s *signedIndex) forget(name string) {
	for key, n := range s.names {
		if n == name {
			delete(s.names, key)
		}
	}
}
