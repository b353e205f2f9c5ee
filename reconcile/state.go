package reconcile

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/jmcleod/caadm/inventory"
	"github.com/jmcleod/caadm/pki"
	"github.com/jmcleod/caadm/storage"
)

// State is the CA material a run works on.
type State struct {
	CACert *x509.Certificate

	// Chain holds every CRL in the CRL file, in file order. CRL is the
	// editable copy of Chain[CRLIndex], the one issued by CACert. All three
	// are unset when the run had no use for the CRL.
	Chain    []*x509.RevocationList
	CRLIndex int
	CRL      *pki.CRL

	Inventory *inventory.Inventory
	// InventoryMissing is set when the inventory could not be read, either
	// because it does not exist or because reading it failed. Certnames are
	// then resolved from the signed certificates instead.
	InventoryMissing bool

	signer crypto.Signer
}

// Load reads the CA certificate, the CRL chain and the inventory, and
// identifies the CA's own CRL in the chain. The CA key is loaded later, only
// if the CRL has to be re-signed.
func (e *Engine) Load(ctx context.Context) (*State, error) {
	return e.load(ctx, true)
}

// load reads the inventory and, when withCRL is set, the CA certificate and
// the CA's CRL.
func (e *Engine) load(ctx context.Context, withCRL bool) (*State, error) {
	st := &State{}
	if withCRL {
		caCert, err := e.loadCACert(ctx)
		if err != nil {
			return nil, err
		}
		crlPEM, err := e.store.ReadCRL(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading CRL: %w", err)
		}
		if st, err = stateFromCRL(caCert, crlPEM); err != nil {
			return nil, err
		}
	}

	invData, err := e.store.ReadInventory(ctx)
	switch {
	case err != nil:
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("inventory not found; falling back to scanning signed certificates", "error", err)
		} else {
			e.logger.Error("could not read inventory; falling back to scanning signed certificates", "error", err)
		}
		st.InventoryMissing = true
		st.Inventory = inventory.New()
	default:
		inv, err := inventory.Parse(bytes.NewReader(invData), e.logger)
		if err != nil {
			return nil, err
		}
		st.Inventory = inv
	}

	if st.CRL == nil {
		e.logger.Debug("loaded CA state without CRL", "inventory_records", st.Inventory.Len())
		return st, nil
	}
	e.logger.Debug("loaded CA state",
		"issuer", st.CACert.Subject.String(),
		"crl_number", st.CRL.Number().String(),
		"crl_entries", st.CRL.Len(),
		"crls_in_chain", len(st.Chain),
		"inventory_records", st.Inventory.Len(),
	)
	return st, nil
}

func (e *Engine) loadCACert(ctx context.Context) (*x509.Certificate, error) {
	certPEM, err := e.store.ReadCACert(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	caCert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	return caCert, nil
}

// stateFromCRL parses a CRL file and picks out the list issued by caCert.
func stateFromCRL(caCert *x509.Certificate, crlPEM []byte) (*State, error) {
	chain, err := pki.ParseCRLChainPEM(crlPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL: %w", err)
	}
	idx, err := pki.IdentifyCRL(chain, caCert)
	if err != nil {
		return nil, err
	}
	return &State{
		CACert:   caCert,
		Chain:    chain,
		CRLIndex: idx,
		CRL:      pki.NewCRL(chain[idx]),
	}, nil
}

// signer returns the CA signing key, loading it on first use. A key that
// does not belong to the CA certificate is rejected.
func (e *Engine) signer(ctx context.Context, st *State) (crypto.Signer, error) {
	if st.signer != nil {
		return st.signer, nil
	}
	var keyData []byte
	if e.keyRef != "" {
		keyData = []byte(e.keyRef)
	} else {
		data, err := e.store.ReadCAKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading CA key: %w", err)
		}
		keyData = data
	}
	signer, err := pki.LoadSigner(e.keys, keyData)
	if err != nil {
		return nil, err
	}
	if err := pki.CheckKeyMatch(st.CACert, signer); err != nil {
		return nil, err
	}
	st.signer = signer
	return signer, nil
}

// Commit re-signs and writes the CRL if any entry changed since Load. The
// crlNumber goes up by exactly one however many edits were batched. It
// reports whether the CRL was written.
func (e *Engine) Commit(ctx context.Context, st *State) (bool, error) {
	if !st.CRL.Modified() {
		e.logger.Debug("CRL unchanged; not re-signing")
		return false, nil
	}
	data, err := e.resign(ctx, st)
	if err != nil {
		return false, err
	}
	if err := e.store.WriteCRL(ctx, data); err != nil {
		return false, fmt.Errorf("writing CRL: %w", err)
	}
	e.logger.Info("CRL re-signed",
		"crl_number", st.CRL.Number().String(),
		"entries", st.CRL.Len(),
		"next_update", st.CRL.NextUpdate(),
	)
	return true, nil
}

// resign signs st.CRL and returns the whole chain as PEM with the new list
// in its original position.
func (e *Engine) resign(ctx context.Context, st *State) ([]byte, error) {
	signer, err := e.signer(ctx, st)
	if err != nil {
		return nil, err
	}
	if err := st.CRL.Resign(st.CACert, signer, e.now()); err != nil {
		return nil, err
	}

	// Keep the chain in step with what is written.
	if list, err := x509.ParseRevocationList(st.CRL.DER()); err == nil {
		st.Chain[st.CRLIndex] = list
	}
	ders := make([][]byte, len(st.Chain))
	for i, crl := range st.Chain {
		ders[i] = crl.Raw
	}
	ders[st.CRLIndex] = st.CRL.DER()
	return pki.EncodeCRLChainPEM(ders), nil
}
