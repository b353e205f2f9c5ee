//go:build pkcs11

package pki

import (
	"crypto"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesIgnite/crypto11"
)

// PKCS11Prefix marks a key reference, rather than key material, in place of
// the CA key PEM. The full reference is "PKCS11:<label>".
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string

	// PIN is the user PIN for the token.
	PIN string

	// SlotNumber optionally specifies a slot number. When non-nil,
	// it overrides TokenLabel for slot selection.
	SlotNumber *int
}

// PKCS11KeyStore resolves CA keys that live in a PKCS#11 HSM. Keys are
// found by label; the private key never leaves the device.
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

// Compile-time interface check.
var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore creates a new PKCS11KeyStore connected to the
// configured HSM token. The caller must call Close() when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}

	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// ImportPEM accepts only "PKCS11:<label>" references and verifies that the
// labelled key pair exists on the token. Real PEM key material is refused.
func (p *PKCS11KeyStore) ImportPEM(pemData []byte) (string, error) {
	ref := strings.TrimSpace(string(pemData))
	label, ok := strings.CutPrefix(ref, PKCS11Prefix)
	if !ok || label == "" {
		return "", fmt.Errorf("%w: PKCS#11 store only accepts %s<label> references", ErrUnsupportedKey, PKCS11Prefix)
	}
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return keyIDPrefix + label, nil
}

// Signer returns the token-backed signer for a key ID from ImportPEM.
func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	label, ok := strings.CutPrefix(keyID, keyIDPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return p.find(label)
}

// Delete is a no-op: the CA key on the token is never destroyed.
func (p *PKCS11KeyStore) Delete(string) error { return nil }

const keyIDPrefix = "pkcs11-"

func (p *PKCS11KeyStore) find(label string) (crypto.Signer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	signer, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("looking up PKCS#11 label %q: %w", label, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: PKCS#11 label %q", ErrKeyNotFound, label)
	}
	return signer, nil
}
