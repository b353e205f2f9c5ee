//go:build !pkcs11

package pki

import (
	"crypto"
	"errors"
)

// PKCS11Prefix marks a key reference, rather than key material, in place of
// the CA key PEM. Available regardless of build tag.
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
// This is a placeholder when the pkcs11 build tag is not set.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

// PKCS11KeyStore is a placeholder type when the pkcs11 build tag is not set.
// It implements KeyStore so that the CLI compiles without CGo, but all
// methods return ErrPKCS11Unavailable.
type PKCS11KeyStore struct{}

// Compile-time interface check.
var _ KeyStore = (*PKCS11KeyStore)(nil)

// ErrPKCS11Unavailable is returned by every stub method.
var ErrPKCS11Unavailable = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// NewPKCS11KeyStore returns ErrPKCS11Unavailable.
func NewPKCS11KeyStore(_ PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, ErrPKCS11Unavailable
}

// Close is a no-op for the stub.
func (p *PKCS11KeyStore) Close() error { return nil }

func (p *PKCS11KeyStore) ImportPEM(_ []byte) (string, error) {
	return "", ErrPKCS11Unavailable
}

func (p *PKCS11KeyStore) Signer(_ string) (crypto.Signer, error) {
	return nil, ErrPKCS11Unavailable
}

func (p *PKCS11KeyStore) Delete(_ string) error {
	return ErrPKCS11Unavailable
}
