package pki

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/jmcleod/caadm/internal/util"
)

// KeyStore abstracts where the CA private key lives so that re-signing
// works the same for keys read from the CA directory and keys held in an
// HSM.
//
// A keyID is an opaque handle returned by ImportPEM; its format is
// implementation-defined.
type KeyStore interface {
	// ImportPEM loads key material (or an implementation-specific key
	// reference such as "PKCS11:<label>") and returns its key ID.
	ImportPEM(pemData []byte) (keyID string, err error)

	// Signer returns a [crypto.Signer] for keyID. It is handed directly to
	// x509.CreateRevocationList.
	Signer(keyID string) (crypto.Signer, error)

	// Delete forgets keyID. Implementations never destroy key material
	// they did not create.
	Delete(keyID string) error
}

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrUnsupportedKey is returned when a KeyStore cannot load the given
// key material.
var ErrUnsupportedKey = errors.New("unsupported key")

// LoadSigner imports keyPEM into ks and returns its signer. The caller's
// keyPEM buffer is wiped once imported.
func LoadSigner(ks KeyStore, keyPEM []byte) (crypto.Signer, error) {
	defer util.WipeBytes(keyPEM)
	keyID, err := ks.ImportPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("importing CA key: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("loading CA signer: %w", err)
	}
	return signer, nil
}
