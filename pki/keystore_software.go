package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/caadm/internal/util"
)

// ---------------------------------------------------------------------------
// SoftwareKeyStore: default implementation for PEM keys on disk
// ---------------------------------------------------------------------------

// SoftwareKeyStore keeps imported private keys as DER inside memguard
// enclaves. The key is only decrypted while Signer parses it.
//
// Supported encodings are PKCS#1 ("RSA PRIVATE KEY"), SEC1
// ("EC PRIVATE KEY") and PKCS#8 ("PRIVATE KEY").
type SoftwareKeyStore struct {
	keys map[string]softwareKey
	seq  int
}

type softwareKey struct {
	pemType string
	der     *memguard.Enclave
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{keys: make(map[string]softwareKey)}
}

func (s *SoftwareKeyStore) nextID() string {
	s.seq++
	return fmt.Sprintf("sw-%d", s.seq)
}

// ImportPEM finds the first private key block in pemData and stores it.
// Other blocks, such as "EC PARAMETERS" written by openssl, are skipped.
func (s *SoftwareKeyStore) ImportPEM(pemData []byte) (string, error) {
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return "", fmt.Errorf("%w: no private key block found", ErrInvalidPEM)
		}
		switch block.Type {
		case "RSA PRIVATE KEY", "EC PRIVATE KEY", "PRIVATE KEY":
		default:
			continue
		}
		if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy encrypted keys are rejected, not decrypted
			return "", fmt.Errorf("%w: encrypted private keys are not supported", ErrUnsupportedKey)
		}
		// Parse once up front so a bad key fails at import, not at signing.
		if _, err := parsePrivateKey(block.Type, block.Bytes); err != nil {
			return "", err
		}
		id := s.nextID()
		s.keys[id] = softwareKey{
			pemType: block.Type,
			der:     memguard.NewEnclave(util.CopyBytes(block.Bytes)),
		}
		util.WipeBytes(block.Bytes)
		return id, nil
	}
}

// Signer decrypts the enclave and returns the parsed private key.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	buf, err := key.der.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return parsePrivateKey(key.pemType, buf.Bytes())
}

// Delete removes the key from the store.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	delete(s.keys, keyID)
	return nil
}

func parsePrivateKey(pemType string, der []byte) (crypto.Signer, error) {
	switch pemType {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T cannot sign", ErrUnsupportedKey, key)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrUnsupportedKey, pemType)
}
