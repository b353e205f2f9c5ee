// Package pki provides the X.509 building blocks used by caadm: PEM decoding
// of certificates, keys and CRL chains, serial number handling, and a mutable
// CRL that can be pruned and re-signed with the CA key.
package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrInvalidSerial is returned when a serial number string is not a
	// hexadecimal number.
	ErrInvalidSerial = errors.New("invalid serial number")

	// ErrCRLNotIdentified is returned when zero or several CRLs in a chain
	// verify against the CA certificate.
	ErrCRLNotIdentified = errors.New("could not identify Puppet's CRL")

	// ErrKeyMismatch is returned when the CA private key does not belong to
	// the CA certificate.
	ErrKeyMismatch = errors.New("CA private key does not match CA certificate")
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCRL         = "X509 CRL"
)

// ---------------------------------------------------------------------------
// PEM parsing
// ---------------------------------------------------------------------------

// ParseCertificatePEM returns the first CERTIFICATE block found in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, ErrInvalidPEM
		}
		if block.Type == pemTypeCertificate {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
			}
			return cert, nil
		}
		data = rest
	}
}

// ParseCRLChainPEM parses every X509 CRL block in data, in file order.
// Blocks of other types are ignored. A file without any CRL block is
// rejected with ErrInvalidPEM.
func ParseCRLChainPEM(data []byte) ([]*x509.RevocationList, error) {
	var chain []*x509.RevocationList
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest
		if block.Type != pemTypeCRL {
			continue
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: CRL %d: %v", ErrInvalidPEM, len(chain)+1, err)
		}
		chain = append(chain, crl)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no CRL found", ErrInvalidPEM)
	}
	return chain, nil
}

// EncodeCRLChainPEM concatenates DER-encoded CRLs as PEM blocks.
func EncodeCRLChainPEM(ders [][]byte) []byte {
	var out []byte
	for _, der := range ders {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: pemTypeCRL, Bytes: der})...)
	}
	return out
}

// IdentifyCRL returns the index of the only CRL in chain whose signature
// verifies against caCert.
func IdentifyCRL(chain []*x509.RevocationList, caCert *x509.Certificate) (int, error) {
	found := -1
	matches := 0
	for i, crl := range chain {
		if err := crl.CheckSignatureFrom(caCert); err != nil {
			continue
		}
		matches++
		found = i
	}
	if matches != 1 {
		return -1, fmt.Errorf("%w: %d of %d CRLs verify against the CA certificate",
			ErrCRLNotIdentified, matches, len(chain))
	}
	return found, nil
}

// CheckKeyMatch reports ErrKeyMismatch unless signer holds the private half
// of cert's public key.
func CheckKeyMatch(cert *x509.Certificate, signer crypto.Signer) error {
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

// ---------------------------------------------------------------------------
// Serial numbers
// ---------------------------------------------------------------------------

var serialPattern = regexp.MustCompile(`^(0[xX])?[0-9a-fA-F]+$`)

// IsSerial reports whether s looks like a hexadecimal serial number,
// optionally prefixed with 0x.
func IsSerial(s string) bool {
	return serialPattern.MatchString(s)
}

// ParseSerial parses a hexadecimal serial number, optionally 0x-prefixed.
func ParseSerial(s string) (*big.Int, error) {
	if !IsSerial(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSerial, s)
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSerial, s)
	}
	return n, nil
}

// FormatSerial renders a serial the way the puppet inventory does (0x0002).
func FormatSerial(n *big.Int) string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("0x%04x", n)
}

// SerialKey returns a canonical map key for n.
func SerialKey(n *big.Int) string {
	return n.Text(16)
}
