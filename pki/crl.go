package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// DefaultCRLValidity is the NextUpdate window used when the source CRL does
// not carry a usable one.
const DefaultCRLValidity = 5 * 365 * 24 * time.Hour

var (
	oidCRLNumber              = asn1.ObjectIdentifier{2, 5, 29, 20}
	oidAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidCRLReason              = asn1.ObjectIdentifier{2, 5, 29, 21}
)

// CRL is a revocation list under edit. Entry mutations mark it modified;
// Resign produces a new signed list and clears the flag.
type CRL struct {
	list     *x509.RevocationList
	entries  []x509.RevocationListEntry
	number   *big.Int
	modified bool
}

// NewCRL wraps a parsed revocation list. A missing crlNumber extension is
// treated as 0.
func NewCRL(list *x509.RevocationList) *CRL {
	entries := make([]x509.RevocationListEntry, len(list.RevokedCertificateEntries))
	copy(entries, list.RevokedCertificateEntries)
	number := new(big.Int)
	if list.Number != nil {
		number.Set(list.Number)
	}
	return &CRL{list: list, entries: entries, number: number}
}

// ParseCRL parses a DER-encoded CRL.
func ParseCRL(der []byte) (*CRL, error) {
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL: %w", err)
	}
	return NewCRL(list), nil
}

// Number returns a copy of the crlNumber.
func (c *CRL) Number() *big.Int { return new(big.Int).Set(c.number) }

// Issuer returns the CRL issuer name.
func (c *CRL) Issuer() pkix.Name { return c.list.Issuer }

// ThisUpdate returns the CRL issue time of the last signed version.
func (c *CRL) ThisUpdate() time.Time { return c.list.ThisUpdate }

// NextUpdate returns the NextUpdate of the last signed version.
func (c *CRL) NextUpdate() time.Time { return c.list.NextUpdate }

// DER returns the encoding of the last signed version. Pending entry
// changes are not reflected until Resign is called.
func (c *CRL) DER() []byte { return c.list.Raw }

// Modified reports whether entries changed since the last signature.
func (c *CRL) Modified() bool { return c.modified }

// Len returns the number of revocation entries.
func (c *CRL) Len() int { return len(c.entries) }

// Entries returns a copy of the revocation entries in list order.
func (c *CRL) Entries() []x509.RevocationListEntry {
	out := make([]x509.RevocationListEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Serials returns the serial numbers of all entries in list order,
// duplicates included.
func (c *CRL) Serials() []*big.Int {
	out := make([]*big.Int, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, new(big.Int).Set(e.SerialNumber))
	}
	return out
}

// Contains reports whether serial has at least one entry.
func (c *CRL) Contains(serial *big.Int) bool {
	for _, e := range c.entries {
		if e.SerialNumber.Cmp(serial) == 0 {
			return true
		}
	}
	return false
}

// Dedupe keeps the first entry for every serial and drops later ones,
// preserving order. Revocation times play no part in identity. It returns
// the number of entries removed.
func (c *CRL) Dedupe() int {
	seen := make(map[string]struct{}, len(c.entries))
	return c.filter(func(e x509.RevocationListEntry) bool {
		key := SerialKey(e.SerialNumber)
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		return true
	})
}

// Remove drops every entry whose serial is in serials. It returns the
// number of entries removed and the requested serials that matched at least
// one entry, in request order.
func (c *CRL) Remove(serials []*big.Int) (int, []*big.Int) {
	targets := make(map[string]*big.Int, len(serials))
	for _, s := range serials {
		targets[SerialKey(s)] = s
	}
	hit := make(map[string]bool, len(targets))
	removed := c.filter(func(e x509.RevocationListEntry) bool {
		key := SerialKey(e.SerialNumber)
		if _, ok := targets[key]; ok {
			hit[key] = true
			return false
		}
		return true
	})

	var matched []*big.Int
	for _, s := range serials {
		key := SerialKey(s)
		if hit[key] {
			matched = append(matched, s)
			delete(hit, key)
		}
	}
	return removed, matched
}

// filter keeps entries for which keep returns true, in place.
func (c *CRL) filter(keep func(x509.RevocationListEntry) bool) int {
	n := 0
	for _, e := range c.entries {
		if keep(e) {
			c.entries[n] = e
			n++
		}
	}
	removed := len(c.entries) - n
	clear(c.entries[n:])
	c.entries = c.entries[:n]
	if removed > 0 {
		c.modified = true
	}
	return removed
}

// AdvancePast raises the crlNumber to floor when it is lower, so that the
// next Resign issues a number above floor. The CRL is marked modified either
// way.
func (c *CRL) AdvancePast(floor *big.Int) {
	if floor != nil && c.number.Cmp(floor) < 0 {
		c.number.Set(floor)
	}
	c.modified = true
}

// Resign increments the crlNumber by one and signs the current entries with
// signer on behalf of issuer. ThisUpdate becomes now and the previous
// validity window is kept for NextUpdate. The produced signature is verified
// before the CRL is updated, so a failed Resign leaves c untouched.
func (c *CRL) Resign(issuer *x509.Certificate, signer crypto.Signer, now time.Time) error {
	now = now.UTC()
	window := c.list.NextUpdate.Sub(c.list.ThisUpdate)
	if window <= 0 {
		window = DefaultCRLValidity
	}
	next := new(big.Int).Add(c.number, big.NewInt(1))

	entries := make([]x509.RevocationListEntry, len(c.entries))
	for i, e := range c.entries {
		entries[i] = x509.RevocationListEntry{
			SerialNumber:    e.SerialNumber,
			RevocationTime:  e.RevocationTime,
			ReasonCode:      e.ReasonCode,
			ExtraExtensions: withoutExtensions(e.Extensions, oidCRLReason),
		}
	}

	template := &x509.RevocationList{
		SignatureAlgorithm:        signatureAlgorithm(signer.Public()),
		RevokedCertificateEntries: entries,
		Number:                    next,
		ThisUpdate:                now,
		NextUpdate:                now.Add(window),
		ExtraExtensions:           withoutExtensions(c.list.Extensions, oidCRLNumber, oidAuthorityKeyIdentifier),
	}

	der, err := x509.CreateRevocationList(rand.Reader, template, issuer, signer)
	if err != nil {
		return fmt.Errorf("signing CRL: %w", err)
	}
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return fmt.Errorf("parsing re-signed CRL: %w", err)
	}
	if err := list.CheckSignatureFrom(issuer); err != nil {
		return fmt.Errorf("verifying re-signed CRL: %w", err)
	}

	*c = *NewCRL(list)
	return nil
}

func withoutExtensions(exts []pkix.Extension, drop ...asn1.ObjectIdentifier) []pkix.Extension {
	var out []pkix.Extension
next:
	for _, ext := range exts {
		for _, id := range drop {
			if ext.Id.Equal(id) {
				continue next
			}
		}
		out = append(out, ext)
	}
	return out
}

// signatureAlgorithm picks a SHA-256-or-stronger algorithm for pub.
func signatureAlgorithm(pub crypto.PublicKey) x509.SignatureAlgorithm {
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P384():
			return x509.ECDSAWithSHA384
		case elliptic.P521():
			return x509.ECDSAWithSHA512
		default:
			return x509.ECDSAWithSHA256
		}
	case ed25519.PublicKey:
		return x509.PureEd25519
	}
	return x509.UnknownSignatureAlgorithm
}
