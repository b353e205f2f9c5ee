// Package testca mints throwaway CA material for tests: a CA key and
// certificate, leaf certificates with chosen serials and validity windows,
// CRLs with chosen entries, and inventory lines.
package testca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// InventoryTimeLayout is the timestamp layout puppetserver writes.
const InventoryTimeLayout = "2006-01-02T15:04:05UTC"

// CA is a self-signed test certificate authority.
type CA struct {
	Cert    *x509.Certificate
	Signer  crypto.Signer
	CertPEM []byte
	KeyPEM  []byte
}

// New returns an ECDSA P-256 CA named "Puppet CA: <cn>".
func New(t testing.TB, cn string) *CA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return newCA(t, cn, key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

// NewRSA returns a 2048-bit RSA CA with a PKCS#1 key, like a bootstrapped
// puppetserver CA.
func NewRSA(t testing.TB, cn string) *CA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return newCA(t, cn, key, keyPEM)
}

func newCA(t testing.TB, cn string, key crypto.Signer, keyPEM []byte) *CA {
	t.Helper()
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Puppet CA: " + cn},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte(cn + "-ski"),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &CA{
		Cert:    cert,
		Signer:  key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  keyPEM,
	}
}

// Issue signs a leaf certificate for certname and returns it as PEM.
func (ca *CA) Issue(t testing.TB, certname string, serial int64, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: certname},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{certname},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, key.Public(), ca.Signer)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// IssueValid issues a certificate valid from yesterday for a year.
func (ca *CA) IssueValid(t testing.TB, certname string, serial int64) []byte {
	t.Helper()
	now := time.Now().UTC()
	return ca.Issue(t, certname, serial, now.Add(-24*time.Hour), now.AddDate(1, 0, 0))
}

// IssueExpired issues a certificate that expired an hour ago.
func (ca *CA) IssueExpired(t testing.TB, certname string, serial int64) []byte {
	t.Helper()
	now := time.Now().UTC()
	return ca.Issue(t, certname, serial, now.AddDate(-1, 0, 0), now.Add(-time.Hour))
}

// CRLDER signs a CRL with the given number and one entry per serial, in
// order. Repeated serials produce duplicate entries.
func (ca *CA) CRLDER(t testing.TB, number int64, serials ...int64) []byte {
	t.Helper()
	now := time.Now().UTC()
	entries := make([]x509.RevocationListEntry, 0, len(serials))
	for i, s := range serials {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(s),
			RevocationTime: now.Add(-time.Duration(len(serials)-i) * time.Minute),
		})
	}
	template := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.AddDate(5, 0, 0),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, ca.Cert, ca.Signer)
	require.NoError(t, err)
	return der
}

// CRL is CRLDER encoded as PEM.
func (ca *CA) CRL(t testing.TB, number int64, serials ...int64) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: ca.CRLDER(t, number, serials...)})
}

// InventoryLine formats one inventory record the way puppetserver does.
func InventoryLine(serial int64, notBefore, notAfter time.Time, certname string) string {
	return fmt.Sprintf("0x%04x %s %s /CN=%s\n",
		serial,
		notBefore.UTC().Format(InventoryTimeLayout),
		notAfter.UTC().Format(InventoryTimeLayout),
		certname,
	)
}

// ValidLine is an inventory record valid from yesterday for a year.
func ValidLine(serial int64, certname string) string {
	now := time.Now().UTC()
	return InventoryLine(serial, now.Add(-24*time.Hour), now.AddDate(1, 0, 0), certname)
}

// ExpiredLine is an inventory record that expired an hour ago.
func ExpiredLine(serial int64, certname string) string {
	now := time.Now().UTC()
	return InventoryLine(serial, now.AddDate(-1, 0, 0), now.Add(-time.Hour), certname)
}
