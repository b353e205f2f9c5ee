package reconcile_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caadm/internal/testca"
	"github.com/jmcleod/caadm/pki"
	"github.com/jmcleod/caadm/reconcile"
	"github.com/jmcleod/caadm/storage/memory"
)

type fixture struct {
	ca    *testca.CA
	store *memory.Store
	logs  *bytes.Buffer
}

// newFixture seeds a memory store with a CA and a CRL numbered number
// revoking serials.
func newFixture(t *testing.T, number int64, serials ...int64) *fixture {
	t.Helper()
	ca := testca.New(t, "fixture")
	store := memory.NewStore()
	store.PutCA(ca.CertPEM, ca.KeyPEM)
	require.NoError(t, store.WriteCRL(context.Background(), ca.CRL(t, number, serials...)))
	return &fixture{ca: ca, store: store, logs: &bytes.Buffer{}}
}

func (f *fixture) engine(opts ...reconcile.Option) *reconcile.Engine {
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]reconcile.Option{reconcile.WithLogger(logger)}, opts...)
	return reconcile.New(f.store, pki.NewSoftwareKeyStore(), opts...)
}

func (f *fixture) inventory(t *testing.T, lines ...string) {
	t.Helper()
	require.NoError(t, f.store.WriteInventory(context.Background(), []byte(strings.Join(lines, ""))))
}

func (f *fixture) signValid(t *testing.T, name string, serial int64) {
	t.Helper()
	require.NoError(t, f.store.WriteSigned(context.Background(), name, f.ca.IssueValid(t, name, serial)))
}

func (f *fixture) signExpired(t *testing.T, name string, serial int64) {
	t.Helper()
	require.NoError(t, f.store.WriteSigned(context.Background(), name, f.ca.IssueExpired(t, name, serial)))
}

func (f *fixture) crlBytes(t *testing.T) []byte {
	t.Helper()
	data, err := f.store.ReadCRL(context.Background())
	require.NoError(t, err)
	return data
}

// storedCRL returns the CA's CRL as currently written, after checking its
// signature.
func (f *fixture) storedCRL(t *testing.T) *x509.RevocationList {
	t.Helper()
	chain, err := pki.ParseCRLChainPEM(f.crlBytes(t))
	require.NoError(t, err)
	idx, err := pki.IdentifyCRL(chain, f.ca.Cert)
	require.NoError(t, err)
	return chain[idx]
}

func (f *fixture) signedNames(t *testing.T) []string {
	t.Helper()
	names, err := f.store.ListSigned(context.Background())
	require.NoError(t, err)
	return names
}

func revokedSerials(list *x509.RevocationList) []int64 {
	var out []int64
	for _, e := range list.RevokedCertificateEntries {
		out = append(out, e.SerialNumber.Int64())
	}
	return out
}
