package pki_test

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caadm/internal/testca"
	"github.com/jmcleod/caadm/pki"
)

func parseCRL(t *testing.T, der []byte) *pki.CRL {
	t.Helper()
	crl, err := pki.ParseCRL(der)
	require.NoError(t, err)
	return crl
}

func serialInts(crl *pki.CRL) []int64 {
	var out []int64
	for _, s := range crl.Serials() {
		out = append(out, s.Int64())
	}
	return out
}

func bigs(ns ...int64) []*big.Int {
	out := make([]*big.Int, len(ns))
	for i, n := range ns {
		out[i] = big.NewInt(n)
	}
	return out
}

func TestCRLDedupe_CollapsesIdenticalEntries(t *testing.T) {
	ca := testca.New(t, "dedupe")
	crl := parseCRL(t, ca.CRLDER(t, 1, 5, 5, 5, 5, 5))

	assert.Equal(t, 4, crl.Dedupe())
	assert.Equal(t, []int64{5}, serialInts(crl))
	assert.True(t, crl.Modified())

	// Idempotent: nothing left to drop.
	assert.Equal(t, 0, crl.Dedupe())
	assert.Equal(t, 1, crl.Len())
}

func TestCRLDedupe_KeepsFirstOccurrenceInOrder(t *testing.T) {
	ca := testca.New(t, "dedupe")
	crl := parseCRL(t, ca.CRLDER(t, 1, 1, 2, 1, 3, 2))
	original := crl.Entries()

	assert.Equal(t, 2, crl.Dedupe())
	assert.Equal(t, []int64{1, 2, 3}, serialInts(crl))

	entries := crl.Entries()
	assert.True(t, entries[0].RevocationTime.Equal(original[0].RevocationTime))
	assert.True(t, entries[1].RevocationTime.Equal(original[1].RevocationTime))
	assert.True(t, entries[2].RevocationTime.Equal(original[3].RevocationTime))
}

func TestCRLDedupe_NoDuplicates(t *testing.T) {
	ca := testca.New(t, "dedupe")
	crl := parseCRL(t, ca.CRLDER(t, 1, 1, 2, 3))

	assert.Equal(t, 0, crl.Dedupe())
	assert.False(t, crl.Modified())
}

func TestCRLRemove(t *testing.T) {
	ca := testca.New(t, "remove")

	t.Run("precision", func(t *testing.T) {
		crl := parseCRL(t, ca.CRLDER(t, 1, 0xA, 0xB, 0xC))
		removed, matched := crl.Remove(bigs(0xA, 0xC))
		assert.Equal(t, 2, removed)
		assert.Equal(t, []int64{0xB}, serialInts(crl))
		require.Len(t, matched, 2)
		assert.Equal(t, int64(0xA), matched[0].Int64())
		assert.Equal(t, int64(0xC), matched[1].Int64())
		assert.True(t, crl.Modified())
	})

	t.Run("duplicates all removed", func(t *testing.T) {
		crl := parseCRL(t, ca.CRLDER(t, 1, 7, 8, 7))
		removed, matched := crl.Remove(bigs(7, 7))
		assert.Equal(t, 2, removed)
		assert.Len(t, matched, 1)
		assert.Equal(t, []int64{8}, serialInts(crl))
	})

	t.Run("no match", func(t *testing.T) {
		crl := parseCRL(t, ca.CRLDER(t, 1, 1, 2))
		removed, matched := crl.Remove(bigs(9))
		assert.Zero(t, removed)
		assert.Empty(t, matched)
		assert.False(t, crl.Modified())
	})
}

func TestCRLContains(t *testing.T) {
	ca := testca.New(t, "contains")
	crl := parseCRL(t, ca.CRLDER(t, 1, 3, 4))
	assert.True(t, crl.Contains(big.NewInt(3)))
	assert.False(t, crl.Contains(big.NewInt(5)))
}

func TestCRLResign(t *testing.T) {
	ca := testca.New(t, "resign")
	crl := parseCRL(t, ca.CRLDER(t, 41, 1, 2, 2))
	require.Equal(t, 1, crl.Dedupe())

	now := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, crl.Resign(ca.Cert, ca.Signer, now))

	assert.Equal(t, int64(42), crl.Number().Int64())
	assert.False(t, crl.Modified())
	assert.Equal(t, []int64{1, 2}, serialInts(crl))
	assert.True(t, crl.ThisUpdate().Equal(now))

	list, err := x509.ParseRevocationList(crl.DER())
	require.NoError(t, err)
	require.NoError(t, list.CheckSignatureFrom(ca.Cert))
	assert.Equal(t, int64(42), list.Number.Int64())
	assert.Len(t, list.RevokedCertificateEntries, 2)
	assert.Equal(t, x509.ECDSAWithSHA256, list.SignatureAlgorithm)
}

func TestCRLResign_Monotonic(t *testing.T) {
	ca := testca.New(t, "monotonic")
	crl := parseCRL(t, ca.CRLDER(t, 7, 1, 2, 3, 4, 5))

	const n = 4
	for i := 0; i < n; i++ {
		removed, _ := crl.Remove(bigs(int64(i + 1)))
		require.Equal(t, 1, removed)
		require.NoError(t, crl.Resign(ca.Cert, ca.Signer, time.Now()))
	}
	assert.Equal(t, int64(7+n), crl.Number().Int64())
	assert.Equal(t, []int64{5}, serialInts(crl))
}

func TestCRLResign_BatchedRemovalBumpsOnce(t *testing.T) {
	ca := testca.New(t, "batch")
	crl := parseCRL(t, ca.CRLDER(t, 10, 1, 1, 2, 3, 4))

	crl.Dedupe()
	crl.Remove(bigs(2, 3))
	require.NoError(t, crl.Resign(ca.Cert, ca.Signer, time.Now()))

	assert.Equal(t, int64(11), crl.Number().Int64())
	assert.Equal(t, []int64{1, 4}, serialInts(crl))
}

func TestCRLAdvancePast(t *testing.T) {
	ca := testca.New(t, "advance")

	older := parseCRL(t, ca.CRLDER(t, 3, 1, 2))
	older.AdvancePast(big.NewInt(12))
	assert.True(t, older.Modified())
	require.NoError(t, older.Resign(ca.Cert, ca.Signer, time.Now()))
	assert.Equal(t, int64(13), older.Number().Int64())
	assert.Equal(t, []int64{1, 2}, serialInts(older))

	newer := parseCRL(t, ca.CRLDER(t, 20, 1))
	newer.AdvancePast(big.NewInt(12))
	require.NoError(t, newer.Resign(ca.Cert, ca.Signer, time.Now()))
	assert.Equal(t, int64(21), newer.Number().Int64())

	unknown := parseCRL(t, ca.CRLDER(t, 5))
	unknown.AdvancePast(nil)
	assert.True(t, unknown.Modified())
	assert.Equal(t, int64(5), unknown.Number().Int64())
}

func TestCRLResign_MissingNumberStartsAtZero(t *testing.T) {
	ca := testca.New(t, "nonum")
	list, err := x509.ParseRevocationList(ca.CRLDER(t, 1, 3))
	require.NoError(t, err)
	list.Number = nil

	crl := pki.NewCRL(list)
	assert.Zero(t, crl.Number().Sign())
	require.NoError(t, crl.Resign(ca.Cert, ca.Signer, time.Now()))
	assert.Equal(t, int64(1), crl.Number().Int64())
	assert.Equal(t, []int64{3}, serialInts(crl))
}

func TestCRLResign_KeepsValidityWindow(t *testing.T) {
	ca := testca.New(t, "window")
	start := time.Now().UTC().Truncate(time.Second)
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: start,
		NextUpdate: start.Add(72 * time.Hour),
	}, ca.Cert, ca.Signer)
	require.NoError(t, err)

	crl := parseCRL(t, der)
	later := start.Add(24 * time.Hour)
	require.NoError(t, crl.Resign(ca.Cert, ca.Signer, later))
	assert.True(t, crl.NextUpdate().Equal(later.Add(72*time.Hour)))
}

func TestCRLResign_PreservesReasonCodes(t *testing.T) {
	ca := testca.New(t, "reason")
	now := time.Now().UTC()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(5),
		ThisUpdate: now,
		NextUpdate: now.Add(time.Hour),
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: big.NewInt(1), RevocationTime: now, ReasonCode: 1},
			{SerialNumber: big.NewInt(1), RevocationTime: now, ReasonCode: 4},
			{SerialNumber: big.NewInt(2), RevocationTime: now, ReasonCode: 5,
				ExtraExtensions: []pkix.Extension{{Id: asn1.ObjectIdentifier{2, 5, 29, 24}, Value: []byte{0x18, 0x0f, '2', '0', '2', '0', '0', '1', '0', '1', '0', '0', '0', '0', '0', '0', 'Z'}}}},
		},
	}, ca.Cert, ca.Signer)
	require.NoError(t, err)

	crl := parseCRL(t, der)
	require.Equal(t, 1, crl.Dedupe())
	require.NoError(t, crl.Resign(ca.Cert, ca.Signer, now))

	entries := crl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].ReasonCode)
	assert.Equal(t, 5, entries[1].ReasonCode)

	var invalidity bool
	for _, ext := range entries[1].Extensions {
		if ext.Id.Equal(asn1.ObjectIdentifier{2, 5, 29, 24}) {
			invalidity = true
		}
	}
	assert.True(t, invalidity, "invalidity date extension should survive re-signing")
}

func TestCRLResign_RSA(t *testing.T) {
	ca := testca.NewRSA(t, "rsa")
	crl := parseCRL(t, ca.CRLDER(t, 1, 9, 9))
	crl.Dedupe()
	require.NoError(t, crl.Resign(ca.Cert, ca.Signer, time.Now()))

	list, err := x509.ParseRevocationList(crl.DER())
	require.NoError(t, err)
	assert.Equal(t, x509.SHA256WithRSA, list.SignatureAlgorithm)
	assert.NoError(t, list.CheckSignatureFrom(ca.Cert))
}

func TestCRLResign_WrongKeyLeavesCRLUntouched(t *testing.T) {
	ca := testca.New(t, "right")
	impostor := testca.New(t, "wrong")
	crl := parseCRL(t, ca.CRLDER(t, 3, 1, 1))
	before := crl.DER()
	crl.Dedupe()

	err := crl.Resign(ca.Cert, impostor.Signer, time.Now())
	require.Error(t, err)
	assert.Equal(t, int64(3), crl.Number().Int64())
	assert.Equal(t, before, crl.DER())
	assert.True(t, crl.Modified())
}
