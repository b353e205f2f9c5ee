package reconcile_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caadm/internal/testca"
	"github.com/jmcleod/caadm/pki"
	"github.com/jmcleod/caadm/reconcile"
	"github.com/jmcleod/caadm/storage"
	"github.com/jmcleod/caadm/storage/memory"
)

func offline() reconcile.Prober {
	return reconcile.ProberFunc(func(context.Context) (bool, error) { return false, nil })
}

func TestRun_DefaultRemovesDuplicates(t *testing.T) {
	f := newFixture(t, 10, 5, 5, 5, 5, 5)
	f.inventory(t, testca.ValidLine(5, "foo"))

	report, err := f.engine(reconcile.WithProber(offline())).Run(context.Background(), reconcile.Plan{})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Duplicates.Count)
	assert.True(t, report.CRLUpdated)
	assert.Equal(t, int64(11), report.CRLNumber.Int64())
	assert.Contains(t, report.Summary(), "4 duplicated certs removed")
	assert.Equal(t, reconcile.Success, report.Outcome())
	assert.Equal(t, 0, reconcile.OutcomeFor(report, nil).ExitCode())

	crl := f.storedCRL(t)
	assert.Equal(t, []int64{5}, revokedSerials(crl))
	assert.Equal(t, int64(11), crl.Number.Int64())
}

func TestRun_DedupeIsIdempotent(t *testing.T) {
	f := newFixture(t, 3, 1, 2, 1)
	e := f.engine()

	first, err := e.Run(context.Background(), reconcile.Plan{RemoveDuplicates: true})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Duplicates.Count)
	written := f.crlBytes(t)

	second, err := e.Run(context.Background(), reconcile.Plan{RemoveDuplicates: true})
	require.NoError(t, err)
	assert.Zero(t, second.Duplicates.Count)
	assert.False(t, second.CRLUpdated)
	assert.Equal(t, int64(4), second.CRLNumber.Int64())
	assert.Equal(t, written, f.crlBytes(t), "a no-op run must not rewrite the CRL")
	assert.Contains(t, second.Summary(), "No duplicate revocations found in the CRL")
}

func TestRun_PruneBySerial(t *testing.T) {
	f := newFixture(t, 20, 0xA, 0xB, 0xC)

	report, err := f.engine().Run(context.Background(), reconcile.Plan{
		RemoveEntries: true,
		Serials:       []string{"0xA", "0c", "not-a-serial", "0x99"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Pruned.Count)
	require.Len(t, report.PrunedSerials, 2)
	assert.Equal(t, reconcile.Success, report.Outcome())

	crl := f.storedCRL(t)
	assert.Equal(t, []int64{0xB}, revokedSerials(crl))
	assert.Equal(t, int64(21), crl.Number.Int64())
}

func TestRun_PruneByCertname(t *testing.T) {
	f := newFixture(t, 1, 2, 3, 7, 8)
	f.inventory(t,
		testca.ExpiredLine(2, "renewed"),
		testca.ValidLine(3, "renewed"),
	)
	// Not in the inventory; resolved through its signed certificate.
	f.signValid(t, "orphan", 7)

	report, err := f.engine().Run(context.Background(), reconcile.Plan{
		RemoveEntries: true,
		Certnames:     []string{"renewed", "orphan", "ghost"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Pruned.Count)
	assert.Equal(t, reconcile.Success, report.Outcome())
	assert.Equal(t, []int64{2, 8}, revokedSerials(f.storedCRL(t)))
}

func TestRun_PruneUnknownCertnameIsNoOp(t *testing.T) {
	f := newFixture(t, 4, 1, 2)
	before := f.crlBytes(t)

	report, err := f.engine().Run(context.Background(), reconcile.Plan{
		RemoveEntries: true,
		Certnames:     []string{"foo"},
	})
	require.NoError(t, err)

	assert.Zero(t, report.Pruned.Count)
	assert.False(t, report.CRLUpdated)
	assert.Equal(t, before, f.crlBytes(t))
	assert.Equal(t, 0, reconcile.OutcomeFor(report, nil).ExitCode())
	assert.Contains(t, report.Summary(), "No matching revocations found in the CRL")
	assert.Contains(t, f.logs.String(), "could not resolve certname")
}

func TestRun_BatchedEditsBumpNumberOnce(t *testing.T) {
	f := newFixture(t, 50, 1, 1, 2, 3)

	report, err := f.engine().Run(context.Background(), reconcile.Plan{
		RemoveDuplicates: true,
		RemoveEntries:    true,
		Serials:          []string{"2", "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates.Count)
	assert.Equal(t, 2, report.Pruned.Count)
	assert.Equal(t, int64(51), f.storedCRL(t).Number.Int64())
}

func TestRun_NumberIncreasesOncePerMutatingRun(t *testing.T) {
	f := newFixture(t, 100, 1, 2, 3, 4)
	e := f.engine()

	for _, serial := range []string{"1", "2", "3"} {
		_, err := e.Run(context.Background(), reconcile.Plan{RemoveEntries: true, Serials: []string{serial}})
		require.NoError(t, err)
	}
	crl := f.storedCRL(t)
	assert.Equal(t, int64(103), crl.Number.Int64())
	assert.Equal(t, []int64{4}, revokedSerials(crl))
}

func TestRun_UsageErrors(t *testing.T) {
	f := newFixture(t, 1, 1)
	before := f.crlBytes(t)

	plans := []reconcile.Plan{
		{RemoveEntries: true},
		{Serials: []string{"1"}},
		{Certnames: []string{"foo"}, DeleteExpired: true},
	}
	for _, plan := range plans {
		report, err := f.engine().Run(context.Background(), plan)
		assert.ErrorIs(t, err, reconcile.ErrUsage)
		assert.Nil(t, report)
		assert.Equal(t, reconcile.Fatal, reconcile.OutcomeFor(report, err))
		assert.Equal(t, 1, reconcile.OutcomeFor(report, err).ExitCode())
	}
	assert.Equal(t, before, f.crlBytes(t))
}

func TestRun_RefusesWhileCAOnline(t *testing.T) {
	f := newFixture(t, 1, 5, 5)
	before := f.crlBytes(t)

	online := reconcile.ProberFunc(func(context.Context) (bool, error) { return true, nil })
	_, err := f.engine(reconcile.WithProber(online)).Run(context.Background(), reconcile.Plan{})
	assert.ErrorIs(t, err, reconcile.ErrCAOnline)
	assert.True(t, reconcile.IsPrecondition(err))
	assert.Equal(t, before, f.crlBytes(t))

	broken := reconcile.ProberFunc(func(context.Context) (bool, error) { return false, errors.New("tls: bad certificate") })
	_, err = f.engine(reconcile.WithProber(broken)).Run(context.Background(), reconcile.Plan{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls: bad certificate")
	assert.Equal(t, before, f.crlBytes(t))
}

func TestRun_CRLNotIdentified(t *testing.T) {
	f := newFixture(t, 1, 5, 5)
	stranger := testca.New(t, "stranger")
	require.NoError(t, f.store.WriteCRL(context.Background(), stranger.CRL(t, 1, 5, 5)))

	_, err := f.engine().Run(context.Background(), reconcile.Plan{})
	assert.ErrorIs(t, err, pki.ErrCRLNotIdentified)
	assert.Contains(t, err.Error(), "could not identify Puppet's CRL")
	assert.True(t, reconcile.IsPrecondition(err))
}

func TestRun_KeyMismatchIsFatal(t *testing.T) {
	f := newFixture(t, 1, 5, 5)
	impostor := testca.New(t, "impostor")
	f.store.PutCA(f.ca.CertPEM, impostor.KeyPEM)
	before := f.crlBytes(t)

	_, err := f.engine().Run(context.Background(), reconcile.Plan{})
	assert.ErrorIs(t, err, pki.ErrKeyMismatch)
	assert.Equal(t, before, f.crlBytes(t))
}

func TestRun_KeyReferenceReplacesStoredKey(t *testing.T) {
	f := newFixture(t, 1, 5, 5)
	f.store.PutCA(f.ca.CertPEM, nil)

	// The software store cannot resolve an HSM reference, so re-signing
	// fails without ever reading the (absent) stored key.
	_, err := f.engine(reconcile.WithKeyReference(pki.PKCS11Prefix+"puppet")).Run(context.Background(), reconcile.Plan{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestRun_PreservesOtherCRLsInChain(t *testing.T) {
	f := newFixture(t, 1)
	root := testca.New(t, "root")
	rootCRL := root.CRL(t, 9, 77)
	chain := append(append([]byte(nil), rootCRL...), f.ca.CRL(t, 6, 1, 1)...)
	require.NoError(t, f.store.WriteCRL(context.Background(), chain))

	_, err := f.engine().Run(context.Background(), reconcile.Plan{})
	require.NoError(t, err)

	written, err := pki.ParseCRLChainPEM(f.crlBytes(t))
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.NoError(t, written[0].CheckSignatureFrom(root.Cert))
	assert.Equal(t, int64(9), written[0].Number.Int64())
	assert.NoError(t, written[1].CheckSignatureFrom(f.ca.Cert))
	assert.Equal(t, int64(7), written[1].Number.Int64())
	assert.Equal(t, []int64{1}, revokedSerials(written[1]))
}

func TestRun_BackupTakenBeforeChanges(t *testing.T) {
	f := newFixture(t, 1, 5, 5)
	f.inventory(t, testca.ExpiredLine(5, "old"))
	f.signExpired(t, "old", 5)
	before := f.crlBytes(t)

	backup := memory.NewStore()
	report, err := f.engine().Run(context.Background(), reconcile.Plan{
		RemoveDuplicates: true,
		DeleteExpired:    true,
		Backup:           backup,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.BackedUp)
	assert.Equal(t, 1, report.Expired.Count)

	saved, err := backup.ReadCRL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, saved)
	names, err := backup.ListSigned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, names)
	assert.Empty(t, f.signedNames(t))
}

func TestRun_DeleteOnlyDoesNotTouchCRL(t *testing.T) {
	f := newFixture(t, 1, 5, 5)
	f.store.PutCA(f.ca.CertPEM, nil)
	f.inventory(t, testca.ValidLine(9, "other"))
	before := f.crlBytes(t)

	report, err := f.engine().Run(context.Background(), reconcile.Plan{DeleteExpired: true})
	require.NoError(t, err)
	assert.Zero(t, report.Duplicates.Count)
	assert.Nil(t, report.CRLNumber)
	assert.Equal(t, before, f.crlBytes(t))
	assert.Equal(t, []string{"Deleted 0 expired certificates"}, report.Summary())
}

// unreadableInventory is a store whose inventory exists but cannot be read.
type unreadableInventory struct {
	*memory.Store
}

func (unreadableInventory) ReadInventory(context.Context) ([]byte, error) {
	return nil, errors.New("open inventory.txt: permission denied")
}

func TestRun_UnreadableInventoryFallsBackToSignedCerts(t *testing.T) {
	f := newFixture(t, 3, 7, 8)
	f.signValid(t, "foo", 7)
	logger := slog.New(slog.NewTextHandler(f.logs, nil))
	e := reconcile.New(unreadableInventory{f.store}, pki.NewSoftwareKeyStore(), reconcile.WithLogger(logger))

	report, err := e.Run(context.Background(), reconcile.Plan{RemoveEntries: true, Certnames: []string{"foo"}})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Pruned.Count)
	assert.True(t, report.InventoryMissing)
	assert.Contains(t, report.Summary(), "Inventory unavailable; matched certificates by scanning the signed directory")
	assert.Equal(t, []int64{8}, revokedSerials(f.storedCRL(t)))
	assert.Contains(t, f.logs.String(), "level=ERROR")
	assert.Contains(t, f.logs.String(), "permission denied")
}

func TestRun_MissingInventoryIsNotedInSummary(t *testing.T) {
	f := newFixture(t, 1)
	f.signExpired(t, "old", 4)

	report, err := f.engine().Run(context.Background(), reconcile.Plan{DeleteExpired: true})
	require.NoError(t, err)
	assert.True(t, report.InventoryMissing)
	assert.Equal(t, []string{
		"Inventory unavailable; matched certificates by scanning the signed directory",
		"Deleted 1 expired certificates",
	}, report.Summary())
	assert.Contains(t, f.logs.String(), "level=WARN")
}

func TestRun_MissingInventoryNotNotedForDedupe(t *testing.T) {
	f := newFixture(t, 1, 4, 4)

	report, err := f.engine().Run(context.Background(), reconcile.Plan{RemoveDuplicates: true})
	require.NoError(t, err)
	assert.True(t, report.InventoryMissing)
	for _, line := range report.Summary() {
		assert.NotContains(t, line, "Inventory unavailable")
	}
}

func TestRun_DeleteExpiredWithoutUsableCRL(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.store.WriteCRL(context.Background(), []byte("not a CRL")))
	f.inventory(t, testca.ExpiredLine(4, "old"), testca.ValidLine(5, "new"))
	f.signExpired(t, "old", 4)
	f.signValid(t, "new", 5)

	report, err := f.engine().Run(context.Background(), reconcile.Plan{DeleteExpired: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired.Count)
	assert.Equal(t, []string{"new"}, f.signedNames(t))
	assert.Equal(t, []byte("not a CRL"), f.crlBytes(t))
}

func TestRun_DeleteExpiredWithoutCRLFile(t *testing.T) {
	f := newFixture(t, 1)
	store := memory.NewStore()
	store.PutCA(f.ca.CertPEM, f.ca.KeyPEM)
	require.NoError(t, store.WriteSigned(context.Background(), "old", f.ca.IssueExpired(t, "old", 4)))

	report, err := reconcile.New(store, pki.NewSoftwareKeyStore()).Run(context.Background(), reconcile.Plan{DeleteExpired: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired.Count)
	_, err = store.ReadCRL(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRun_DeleteRevokedStillNeedsCRL(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.store.WriteCRL(context.Background(), []byte("not a CRL")))

	_, err := f.engine().Run(context.Background(), reconcile.Plan{DeleteRevoked: true})
	require.Error(t, err)
	assert.Equal(t, reconcile.Fatal, reconcile.OutcomeFor(nil, err))
}
