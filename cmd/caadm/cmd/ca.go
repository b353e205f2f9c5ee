package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/caadm/httpca"
	"github.com/jmcleod/caadm/pki"
	"github.com/jmcleod/caadm/reconcile"
	bboltstorage "github.com/jmcleod/caadm/storage/bbolt"
	"github.com/jmcleod/caadm/storage/filesystem"
)

func caStore() *filesystem.Store {
	return filesystem.New(filesystem.Paths{
		CACert:    settings.CACert,
		CAKey:     settings.CAKey,
		CRL:       settings.CACRL,
		Inventory: settings.CertInventory,
		SignedDir: settings.SignedDir,
	})
}

func caClient() (*httpca.Client, error) {
	opts := httpca.OptionsFromSettings(settings)
	opts.Logger = logger
	client, err := httpca.New(opts)
	if err != nil {
		return nil, fmt.Errorf("configuring CA client: %w", err)
	}
	return client, nil
}

// newEngine wires the filesystem store, the CA key and the offline probe.
// The returned function releases the key store.
func newEngine() (*reconcile.Engine, func(), error) {
	client, err := caClient()
	if err != nil {
		return nil, nil, err
	}
	opts := []reconcile.Option{
		reconcile.WithLogger(logger),
		reconcile.WithProber(client),
	}

	if settings.PKCS11Module == "" {
		return reconcile.New(caStore(), pki.NewSoftwareKeyStore(), opts...), func() {}, nil
	}

	if settings.PKCS11KeyLabel == "" {
		return nil, nil, errors.New("pkcs11_key_label must be set with pkcs11_module")
	}
	keys, err := pki.NewPKCS11KeyStore(pki.PKCS11Config{
		ModulePath: settings.PKCS11Module,
		TokenLabel: settings.PKCS11TokenLabel,
		PIN:        settings.PKCS11PIN,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening PKCS#11 token: %w", err)
	}
	opts = append(opts, reconcile.WithKeyReference(pki.PKCS11Prefix+settings.PKCS11KeyLabel))
	release := func() {
		if err := keys.Close(); err != nil {
			logger.Warn("closing PKCS#11 session", "error", err)
		}
	}
	return reconcile.New(caStore(), keys, opts...), release, nil
}

// openSnapshot opens a bbolt snapshot file. When mustExist is set a missing
// file is an error instead of a new, empty snapshot.
func openSnapshot(path string, mustExist bool) (*bboltstorage.Store, error) {
	if mustExist {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s does not exist", path)
		}
	}
	store, err := bboltstorage.NewStoreFromFile(path, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	return store, nil
}

func printSummary(w io.Writer, report *reconcile.Report) error {
	for _, line := range report.Summary() {
		fmt.Fprintln(w, line)
	}
	if outcome := reconcile.OutcomeFor(report, nil); outcome != reconcile.Success {
		return &outcomeError{outcome: outcome, err: fmt.Errorf("finished with errors: %w", joinSoftErrors(report.Errors()))}
	}
	return nil
}

func joinSoftErrors(errs []reconcile.SoftError) error {
	var r reconcile.Result
	r.Merge(reconcile.Result{Errors: errs})
	return r.Err()
}
