// Package reconcile brings a puppet CA directory back in line with its CRL
// and inventory. It collapses duplicate revocations, prunes chosen entries
// from the CRL and re-signs it, and deletes signed certificates that have
// expired or been revoked.
//
// All CRL edits are made in memory and written once by Commit. File
// deletions happen after the CRL is safely on disk.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmcleod/caadm/pki"
	"github.com/jmcleod/caadm/storage"
)

var (
	// ErrCAOnline is returned when the CA service answers the offline probe.
	ErrCAOnline = errors.New("the CA service is running; stop puppetserver before modifying CA files")

	// ErrUsage is returned for flag combinations that cannot be run.
	ErrUsage = errors.New("usage error")
)

// Prober reports whether the CA service is currently running.
type Prober interface {
	Online(ctx context.Context) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (bool, error)

// Online calls f.
func (f ProberFunc) Online(ctx context.Context) (bool, error) { return f(ctx) }

// Engine runs reconciliation against one CA store.
type Engine struct {
	store  storage.Store
	keys   pki.KeyStore
	logger *slog.Logger
	now    func() time.Time
	prober Prober
	keyRef string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for per-item progress and soft errors.
// If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the time source used for expiry checks and CRL
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithProber sets the offline check Run performs before touching any file.
func WithProber(p Prober) Option {
	return func(e *Engine) {
		e.prober = p
	}
}

// WithKeyReference makes the engine import ref into its KeyStore instead of
// reading the CA key from the store, e.g. "PKCS11:puppet-ca".
func WithKeyReference(ref string) Option {
	return func(e *Engine) {
		e.keyRef = ref
	}
}

// New creates an Engine over store. keys resolves the CA signing key when
// the CRL has to be re-signed.
func New(store storage.Store, keys pki.KeyStore, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		keys:  keys,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.keys == nil {
		e.keys = pki.NewSoftwareKeyStore()
	}
	return e
}
