// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jmcleod/caadm/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing and for staging a CA directory before it is written.
type Store struct {
	mu        sync.RWMutex
	caCert    []byte
	caKey     []byte
	crl       []byte
	inventory []byte
	signed    map[string][]byte
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{signed: make(map[string][]byte)}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// PutCA sets the CA certificate and key. Either may be nil.
func (s *Store) PutCA(cert, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caCert = clone(cert)
	s.caKey = clone(key)
}

func get(b []byte, what string) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return clone(b), nil
}

func (s *Store) ReadCACert(context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.caCert, "CA certificate")
}

func (s *Store) ReadCAKey(context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.caKey, "CA key")
}

func (s *Store) ReadCRL(context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.crl, "CRL")
}

func (s *Store) WriteCRL(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crl = clone(data)
	return nil
}

func (s *Store) ReadInventory(context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.inventory, "inventory")
}

func (s *Store) WriteInventory(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory = clone(data)
	return nil
}

func (s *Store) ListSigned(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.signed))
	for name := range s.signed {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) ReadSigned(_ context.Context, certname string) ([]byte, error) {
	if err := storage.ValidateCertname(certname); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.signed[certname]
	if !ok {
		return nil, fmt.Errorf("signed/%s.pem: %w", certname, storage.ErrNotFound)
	}
	return clone(data), nil
}

func (s *Store) WriteSigned(_ context.Context, certname string, data []byte) error {
	if err := storage.ValidateCertname(certname); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signed[certname] = clone(data)
	return nil
}

func (s *Store) DeleteSigned(_ context.Context, certname string) error {
	if err := storage.ValidateCertname(certname); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signed[certname]; !ok {
		return fmt.Errorf("signed/%s.pem: %w", certname, storage.ErrNotFound)
	}
	delete(s.signed, certname)
	return nil
}
