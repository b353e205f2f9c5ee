// Package bbolt provides a BBolt-backed storage.Store used for CA
// snapshots. A snapshot holds the CRL, the inventory and the signed
// certificates; it never holds the CA certificate or key.
package bbolt

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/caadm/storage"
)

var (
	bucketState  = []byte("state")
	bucketSigned = []byte("signed")

	keyCRL       = []byte("crl")
	keyInventory = []byte("inventory")
)

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketState, bucketSigned} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initialising bbolt buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(ctx context.Context, bucket, key []byte, what string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *Store) put(ctx context.Context, bucket, key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

// ReadCACert always reports storage.ErrNotFound.
func (s *Store) ReadCACert(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("CA certificate is not kept in snapshots: %w", storage.ErrNotFound)
}

// ReadCAKey always reports storage.ErrNotFound.
func (s *Store) ReadCAKey(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("CA key is not kept in snapshots: %w", storage.ErrNotFound)
}

func (s *Store) ReadCRL(ctx context.Context) ([]byte, error) {
	return s.get(ctx, bucketState, keyCRL, "CRL")
}

func (s *Store) WriteCRL(ctx context.Context, data []byte) error {
	return s.put(ctx, bucketState, keyCRL, data)
}

func (s *Store) ReadInventory(ctx context.Context) ([]byte, error) {
	return s.get(ctx, bucketState, keyInventory, "inventory")
}

func (s *Store) WriteInventory(ctx context.Context, data []byte) error {
	return s.put(ctx, bucketState, keyInventory, data)
}

// ListSigned returns certnames in key order, which is sorted.
func (s *Store) ListSigned(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSigned).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (s *Store) ReadSigned(ctx context.Context, certname string) ([]byte, error) {
	if err := storage.ValidateCertname(certname); err != nil {
		return nil, err
	}
	return s.get(ctx, bucketSigned, []byte(certname), "signed/"+certname)
}

func (s *Store) WriteSigned(ctx context.Context, certname string, data []byte) error {
	if err := storage.ValidateCertname(certname); err != nil {
		return err
	}
	return s.put(ctx, bucketSigned, []byte(certname), data)
}

func (s *Store) DeleteSigned(ctx context.Context, certname string) error {
	if err := storage.ValidateCertname(certname); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSigned)
		if b.Get([]byte(certname)) == nil {
			return fmt.Errorf("signed/%s: %w", certname, storage.ErrNotFound)
		}
		return b.Delete([]byte(certname))
	})
}
