// Package storetest is a conformance suite every storage.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caadm/storage"
)

// Run exercises the mutable parts of storage.Store against fresh stores
// returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("MissingObjects", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ReadCRL(ctx)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.ReadInventory(ctx)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.ReadSigned(ctx, "nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.DeleteSigned(ctx, "nobody"), storage.ErrNotFound)

		names, err := s.ListSigned(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("CRLAndInventory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.WriteCRL(ctx, []byte("crl-1")))
		require.NoError(t, s.WriteCRL(ctx, []byte("crl-2")))
		got, err := s.ReadCRL(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("crl-2"), got)

		require.NoError(t, s.WriteInventory(ctx, []byte("0x0001 a b /CN=x\n")))
		got, err = s.ReadInventory(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("0x0001 a b /CN=x\n"), got)
	})

	t.Run("SignedLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, name := range []string{"web01.example.com", "db01.example.com", "app-1"} {
			require.NoError(t, s.WriteSigned(ctx, name, []byte("pem:"+name)))
		}
		names, err := s.ListSigned(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-1", "db01.example.com", "web01.example.com"}, names)

		got, err := s.ReadSigned(ctx, "db01.example.com")
		require.NoError(t, err)
		assert.Equal(t, []byte("pem:db01.example.com"), got)

		require.NoError(t, s.DeleteSigned(ctx, "db01.example.com"))
		_, err = s.ReadSigned(ctx, "db01.example.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		names, err = s.ListSigned(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-1", "web01.example.com"}, names)
	})

	t.Run("Isolation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		data := []byte("original")
		require.NoError(t, s.WriteSigned(ctx, "node", data))
		data[0] = 'X'

		got, err := s.ReadSigned(ctx, "node")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), got)

		got[0] = 'Y'
		again, err := s.ReadSigned(ctx, "node")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), again)
	})

	t.Run("InvalidCertnames", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, name := range []string{"../ca_key", "a/b", "UPPER", "", ".."} {
			_, err := s.ReadSigned(ctx, name)
			assert.ErrorIs(t, err, storage.ErrInvalidCertname, name)
			assert.ErrorIs(t, s.WriteSigned(ctx, name, []byte("x")), storage.ErrInvalidCertname, name)
			assert.ErrorIs(t, s.DeleteSigned(ctx, name), storage.ErrInvalidCertname, name)
		}
	})
}
