// Package storage defines the PKI store: the CA files caadm reads and
// rewrites, addressed by role rather than by path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCertname is returned for certnames that cannot be mapped
	// safely onto a file name.
	ErrInvalidCertname = errors.New("invalid certname")
)

// Store is the CA state the reconciliation engine works on. Writes replace
// whole objects; a reader never observes a partially written one.
type Store interface {
	ReadCACert(ctx context.Context) ([]byte, error)
	ReadCAKey(ctx context.Context) ([]byte, error)

	ReadCRL(ctx context.Context) ([]byte, error)
	WriteCRL(ctx context.Context, data []byte) error

	ReadInventory(ctx context.Context) ([]byte, error)
	WriteInventory(ctx context.Context, data []byte) error

	// ListSigned returns the certnames of all signed certificates, sorted.
	ListSigned(ctx context.Context) ([]string, error)
	ReadSigned(ctx context.Context, certname string) ([]byte, error)
	WriteSigned(ctx context.Context, certname string, data []byte) error
	DeleteSigned(ctx context.Context, certname string) error
}

var certnamePattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

// ValidateCertname rejects names that are not lowercase puppet certnames or
// that could escape the signed directory.
func ValidateCertname(name string) error {
	if !certnamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidCertname, name)
	}
	return nil
}

// Copy copies the CRL, the inventory and every signed certificate from src
// to dst, returning the number of certificates copied. Objects missing from
// src are skipped. CA key material is never copied, and certificates present
// only in dst are left alone.
func Copy(ctx context.Context, dst, src Store) (int, error) {
	crl, err := src.ReadCRL(ctx)
	switch {
	case err == nil:
		if err := dst.WriteCRL(ctx, crl); err != nil {
			return 0, fmt.Errorf("copying CRL: %w", err)
		}
	case !errors.Is(err, ErrNotFound):
		return 0, fmt.Errorf("reading CRL: %w", err)
	}

	inv, err := src.ReadInventory(ctx)
	switch {
	case err == nil:
		if err := dst.WriteInventory(ctx, inv); err != nil {
			return 0, fmt.Errorf("copying inventory: %w", err)
		}
	case !errors.Is(err, ErrNotFound):
		return 0, fmt.Errorf("reading inventory: %w", err)
	}

	names, err := src.ListSigned(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing signed certificates: %w", err)
	}
	copied := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		data, err := src.ReadSigned(ctx, name)
		if err != nil {
			return copied, fmt.Errorf("reading %s: %w", name, err)
		}
		if err := dst.WriteSigned(ctx, name, data); err != nil {
			return copied, fmt.Errorf("copying %s: %w", name, err)
		}
		copied++
	}
	return copied, nil
}
