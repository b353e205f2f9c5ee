// Package filesystem provides the storage.Store backed by a puppet CA
// directory on disk.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/jmcleod/caadm/storage"
)

const (
	// FilePermPublic is used for new CRL, inventory and certificate files.
	FilePermPublic fs.FileMode = 0o644
	// DirPermPublic is used when the signed directory has to be created.
	DirPermPublic fs.FileMode = 0o755

	certExt = ".pem"
)

// Paths locates the CA files.
type Paths struct {
	CACert    string
	CAKey     string
	CRL       string
	Inventory string
	SignedDir string
}

// DefaultPaths returns the puppetserver layout below cadir.
func DefaultPaths(cadir string) Paths {
	return Paths{
		CACert:    filepath.Join(cadir, "ca_crt.pem"),
		CAKey:     filepath.Join(cadir, "ca_key.pem"),
		CRL:       filepath.Join(cadir, "ca_crl.pem"),
		Inventory: filepath.Join(cadir, "inventory.txt"),
		SignedDir: filepath.Join(cadir, "signed"),
	}
}

// Store reads and rewrites CA files in place. Every write goes to a
// uniquely named temporary file in the target directory which is synced and
// then renamed over the original.
type Store struct {
	paths Paths
}

var _ storage.Store = (*Store)(nil)

// New returns a Store over paths.
func New(paths Paths) *Store {
	return &Store{paths: paths}
}

// Paths returns the configured file locations.
func (s *Store) Paths() Paths { return s.paths }

// SignedPath returns the file holding certname's signed certificate.
func (s *Store) SignedPath(certname string) string {
	return filepath.Join(s.paths.SignedDir, certname+certExt)
}

func (s *Store) ReadCACert(ctx context.Context) ([]byte, error) {
	return readFile(ctx, s.paths.CACert)
}

func (s *Store) ReadCAKey(ctx context.Context) ([]byte, error) {
	return readFile(ctx, s.paths.CAKey)
}

func (s *Store) ReadCRL(ctx context.Context) ([]byte, error) {
	return readFile(ctx, s.paths.CRL)
}

func (s *Store) WriteCRL(ctx context.Context, data []byte) error {
	return writeAtomic(ctx, s.paths.CRL, data)
}

func (s *Store) ReadInventory(ctx context.Context) ([]byte, error) {
	return readFile(ctx, s.paths.Inventory)
}

func (s *Store) WriteInventory(ctx context.Context, data []byte) error {
	return writeAtomic(ctx, s.paths.Inventory, data)
}

// ListSigned returns the certnames of every *.pem file in the signed
// directory. A missing directory lists as empty.
func (s *Store) ListSigned(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.paths.SignedDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.paths.SignedDir, err)
	}
	var names []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), certExt)
		if !ok || e.IsDir() || name == "" {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) ReadSigned(ctx context.Context, certname string) ([]byte, error) {
	if err := storage.ValidateCertname(certname); err != nil {
		return nil, err
	}
	return readFile(ctx, s.SignedPath(certname))
}

func (s *Store) WriteSigned(ctx context.Context, certname string, data []byte) error {
	if err := storage.ValidateCertname(certname); err != nil {
		return err
	}
	if err := os.MkdirAll(s.paths.SignedDir, DirPermPublic); err != nil {
		return fmt.Errorf("creating %s: %w", s.paths.SignedDir, err)
	}
	return writeAtomic(ctx, s.SignedPath(certname), data)
}

func (s *Store) DeleteSigned(ctx context.Context, certname string) error {
	if err := storage.ValidateCertname(certname); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.SignedPath(certname)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, storage.ErrNotFound)
		}
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func readFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// writeAtomic replaces path with data. An existing file keeps its mode.
func writeAtomic(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mode := FilePermPublic
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	tempPath := fmt.Sprintf("%s-%s.tmp", path, uuid.NewString())

	fh, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(tempPath)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tempPath)
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// OpenFile applies the umask; make the final mode exact.
	if err := os.Chmod(tempPath, mode); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
