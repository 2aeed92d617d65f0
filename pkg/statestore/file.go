package statestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/check"
)

// FileConfig stores state as files in a directory.
type FileConfig struct {
	Dir string `json:"dir"`
}

// SetDefaults implements union.Defaulter.
func (c *FileConfig) SetDefaults() {
	c.Dir = "."
}

// Validate implements the check.Validatable interface.
func (c FileConfig) Validate() []error {
	return []error{check.NotEmpty(c.Dir, "dir")}
}

// FileStore keeps one file per key. Writes go through a temporary file and a rename so a crash
// never leaves a torn snapshot behind.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at c.Dir.
func NewFileStore(c FileConfig) *FileStore {
	return &FileStore{dir: c.Dir}
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", errors.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec
	switch {
	case os.IsNotExist(err):
		return nil, errors.Wrapf(ErrNotFound, "%s", path)
	case err != nil:
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return data, nil
}

// Put implements Store.
func (s *FileStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.Wrap(err, "creating state directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary state file")
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp.Name())
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "renaming into %s", path)
}

// Delete implements Store. Deleting a missing key is not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", path)
	}
	return nil
}
