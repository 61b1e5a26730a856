package securestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInsecurePermissions indicates a secret file accessible to other users.
// On Unix the file mode must be 0600; on Windows only the owner and SYSTEM
// may appear in the DACL.
var ErrInsecurePermissions = errors.New("insecure file permissions: file accessible to other users")

// File stores each secret in its own owner-only file under a directory.
// File names are the base64url form of the key, so any valid key maps to a
// single safe path component.
type File struct {
	dir string
}

// NewFile creates a file-backed store rooted at dir.
func NewFile(dir string) *File {
	return &File{dir: dir}
}

// Dir returns the storage directory.
func (s *File) Dir() string {
	return s.dir
}

func (s *File) path(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+".secret")
}

// Get returns the secret, refusing files other users can read.
func (s *File) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	p := s.path(key)

	if _, err := os.Stat(p); os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("stat secret file: %w", err)
	}

	if err := checkFilePermissions(p); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	return data, nil
}

// Set writes the secret atomically: a temp file is written with owner-only
// permissions and renamed over the target.
func (s *File) Set(_ context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create secret directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("write secret file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close secret file: %w", err)
	}
	if err := setFilePermissions(tmpPath); err != nil {
		return fmt.Errorf("set secret file permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		return fmt.Errorf("install secret file: %w", err)
	}
	return nil
}

// Delete removes the secret file.
func (s *File) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete secret file: %w", err)
	}
	return nil
}

// IsPermissionError returns true if the error is due to insecure permissions.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrInsecurePermissions)
}

var _ Storage = (*File)(nil)
