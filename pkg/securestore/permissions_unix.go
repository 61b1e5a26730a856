//go:build unix

package securestore

import (
	"fmt"
	"os"
)

// checkFilePermissions verifies a file has owner-only access (0600 on Unix).
func checkFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if mode := info.Mode().Perm(); mode != 0600 {
		return fmt.Errorf("%w: %s has mode %04o, want 0600", ErrInsecurePermissions, path, mode)
	}
	return nil
}

// setFilePermissions sets owner-only access (0600 on Unix).
func setFilePermissions(path string) error {
	return os.Chmod(path, 0600)
}
