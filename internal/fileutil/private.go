// Package fileutil writes files that only the current user may read.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// PrivateDirPerm and PrivateFilePerm are the modes used for secrets.
const (
	PrivateDirPerm  os.FileMode = 0700
	PrivateFilePerm os.FileMode = 0600
)

// WritePrivateFile replaces path with data, mode 0600, creating the parent
// directory with mode 0700 if needed. The file is written to a temporary
// name in the same directory and renamed, so readers never see a partial
// file.
func WritePrivateFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, PrivateDirPerm); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if err := f.Chmod(PrivateFilePerm); err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
