// Package filex holds the file helpers used around backup files: the work
// directory, partial download files and temp export files.
package filex

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// EnsureSubdDir creates dirName under the current working directory when it
// is relative, or dirName itself when it is absolute, and returns the path.
func EnsureSubdDir(dirName string) (string, error) {
	dir := dirName
	if !filepath.IsAbs(dir) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getwd: %w", err)
		}
		dir = filepath.Join(cwd, dirName)
	}

	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	return dir, nil
}

// Size returns the size of the file at path, or 0 when it does not exist.
func Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("stat %s: is a directory", path)
	}
	return fi.Size(), nil
}

// RemoveIfExists deletes path. A missing file is not an error.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
