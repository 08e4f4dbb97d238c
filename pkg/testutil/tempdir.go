package testutil

import (
	"os"
	"path/filepath"
)

// TempDir creates a temporary directory in /tmp and returns a cleanup function.
func TempDir() (string, func(), error) {
	dir, err := os.MkdirTemp("/tmp", "campaign-worker-test-")
	if err != nil {
		return "", func() {}, err
	}

	cleanup := func() {
		_ = os.RemoveAll(dir)
	}

	return dir, cleanup, nil
}

// WriteFile writes content to name inside dir and returns the full path.
func WriteFile(dir, name, content string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
