// Package local implements a filesystem snapshot store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store writes page snapshots to a directory on the local filesystem.
type Store struct {
	baseDir string
}

// New creates a filesystem-backed snapshot store, creating the directory if
// needed.
func New(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat snapshot directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("snapshot path %s is not a directory", baseDir)
	}
	return &Store{baseDir: baseDir}, nil
}

// Put writes the snapshot and returns a file:// URI.
func (s *Store) Put(_ context.Context, name string, html []byte) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("snapshot name is required")
	}
	path := filepath.Join(s.baseDir, filepath.Base(name))
	if err := os.WriteFile(path, html, 0o640); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve snapshot path: %w", err)
	}
	return "file://" + abs, nil
}
