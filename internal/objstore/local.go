package objstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore reads attachments from a directory on the local filesystem.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a LocalStore rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		return nil, errors.New("objstore: local store path is empty")
	}
	return &LocalStore{basePath: basePath}, nil
}

// Get reads the file stored under key. Keys that escape the base directory
// are reported as not found.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	clean := filepath.FromSlash(key)
	if !filepath.IsLocal(clean) {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(s.basePath, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objstore: read file %s: %w", key, err)
	}
	return data, nil
}

// HealthCheck verifies the base directory exists.
func (s *LocalStore) HealthCheck(_ context.Context) error {
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("objstore: stat %s: %w", s.basePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("objstore: %s is not a directory", s.basePath)
	}
	return nil
}
