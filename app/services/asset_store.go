package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalAssetStore reads asset bytes from the local filesystem under a
// fixed base directory. Paths are confined to the base; anything that
// escapes it is rejected.
type LocalAssetStore struct {
	baseDir string
}

// NewLocalAssetStore creates a new local asset store.
func NewLocalAssetStore(baseDir string) *LocalAssetStore {
	return &LocalAssetStore{baseDir: filepath.Clean(baseDir)}
}

// Read returns the raw bytes for a stored asset path. Absolute paths are
// allowed only when already inside the base directory.
func (s *LocalAssetStore) Read(ctx context.Context, sourceRef string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := sourceRef
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.baseDir, sourceRef)
	}
	full = filepath.Clean(full)
	if !strings.HasPrefix(full, s.baseDir+string(os.PathSeparator)) && full != s.baseDir {
		return nil, fmt.Errorf("asset path %q escapes the store", sourceRef)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset %q: %w", sourceRef, err)
	}
	return data, nil
}
