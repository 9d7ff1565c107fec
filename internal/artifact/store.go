// Package artifact persists fetched resources to the local filesystem and
// answers whether an item already has an artifact on disk. Paths are laid out
// as <base>/<namespace>/<safe item name><ext>, so one directory per
// source/category pair.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrDirectoryUnavailable wraps failures to create or enter the target
// directory. Callers treat it as terminal: retrying will not make the
// directory appear.
var ErrDirectoryUnavailable = errors.New("artifact directory unavailable")

// ProbeExtensions are the artifact extensions Exists checks, in order.
var ProbeExtensions = []string{".jpg", ".jpeg", ".png", ".gif"}

// Config captures the parameters for the artifact store.
type Config struct {
	// BaseDir is the root directory where artifacts are stored.
	BaseDir string
}

// Store reads and writes artifacts under a validated base directory.
type Store struct {
	baseDir string
}

// New creates an artifact store rooted at cfg.BaseDir. The directory is
// created if missing and probed for writability so misconfiguration fails at
// startup instead of mid-batch.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{
		baseDir: cfg.BaseDir,
	}, nil
}

// BaseDir returns the validated root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// SafeName maps an item key to its on-disk file name: lowercased, spaces
// flattened to underscores, path separators stripped so a key can never
// escape its namespace directory.
func SafeName(itemKey string) string {
	name := strings.ToLower(strings.TrimSpace(itemKey))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	return name
}

// BasePath returns the extension-less destination path for an item.
func (s *Store) BasePath(namespace, itemKey string) string {
	return filepath.Join(s.baseDir, namespace, SafeName(itemKey))
}

// Exists probes the known extensions for an existing, non-empty artifact.
// It reflects current disk state on every call; nothing is cached.
func (s *Store) Exists(namespace, itemKey string) (string, bool) {
	base := s.BasePath(namespace, itemKey)
	for _, ext := range ProbeExtensions {
		candidate := base + ext
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() && info.Size() > 0 {
			return candidate, true
		}
	}
	return "", false
}

// WriteResult describes a completed artifact write.
type WriteResult struct {
	Path     string
	Bytes    uint64
	Checksum string
}

// Write streams r to pathHint+ext. Bytes land in a temporary file in the
// destination directory, are fsynced, and the file is renamed into place, so
// a crash mid-write never leaves a partial artifact at the final path. The
// returned checksum is the sha256 hex of the written bytes.
func (s *Store) Write(_ context.Context, pathHint, ext string, r io.Reader) (WriteResult, error) {
	if strings.TrimSpace(pathHint) == "" {
		return WriteResult{}, fmt.Errorf("path hint is required")
	}
	finalPath := pathHint + ext

	cleanBase := filepath.Clean(s.baseDir)
	cleanFinal := filepath.Clean(finalPath)
	if !strings.HasPrefix(cleanFinal, cleanBase+string(filepath.Separator)) {
		return WriteResult{}, fmt.Errorf("path traversal detected")
	}

	dir := filepath.Dir(cleanFinal)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return WriteResult{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-ops once the rename has happened.
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to stream artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return WriteResult{}, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return WriteResult{}, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, cleanFinal); err != nil {
		return WriteResult{}, fmt.Errorf("failed to finalize artifact: %w", err)
	}

	return WriteResult{
		Path:     cleanFinal,
		Bytes:    uint64(written),
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Read returns the artifact bytes at path after re-checking the path stays
// inside the base directory.
func (s *Store) Read(path string) ([]byte, error) {
	cleanBase := filepath.Clean(s.baseDir)
	cleanPath := filepath.Clean(path)
	if !strings.HasPrefix(cleanPath, cleanBase+string(filepath.Separator)) {
		return nil, fmt.Errorf("path traversal detected")
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}
