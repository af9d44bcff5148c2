package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mindloop/internal/logging"
)

// FileStateStore persists state blobs as files under a root directory. Keys
// are slash-separated paths ("engine/state"); writes are atomic via a temp
// file rename.
type FileStateStore struct {
	mu   sync.Mutex
	root string
}

// NewFileStateStore creates the store rooted at dir.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStateStore{root: dir}, nil
}

// Write stores a blob under key, replacing any previous value.
func (s *FileStateStore) Write(key string, data []byte) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state subdirectory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit state %s: %w", key, err)
	}
	logging.Persist("wrote %s (%d bytes)", key, len(data))
	return nil
}

// Read returns the blob under key, or (nil, nil) when the key was never
// written.
func (s *FileStateStore) Read(key string) ([]byte, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", key, err)
	}
	return data, nil
}

// keyPath maps a key to a file path, rejecting traversal outside the root.
func (s *FileStateStore) keyPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("state key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid state key %q", key)
	}
	return filepath.Join(s.root, clean+".json"), nil
}
