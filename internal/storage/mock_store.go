package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MockStore provides an in-memory BlobStore for testing.
type MockStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMockStore creates a mock blob store.
func NewMockStore() *MockStore {
	return &MockStore{
		files: make(map[string][]byte),
	}
}

// Import streams srcPath from the real file system into memory.
func (m *MockStore) Import(expenseID, srcPath string) (string, error) {
	ext, ok := imageExtensions[strings.ToLower(filepath.Ext(srcPath))]
	if !ok {
		return "", ErrUnsupportedImage
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("%s: %w", srcPath, ErrNotFound)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", err
	}
	rel := path.Join(expenseID, "receipt-"+hex.EncodeToString(h.Sum(nil)[:4])+ext)

	if stored, err := m.Stat(rel); err == nil && stored.Size == size {
		return rel, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return rel, m.WriteStream(rel, f)
}

// Write saves data to a file.
func (m *MockStore) Write(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[path] = append([]byte(nil), data...)
	return nil
}

// WriteStream saves data from a reader.
func (m *MockStore) WriteStream(path string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	return m.Write(path, data)
}

// Read retrieves file contents.
func (m *MockStore) Read(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if data, ok := m.files[path]; ok {
		return append([]byte(nil), data...), nil
	}
	return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
}

// Delete removes a file.
func (m *MockStore) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, path)
	return nil
}

// Exists checks if a file exists.
func (m *MockStore) Exists(path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.files[path]
	return ok, nil
}

// Stat returns file information.
func (m *MockStore) Stat(path string) (FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[path]
	if !ok {
		return FileInfo{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return FileInfo{Path: path, Size: int64(len(data)), Mode: 0644, ModTime: time.Now()}, nil
}

// Paths returns every stored path.
func (m *MockStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	return out
}
