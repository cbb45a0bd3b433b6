package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/TheMichaelB/expensync/internal/events"
)

// LocalStore implements BlobStore on the file system.
type LocalStore struct {
	baseDir string
	logger  *events.Logger

	// Security settings
	maxPathLength int
	maxFileSize   int64
}

// NewLocalStore creates a local image store rooted at baseDir.
func NewLocalStore(baseDir string, logger *events.Logger) (*LocalStore, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &LocalStore{
		baseDir:       absPath,
		logger:        logger.WithField("component", "image_store"),
		maxPathLength: 260, // Windows compatibility
		maxFileSize:   20 * 1024 * 1024,
	}, nil
}

// SetMaxFileSize sets the maximum file size limit.
func (s *LocalStore) SetMaxFileSize(size int64) {
	s.maxFileSize = size
}

// BaseDir returns the absolute store root.
func (s *LocalStore) BaseDir() string {
	return s.baseDir
}

// Import copies srcPath to <expenseID>/receipt-<hash>.<ext>. The name is
// derived from the content, so replacing a receipt changes the path and
// importing the same file twice stores it once.
func (s *LocalStore) Import(expenseID, srcPath string) (string, error) {
	ext, ok := imageExtensions[strings.ToLower(filepath.Ext(srcPath))]
	if !ok {
		return "", fmt.Errorf("%s: %w", filepath.Base(srcPath), ErrUnsupportedImage)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", srcPath, ErrNotFound)
		}
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	src, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat image: %w", err)
	}
	if src.Size() > s.maxFileSize {
		return "", fmt.Errorf("%s exceeds %d bytes: %w", filepath.Base(srcPath), s.maxFileSize, ErrTooLarge)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash image: %w", err)
	}
	rel := path.Join(expenseID, "receipt-"+hex.EncodeToString(h.Sum(nil)[:4])+ext)

	logger := s.logger.WithFields(map[string]interface{}{
		"expense_id": expenseID,
		"path":       rel,
		"size":       src.Size(),
	})

	if stored, err := s.Stat(rel); err == nil && stored.Size == src.Size() {
		logger.Debug("Receipt already stored")
		return rel, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind image: %w", err)
	}
	if err := s.WriteStream(rel, f); err != nil {
		return "", err
	}

	logger.Debug("Imported receipt")
	return rel, nil
}

// Write saves data to a file atomically.
func (s *LocalStore) Write(path string, data []byte) error {
	if int64(len(data)) > s.maxFileSize {
		return fmt.Errorf("%d bytes (max: %d): %w", len(data), s.maxFileSize, ErrTooLarge)
	}
	return s.WriteStream(path, bytes.NewReader(data))
}

// WriteStream copies reader into a temp file next to path and renames it
// into place. Input beyond the size limit fails with ErrTooLarge.
func (s *LocalStore) WriteStream(path string, reader io.Reader) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(safePath), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", safePath, time.Now().UnixNano())
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		tempFile.Close()
		if !success {
			os.Remove(tempPath)
		}
	}()

	limited := &io.LimitedReader{
		R: reader,
		N: s.maxFileSize + 1, // +1 to detect oversized
	}

	written, err := io.Copy(tempFile, limited)
	if err != nil {
		return fmt.Errorf("write stream: %w", err)
	}

	if limited.N <= 0 {
		return fmt.Errorf("exceeds %d bytes: %w", s.maxFileSize, ErrTooLarge)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, safePath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true

	s.logger.WithFields(map[string]interface{}{
		"path": path,
		"size": written,
	}).Debug("Stream written")

	return nil
}

// Read retrieves file contents.
func (s *LocalStore) Read(path string) ([]byte, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return nil, fmt.Errorf("sanitize path: %w", err)
	}

	stat, err := os.Lstat(safePath)
	if err == nil && stat.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlinks not allowed: %s: %w", path, ErrInvalidPath)
	}

	data, err := os.ReadFile(safePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	return data, nil
}

// Delete removes a file.
func (s *LocalStore) Delete(path string) error {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return fmt.Errorf("sanitize path: %w", err)
	}

	s.logger.WithField("path", path).Debug("Deleting file")

	if err := os.Remove(safePath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("delete file: %w", err)
	}

	s.cleanEmptyDirs(filepath.Dir(safePath))

	return nil
}

// Exists checks if a file exists.
func (s *LocalStore) Exists(path string) (bool, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return false, fmt.Errorf("sanitize path: %w", err)
	}

	_, err = os.Stat(safePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Stat returns file information.
func (s *LocalStore) Stat(path string) (FileInfo, error) {
	safePath, err := s.sanitizePath(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("sanitize path: %w", err)
	}

	stat, err := os.Lstat(safePath)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return FileInfo{}, fmt.Errorf("stat file: %w", err)
	}

	return FileInfo{
		Path:    path,
		Size:    stat.Size(),
		Mode:    stat.Mode(),
		ModTime: stat.ModTime(),
	}, nil
}

// sanitizePath validates and normalizes a file path.
func (s *LocalStore) sanitizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains null bytes: %w", ErrInvalidPath)
	}

	cleaned := filepath.Clean(filepath.FromSlash(p))

	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("contains '..': %w", ErrInvalidPath)
	}

	cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("empty path: %w", ErrInvalidPath)
	}

	fullPath := filepath.Join(s.baseDir, cleaned)

	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %w", ErrInvalidPath)
	}

	if len(fullPath) > s.maxPathLength {
		return "", fmt.Errorf("path too long: %d characters (max: %d): %w", len(fullPath), s.maxPathLength, ErrInvalidPath)
	}

	if err := validatePlatformPath(cleaned); err != nil {
		return "", err
	}

	return fullPath, nil
}

// validatePlatformPath checks platform-specific path restrictions.
func validatePlatformPath(p string) error {
	if runtime.GOOS != "windows" {
		return nil
	}

	reserved := []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4",
		"COM5", "COM6", "COM7", "COM8", "COM9", "LPT1", "LPT2", "LPT3",
		"LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9"}

	for _, part := range strings.Split(p, string(filepath.Separator)) {
		upperName := strings.ToUpper(strings.TrimSuffix(part, filepath.Ext(part)))
		for _, r := range reserved {
			if upperName == r {
				return fmt.Errorf("reserved name '%s': %w", part, ErrInvalidPath)
			}
		}

		for _, char := range `<>:"|?*` {
			if strings.ContainsRune(part, char) {
				return fmt.Errorf("character '%c': %w", char, ErrInvalidPath)
			}
		}
	}

	return nil
}

// cleanEmptyDirs removes empty parent directories.
func (s *LocalStore) cleanEmptyDirs(dirPath string) {
	for dirPath != s.baseDir && strings.HasPrefix(dirPath, s.baseDir) {
		entries, err := os.ReadDir(dirPath)
		if err != nil || len(entries) > 0 {
			break
		}

		if err := os.Remove(dirPath); err != nil {
			break
		}

		dirPath = filepath.Dir(dirPath)
	}
}
