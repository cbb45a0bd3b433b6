package storage

import (
	"errors"
	"io"
	"os"
	"time"
)

// BlobStore manages receipt images on local disk. Paths are relative to
// the store root and use forward slashes.
type BlobStore interface {
	// Import copies an external image into the store under the expense
	// and returns its relative path.
	Import(expenseID, srcPath string) (string, error)

	// Write saves data to a file path.
	Write(path string, data []byte) error

	// WriteStream saves data from a reader.
	WriteStream(path string, reader io.Reader) error

	// Read retrieves file contents.
	Read(path string) ([]byte, error)

	// Delete removes a file. Missing files are not an error.
	Delete(path string) error

	// Exists checks if a file exists.
	Exists(path string) (bool, error)

	// Stat returns file information.
	Stat(path string) (FileInfo, error)
}

// FileInfo contains file metadata.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

// Errors
var (
	ErrNotFound         = errors.New("image not found")
	ErrTooLarge         = errors.New("image too large")
	ErrUnsupportedImage = errors.New("unsupported image type")
	ErrInvalidPath      = errors.New("invalid path")
)

// imageExtensions maps accepted receipt extensions to their stored form.
var imageExtensions = map[string]string{
	".jpg":  ".jpg",
	".jpeg": ".jpg",
	".png":  ".png",
	".webp": ".webp",
}
