package storage_test

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/storage"
)

func TestPathSanitization(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	store, err := storage.NewLocalStore(t.TempDir(), logger)
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"normal path", "exp-1/receipt.jpg", false},
		{"path with dots", "exp-1/./receipt.jpg", false},
		{"leading slash stays inside", "/exp-1/receipt.jpg", false},
		{"parent directory traversal", "../etc/passwd", true},
		{"embedded parent traversal", "exp-1/../../etc/passwd", true},
		{"null byte", "exp-1/re\x00ceipt.jpg", true},
		{"empty", "", true},
		{"very long path", strings.Repeat("a", 300) + "/receipt.jpg", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Write(tt.path, []byte("test"))

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, storage.ErrInvalidPath)
				return
			}

			require.NoError(t, err)
			exists, _ := store.Exists(tt.path)
			assert.True(t, exists)
			_ = store.Delete(tt.path)
		})
	}
}

func TestSymlinkHandling(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Symlink test requires Unix-like OS")
	}

	root := t.TempDir()
	storeDir := filepath.Join(root, "images")
	store, err := storage.NewLocalStore(storeDir, events.NewNopLogger())
	require.NoError(t, err)

	externalPath := filepath.Join(root, "external.jpg")
	require.NoError(t, os.WriteFile(externalPath, []byte("external"), 0644))
	require.NoError(t, os.Symlink(externalPath, filepath.Join(storeDir, "link.jpg")))

	_, err = store.Read("link.jpg")
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
}
