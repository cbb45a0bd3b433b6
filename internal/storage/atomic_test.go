package storage_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/storage"
)

func TestAtomicWrites(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := storage.NewLocalStore(tmpDir, events.NewNopLogger())
	require.NoError(t, err)

	t.Run("concurrent writes different files", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 10)

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				path := fmt.Sprintf("exp-%d/receipt.jpg", n)
				if err := store.Write(path, []byte(fmt.Sprintf("content-%d", n))); err != nil {
					errs <- err
				}
			}(i)
		}

		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("Write error: %v", err)
		}

		for i := 0; i < 10; i++ {
			data, err := store.Read(fmt.Sprintf("exp-%d/receipt.jpg", i))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("content-%d", i), string(data))
		}
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		require.NoError(t, store.Write("exp-x/receipt.jpg", []byte("v1")))
		require.NoError(t, store.Write("exp-x/receipt.jpg", []byte("v2")))

		entries, err := os.ReadDir(filepath.Join(tmpDir, "exp-x"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.False(t, strings.Contains(entries[0].Name(), ".tmp."))
	})

	t.Run("size limit", func(t *testing.T) {
		store.SetMaxFileSize(4)
		defer store.SetMaxFileSize(20 * 1024 * 1024)

		err := store.Write("big/receipt.jpg", []byte("too large"))
		assert.ErrorIs(t, err, storage.ErrTooLarge)

		err = store.WriteStream("big/receipt.jpg", strings.NewReader("too large"))
		assert.ErrorIs(t, err, storage.ErrTooLarge)

		exists, _ := store.Exists("big/receipt.jpg")
		assert.False(t, exists)
	})
}

func TestDeleteCleansEmptyDirs(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := storage.NewLocalStore(tmpDir, events.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, store.Write("exp-1/receipt.jpg", []byte("x")))
	require.NoError(t, store.Delete("exp-1/receipt.jpg"))
	require.NoError(t, store.Delete("exp-1/receipt.jpg"))

	_, err = os.Stat(filepath.Join(tmpDir, "exp-1"))
	assert.True(t, os.IsNotExist(err))

	_, err = store.Read("exp-1/receipt.jpg")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestImport(t *testing.T) {
	src := t.TempDir()
	var buf bytes.Buffer
	store, err := storage.NewLocalStore(filepath.Join(src, "images"), events.NewTestLogger(events.DebugLevel, "json", &buf))
	require.NoError(t, err)

	photo := filepath.Join(src, "Receipt.JPEG")
	require.NoError(t, os.WriteFile(photo, []byte("jpeg bytes"), 0644))

	rel, err := store.Import("exp-1", photo)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, "exp-1/receipt-"))
	assert.True(t, strings.HasSuffix(rel, ".jpg"))

	data, err := store.Read(rel)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	info, err := store.Stat(rel)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size)

	// Same content, same path, no second write.
	again, err := store.Import("exp-1", photo)
	require.NoError(t, err)
	assert.Equal(t, rel, again)
	assert.Contains(t, buf.String(), "Receipt already stored")

	require.NoError(t, os.WriteFile(photo, []byte("other bytes"), 0644))
	changed, err := store.Import("exp-1", photo)
	require.NoError(t, err)
	assert.NotEqual(t, rel, changed)

	_, err = store.Import("exp-1", filepath.Join(src, "notes.txt"))
	assert.ErrorIs(t, err, storage.ErrUnsupportedImage)

	_, err = store.Import("exp-1", filepath.Join(src, "missing.png"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	store.SetMaxFileSize(4)
	_, err = store.Import("exp-2", photo)
	assert.ErrorIs(t, err, storage.ErrTooLarge)
	exists, err := store.Exists("exp-2")
	require.NoError(t, err)
	assert.False(t, exists, "rejected before anything is written")
}

func TestMockStoreImport(t *testing.T) {
	photo := filepath.Join(t.TempDir(), "receipt.png")
	require.NoError(t, os.WriteFile(photo, []byte("png bytes"), 0644))

	store := storage.NewMockStore()
	rel, err := store.Import("exp-1", photo)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rel, ".png"))

	info, err := store.Stat(rel)
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size)

	again, err := store.Import("exp-1", photo)
	require.NoError(t, err)
	assert.Equal(t, rel, again)
	assert.Len(t, store.Paths(), 1)
}
