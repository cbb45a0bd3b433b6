package client_test

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/expensync/internal/client"
	"github.com/TheMichaelB/expensync/internal/config"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
	"github.com/TheMichaelB/expensync/internal/services/sync"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Storage.DataDir = dir
	cfg.Storage.DatabasePath = filepath.Join(dir, "ledger.db")
	cfg.Storage.ImageDir = filepath.Join(dir, "images")
	cfg.Auth.SessionFile = filepath.Join(dir, "session.json")

	c, err := client.New(context.Background(), cfg, events.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func writePNG(t *testing.T, name string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0600))
	return p
}

func TestNewRegistersNoTargetsByDefault(t *testing.T) {
	c := newClient(t)
	assert.Empty(t, c.Sync.Targets())

	res := c.Sync.SyncTarget(context.Background(), client.TargetCloud, sync.Options{})
	assert.ErrorIs(t, res.Err, models.ErrTargetDisabled)
}

func TestExpenseLifecycle(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	e := &models.Expense{Amount: 12.5, Tag: "coffee", Timestamp: time.Now()}
	require.NoError(t, c.AddExpense(ctx, e, writePNG(t, "first.png")))
	require.NotEmpty(t, e.ID)
	require.NotEmpty(t, e.ImagePath)

	first := e.ImagePath
	ok, err := c.Images.Exists(first)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("edit replaces receipt", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 16))))
		second := filepath.Join(t.TempDir(), "second.png")
		require.NoError(t, os.WriteFile(second, buf.Bytes(), 0600))

		e.Amount = 13
		require.NoError(t, c.EditExpense(ctx, e, second))
		assert.NotEqual(t, first, e.ImagePath)

		ok, err := c.Images.Exists(first)
		require.NoError(t, err)
		assert.False(t, ok, "replaced receipt is removed")

		stored, err := c.Expenses.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, 13.0, stored.Amount)
		assert.Equal(t, e.ImagePath, stored.ImagePath)
	})

	t.Run("delete removes receipt", func(t *testing.T) {
		path := e.ImagePath
		require.NoError(t, c.DeleteExpense(ctx, e.ID))

		_, err := c.Expenses.Get(ctx, e.ID)
		assert.ErrorIs(t, err, models.ErrExpenseNotFound)

		ok, err := c.Images.Exists(path)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestAddExpenseRejectsInvalidInput(t *testing.T) {
	c := newClient(t)

	e := &models.Expense{Amount: -1, Tag: "coffee", Timestamp: time.Now()}
	err := c.AddExpense(context.Background(), e, writePNG(t, "r.png"))

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	ok, err := c.Images.Exists(e.ImagePath)
	require.NoError(t, err)
	assert.False(t, ok, "imported receipt is rolled back")
}

func TestImageOptions(t *testing.T) {
	cfg := config.DefaultConfig().Sync
	opts := client.ImageOptions(cfg)
	assert.Equal(t, cfg.ImageTargetBytes, opts.TargetBytes)
	assert.Equal(t, cfg.ImageQuality, opts.StartQuality)
	assert.Equal(t, cfg.ImageMinQuality, opts.MinQuality)
}
