//go:build integration
// +build integration

package integration_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/expensync/internal/client"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
	syncpkg "github.com/TheMichaelB/expensync/internal/services/sync"
	"github.com/TheMichaelB/expensync/internal/transport"
	"github.com/TheMichaelB/expensync/test/testutil"
)

const userID = "user-1"

type env struct {
	client *client.Client
	aws    *testutil.FakeAWS
	logs   *testutil.LogOutput
	files  *testutil.TestHelpers
}

func setup(t *testing.T) *env {
	t.Helper()
	testutil.SkipIfShort(t, "starts a fake AWS endpoint")

	files := testutil.NewTestHelpers(t)
	t.Cleanup(files.Cleanup)

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(files.TempDir(), "aws", "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(files.TempDir(), "aws", "credentials"))

	fake := testutil.NewFakeAWS(t, "expenses", "receipts")

	cfg := testutil.TestConfigWithDir(filepath.Join(files.TempDir(), "data"))
	cfg.Cloud.Enabled = true
	cfg.Cloud.Table = "expenses"
	cfg.Cloud.Bucket = "receipts"
	cfg.Cloud.Endpoint = fake.URL

	logs := testutil.NewLogOutput()
	ctx, cancel := testutil.TestContext()
	defer cancel()

	c, err := client.New(ctx, cfg, testutil.NewTestLogger(logs))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_, err = c.Auth.Login(ctx, "me@example.com", userID)
	require.NoError(t, err)

	return &env{client: c, aws: fake, logs: logs, files: files}
}

// seed adds the sample expenses, the first with a receipt.
func (e *env) seed(t *testing.T, ctx context.Context) []*models.Expense {
	t.Helper()
	receipt := e.files.CreateTempBinaryFile("receipt.jpg", testutil.ReceiptJPEG(t, 320, 240))

	expenses := testutil.SampleExpenses()
	for i, exp := range expenses {
		src := ""
		if i == 0 {
			src = receipt
		}
		require.NoError(t, e.client.AddExpense(ctx, exp, src))
	}
	return expenses
}

func (e *env) sync(t *testing.T, ctx context.Context, opts syncpkg.Options) *syncpkg.Summary {
	t.Helper()
	res := e.client.Sync.SyncTarget(ctx, client.TargetCloud, opts)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Data)
	return res.Data
}

func TestCloudSyncIntegration(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	expenses := e.seed(t, ctx)
	coffee, groceries, hotel := expenses[0], expenses[1], expenses[2]

	t.Run("initial sync creates every document", func(t *testing.T) {
		summary := e.sync(t, ctx, syncpkg.Options{})
		assert.Equal(t, 3, summary.Created)
		assert.Equal(t, 1, summary.ImagesUploaded)
		assert.Zero(t, summary.Failed)

		ids := []string{coffee.ID, groceries.ID, hotel.ID}
		assert.ElementsMatch(t, ids, e.aws.DocumentIDs(userID))

		doc, ok := e.aws.Document(userID, coffee.ID)
		require.True(t, ok)
		assert.Equal(t, "coffee", doc["tag"])
		assert.NotEmpty(t, doc["content_hash"])

		keys := e.aws.ObjectKeys()
		require.Len(t, keys, 1)
		assert.True(t, strings.HasPrefix(keys[0], "users/"+userID+"/expenses/"+coffee.ID+"/"))
		assert.True(t, strings.HasSuffix(doc["image_url"], keys[0]))

		hotelDoc, _ := e.aws.Document(userID, hotel.ID)
		assert.Equal(t, "JPY", hotelDoc["destination_currency"])
	})

	t.Run("second sync is a no-op", func(t *testing.T) {
		writes := e.aws.Calls("TransactWriteItems")
		summary := e.sync(t, ctx, syncpkg.Options{})
		assert.Equal(t, 3, summary.Unchanged)
		assert.Zero(t, summary.Created+summary.Updated+summary.Deleted)
		assert.Equal(t, writes, e.aws.Calls("TransactWriteItems"))
	})

	t.Run("edit and delete", func(t *testing.T) {
		coffee.Amount = 4.80
		require.NoError(t, e.client.EditExpense(ctx, coffee, ""))
		require.NoError(t, e.client.DeleteExpense(ctx, groceries.ID))

		summary := e.sync(t, ctx, syncpkg.Options{})
		assert.Equal(t, 1, summary.Updated)
		assert.Equal(t, 1, summary.Deleted)
		assert.Zero(t, summary.ImagesUploaded, "unchanged receipt is not re-uploaded")

		doc, _ := e.aws.Document(userID, coffee.ID)
		assert.Equal(t, "4.8", doc["amount"])
		assert.NotContains(t, e.aws.DocumentIDs(userID), groceries.ID)
		assert.Len(t, e.aws.ObjectKeys(), 1)
	})

	t.Run("remote newer wins", func(t *testing.T) {
		future := time.Now().Add(time.Hour).UnixMilli()
		e.aws.Touch(userID, hotel.ID, future)

		hotel.Amount = 70
		require.NoError(t, e.client.EditExpense(ctx, hotel, ""))

		summary := e.sync(t, ctx, syncpkg.Options{})
		assert.Equal(t, 1, summary.Stale)
		assert.Zero(t, summary.Updated)

		doc, _ := e.aws.Document(userID, hotel.ID)
		assert.Equal(t, "62", doc["amount"])
	})

	t.Run("status verifies change logs", func(t *testing.T) {
		res := e.client.Sync.Status(ctx, true)
		require.NoError(t, res.Err)
		require.Len(t, res.Data, 1)
		assert.Equal(t, client.TargetCloud, res.Data[0].Target)
		assert.Empty(t, res.Data[0].BrokenChains)
		assert.False(t, res.Data[0].LastFullSync.IsZero())
	})

	assert.True(t, e.logs.HasMessage("Committed documents"))
}

func TestCloudSyncRecoversFromTransientErrors(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	e.seed(t, ctx)
	e.aws.FailNext("TransactWriteItems", 1)
	e.aws.FailNext("PutObject", 1)

	summary := e.sync(t, ctx, syncpkg.Options{})
	assert.Equal(t, 3, summary.Created)
	assert.Equal(t, 1, summary.ImagesUploaded)
	assert.Len(t, e.aws.DocumentIDs(userID), 3)
	assert.GreaterOrEqual(t, e.aws.Calls("TransactWriteItems"), 2)
}

func TestCloudSyncUnavailable(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	e.seed(t, ctx)
	e.aws.FailNext("DescribeTable", 100)

	res := e.client.Sync.SyncTarget(ctx, client.TargetCloud, syncpkg.Options{})
	require.Error(t, res.Err)

	var syncErr *models.SyncError
	require.ErrorAs(t, res.Err, &syncErr)
	assert.Empty(t, e.aws.DocumentIDs(userID))
	assert.Zero(t, e.aws.Calls("TransactWriteItems"))
}

func TestProgressStreaming(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	e.seed(t, ctx)

	ps := transport.NewProgressServer(events.NewNopLogger())
	addr, err := ps.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer ps.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/progress", nil)
	require.NoError(t, err)
	defer conn.Close()
	testutil.WaitForCondition(t, func() bool { return ps.Clients() == 1 }, 2*time.Second, "subscriber registered")

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-e.client.Sync.Events():
				_ = ps.Broadcast(ev)
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	e.sync(t, ctx, syncpkg.Options{})

	var types []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev syncpkg.Event
		require.NoError(t, conn.ReadJSON(&ev))
		types = append(types, string(ev.Type))
		if ev.Type == syncpkg.EventCompleted {
			break
		}
	}

	assert.Equal(t, string(syncpkg.EventStarted), types[0])
	assert.Contains(t, types, string(syncpkg.EventItemSynced))
}
