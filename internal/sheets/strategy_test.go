package sheets_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/expensync/internal/cloud"
	"github.com/TheMichaelB/expensync/internal/config"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/imaging"
	"github.com/TheMichaelB/expensync/internal/models"
	"github.com/TheMichaelB/expensync/internal/resilience"
	syncpkg "github.com/TheMichaelB/expensync/internal/services/sync"
	"github.com/TheMichaelB/expensync/internal/sheets"
	"github.com/TheMichaelB/expensync/internal/state"
	"github.com/TheMichaelB/expensync/internal/storage"
)

// fakeAPI is a spreadsheet of tabs holding rows, with row 1 at index 0.
type fakeAPI struct {
	mu      sync.Mutex
	tabs    map[string][][]interface{}
	files   map[string][]byte
	nextID  int
	calls   []string
	failOps map[string]error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		tabs:    make(map[string][][]interface{}),
		files:   make(map[string][]byte),
		failOps: make(map[string]error),
	}
}

func (f *fakeAPI) record(op string) error {
	f.calls = append(f.calls, op)
	return f.failOps[op]
}

func (f *fakeAPI) SheetTitles(ctx context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("titles"); err != nil {
		return nil, err
	}
	var out []string
	for t := range f.tabs {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeAPI) AddSheet(ctx context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("add"); err != nil {
		return err
	}
	if _, ok := f.tabs[title]; ok {
		return fmt.Errorf("tab %s exists", title)
	}
	f.tabs[title] = nil
	return nil
}

// split parses "'Tab'!A<row>..." into tab and row.
func split(rng string) (string, int) {
	i := strings.LastIndex(rng, "!")
	tab := strings.Trim(rng[:i], "'")
	cells := strings.SplitN(rng[i+1:], ":", 2)[0]
	row, err := strconv.Atoi(strings.TrimLeft(cells, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	if err != nil {
		row = 1
	}
	return tab, row
}

func (f *fakeAPI) GetValues(ctx context.Context, id, rng string) ([][]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get"); err != nil {
		return nil, err
	}
	tab, row := split(rng)
	rows := f.tabs[tab]
	if row-1 >= len(rows) {
		return nil, nil
	}
	return rows[row-1:], nil
}

func (f *fakeAPI) UpdateValues(ctx context.Context, id, rng string, values [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("update"); err != nil {
		return err
	}
	tab, row := split(rng)
	rows := f.tabs[tab]
	for len(rows) < row-1+len(values) {
		rows = append(rows, nil)
	}
	copy(rows[row-1:], values)
	f.tabs[tab] = rows
	return nil
}

func (f *fakeAPI) ClearValues(ctx context.Context, id, rng string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("clear"); err != nil {
		return err
	}
	tab, row := split(rng)
	if row-1 < len(f.tabs[tab]) {
		f.tabs[tab][row-1] = nil
	}
	return nil
}

func (f *fakeAPI) UploadFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("upload"); err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("file%d", f.nextID)
	f.files[id] = data
	return id, nil
}

func (f *fakeAPI) DeleteFile(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete_file"); err != nil {
		return err
	}
	delete(f.files, fileID)
	return nil
}

func (f *fakeAPI) row(tab string, n int) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.tabs[tab]
	if n-1 >= len(rows) {
		return nil
	}
	return rows[n-1]
}

// removeRow deletes row n the way a user would, shifting the rows below up.
func (f *fakeAPI) removeRow(tab string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.tabs[tab]
	f.tabs[tab] = append(rows[:n-1:n-1], rows[n:]...)
}

func newStrategy(t *testing.T, api *fakeAPI) *sheets.Strategy {
	t.Helper()
	exec := resilience.NewExecutor(resilience.Policy{
		MaxAttempts:      2,
		InitialDelay:     time.Millisecond,
		MaxDelay:         time.Millisecond,
		BreakerThreshold: 10,
		BreakerCooldown:  time.Minute,
	}, events.NewNopLogger())

	s := sheets.NewStrategy(api, config.SheetsConfig{
		SpreadsheetID:   "sheet-1",
		TabPrefix:       "Expenses",
		WritesPerMinute: 600000,
	}, exec, events.NewNopLogger())
	require.NoError(t, s.Connect(context.Background(), "user-1"))
	return s
}

func expense(id string, year int) *models.Expense {
	ts := time.Date(year, 5, 4, 10, 30, 0, 0, time.UTC)
	return &models.Expense{ID: id, Amount: 9.99, Tag: "coffee", Timestamp: ts, CreatedAt: ts, UpdatedAt: ts}
}

func TestStrategyTarget(t *testing.T) {
	s := newStrategy(t, newFakeAPI())
	assert.Equal(t, "sheets:sheet-1", s.Target())
	assert.Equal(t, "Expenses 2026", s.TabName(2026))
}

func TestPrepareCreatesYearTabsWithHeader(t *testing.T) {
	api := newFakeAPI()
	api.tabs["Expenses 2025"] = [][]interface{}{sheets.Header}
	s := newStrategy(t, api)

	batch := cloud.Batch{Upserts: []cloud.Upsert{
		{Expense: expense("a", 2025)},
		{Expense: expense("b", 2026)},
	}}
	require.NoError(t, s.Prepare(context.Background(), batch))

	assert.Equal(t, sheets.Header, api.row("Expenses 2026", 1))
	assert.Equal(t, 1, strings.Count(strings.Join(api.calls, ","), "add"))

	// Second prepare is a no-op.
	api.calls = nil
	require.NoError(t, s.Prepare(context.Background(), batch))
	assert.Empty(t, api.calls)
}

func TestCommitAppendsThenUpdatesInPlace(t *testing.T) {
	api := newFakeAPI()
	s := newStrategy(t, api)
	ctx := context.Background()

	a, b := expense("a", 2026), expense("b", 2026)
	batch := cloud.Batch{Upserts: []cloud.Upsert{{Expense: a, Create: true}, {Expense: b, Create: true, ImageURL: "https://drive.google.com/file/d/x/view"}}}
	require.NoError(t, s.Prepare(ctx, batch))
	api.calls = nil

	res, err := s.Commit(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, "'Expenses 2026'!A2:I2", res.Upserted["a"])
	assert.Equal(t, "'Expenses 2026'!A3:I3", res.Upserted["b"])
	assert.Equal(t, []string{"update"}, api.calls, "rows of one tab are written together")

	remote, err := s.FetchRemote(ctx)
	require.NoError(t, err)
	require.Len(t, remote, 2)
	assert.Equal(t, res.Upserted["b"], remote["b"].Ref)
	assert.Equal(t, "https://drive.google.com/file/d/x/view", remote["b"].ImageURL)
	assert.True(t, remote["a"].UpdatedAt.Equal(a.UpdatedAt))

	a.Amount = 20
	res, err = s.Commit(ctx, cloud.Batch{Upserts: []cloud.Upsert{{Expense: a, Ref: remote["a"].Ref}}})
	require.NoError(t, err)
	assert.Equal(t, "'Expenses 2026'!A2:I2", res.Upserted["a"])
	assert.Equal(t, 20.0, api.row("Expenses 2026", 2)[2])
}

func TestCommitMovesRowWhenYearChanges(t *testing.T) {
	api := newFakeAPI()
	s := newStrategy(t, api)
	ctx := context.Background()

	e := expense("a", 2025)
	first := cloud.Batch{Upserts: []cloud.Upsert{{Expense: e, Create: true}}}
	require.NoError(t, s.Prepare(ctx, first))
	res, err := s.Commit(ctx, first)
	require.NoError(t, err)
	oldRef := res.Upserted["a"]

	e.Timestamp = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	moved := cloud.Batch{Upserts: []cloud.Upsert{{Expense: e, Ref: oldRef}}}
	require.NoError(t, s.Prepare(ctx, moved))
	res, err = s.Commit(ctx, moved)
	require.NoError(t, err)

	assert.Equal(t, "'Expenses 2026'!A2:I2", res.Upserted["a"])
	assert.Nil(t, api.row("Expenses 2025", 2), "old row is cleared")
}

func TestCommitClearsDeletedRows(t *testing.T) {
	api := newFakeAPI()
	s := newStrategy(t, api)
	ctx := context.Background()

	batch := cloud.Batch{Upserts: []cloud.Upsert{{Expense: expense("a", 2026), Create: true}}}
	require.NoError(t, s.Prepare(ctx, batch))
	res, err := s.Commit(ctx, batch)
	require.NoError(t, err)

	res, err = s.Commit(ctx, cloud.Batch{Deletes: []cloud.Delete{{ExpenseID: "a", Ref: res.Upserted["a"]}, {ExpenseID: "never-written"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "never-written"}, res.Deleted)

	remote, err := s.FetchRemote(ctx)
	require.NoError(t, err)
	assert.Empty(t, remote)
}

func TestCommitWritesBelowBlankRows(t *testing.T) {
	api := newFakeAPI()
	tab := "Expenses 2026"
	api.tabs[tab] = [][]interface{}{
		sheets.Header,
		{"a", "2026-05-04 10:30", 9.99},
		nil, // cleared by an earlier delete
		{"c", "2026-05-04 10:30", 9.99},
	}
	s := newStrategy(t, api)
	ctx := context.Background()

	remote, err := s.FetchRemote(ctx)
	require.NoError(t, err)
	require.Len(t, remote, 2)

	res, err := s.Commit(ctx, cloud.Batch{
		Upserts: []cloud.Upsert{{Expense: expense("d", 2026), Create: true}},
		Deletes: []cloud.Delete{{ExpenseID: "a", Ref: remote["a"].Ref}},
	})
	require.NoError(t, err)

	assert.Equal(t, "'Expenses 2026'!A5:I5", res.Upserted["d"])
	assert.Nil(t, api.row(tab, 2), "deleted row is cleared")
	assert.Nil(t, api.row(tab, 3), "blank row is left alone")
	assert.Equal(t, "c", api.row(tab, 4)[0])
	assert.Equal(t, "d", api.row(tab, 5)[0])

	calls := strings.Join(api.calls, ",")
	assert.Less(t, strings.Index(calls, "clear"), strings.LastIndex(calls, "update"), "rows are cleared before new ones are written")
}

func TestCommitCreateIgnoresRef(t *testing.T) {
	api := newFakeAPI()
	tab := "Expenses 2026"
	api.tabs[tab] = [][]interface{}{sheets.Header, {"other", "2026-05-04 10:30", 1.0}}
	s := newStrategy(t, api)
	ctx := context.Background()

	_, err := s.FetchRemote(ctx)
	require.NoError(t, err)

	res, err := s.Commit(ctx, cloud.Batch{Upserts: []cloud.Upsert{
		{Expense: expense("a", 2026), Create: true, Ref: rowOf(tab, 2)},
	}})
	require.NoError(t, err)
	assert.Equal(t, rowOf(tab, 3), res.Upserted["a"])
	assert.Equal(t, "other", api.row(tab, 2)[0])
}

func rowOf(tab string, n int) string {
	return fmt.Sprintf("'%s'!A%d:I%d", tab, n, n)
}

// expenseList is an in-memory ledger.
type expenseList struct {
	items []*models.Expense
}

func (l *expenseList) All(ctx context.Context) ([]*models.Expense, error) {
	return l.items, nil
}

func TestSyncAfterRowsRemovedInSheet(t *testing.T) {
	api := newFakeAPI()
	s := newStrategy(t, api)
	tab := "Expenses 2026"

	a, b := expense("a", 2026), expense("b", 2026)
	ledger := &expenseList{items: []*models.Expense{a, b}}
	engine := syncpkg.NewEngine(ledger, state.NewMockStore(), storage.NewMockStore(), syncpkg.Config{
		MaxConcurrent: 1,
		Image:         imaging.DefaultOptions(),
	}, events.NewNopLogger())
	ctx := events.WithUserID(context.Background(), "user-1")

	summary, err := engine.Sync(ctx, s, syncpkg.Options{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Created)
	require.Equal(t, "a", api.row(tab, 2)[0])
	require.Equal(t, "b", api.row(tab, 3)[0])

	t.Run("edit of an expense whose row was removed", func(t *testing.T) {
		api.removeRow(tab, 2) // b moves up to row 2
		a.Amount = 42
		a.UpdatedAt = a.UpdatedAt.Add(time.Minute)

		summary, err := engine.Sync(ctx, s, syncpkg.Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Created)
		assert.Equal(t, 1, summary.Unchanged)

		assert.Equal(t, "b", api.row(tab, 2)[0], "row of another expense is untouched")
		assert.Equal(t, 9.99, api.row(tab, 2)[2])
		assert.Equal(t, "a", api.row(tab, 3)[0])
		assert.Equal(t, 42.0, api.row(tab, 3)[2])
	})

	t.Run("delete of an expense whose row was removed", func(t *testing.T) {
		api.removeRow(tab, 2) // a moves up to row 2
		ledger.items = []*models.Expense{a}

		summary, err := engine.Sync(ctx, s, syncpkg.Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Deleted)
		assert.Equal(t, 1, summary.Unchanged)
		assert.Equal(t, "a", api.row(tab, 2)[0], "nothing is cleared for a row that is gone")
	})
}

func TestCommitCollectsRowFailures(t *testing.T) {
	api := newFakeAPI()
	s := newStrategy(t, api)
	ctx := context.Background()

	api.failOps["update"] = errors.New("quota")
	res, err := s.Commit(ctx, cloud.Batch{Upserts: []cloud.Upsert{
		{Expense: expense("a", 2026), Ref: "'Expenses 2026'!A2:I2"},
	}})
	require.Error(t, err)

	var item *models.ItemError
	require.ErrorAs(t, err, &item)
	assert.Equal(t, "a", item.ExpenseID)
	assert.Empty(t, res.Upserted)
}

func TestImagesGoToDrive(t *testing.T) {
	api := newFakeAPI()
	s := newStrategy(t, api)
	ctx := context.Background()

	url, err := s.UploadImage(ctx, "a", "abc.jpg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "https://drive.google.com/file/d/file1/view", url)

	require.NoError(t, s.DeleteImage(ctx, url))
	assert.Empty(t, api.files)
	assert.Error(t, s.DeleteImage(ctx, "https://example.com/x.jpg"))
}

func TestLoadTokenMissing(t *testing.T) {
	_, err := sheets.LoadToken(t.TempDir() + "/token.json")
	assert.ErrorIs(t, err, sheets.ErrNoToken)
}
