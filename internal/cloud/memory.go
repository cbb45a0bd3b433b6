package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/expensync/internal/models"
)

// StoredExpense is a document held by MemoryStrategy.
type StoredExpense struct {
	Expense     models.Expense
	ContentHash string
	ImageURL    string
}

// MemoryStrategy is an in-memory target with the same last-write-wins rules
// as the document store.
type MemoryStrategy struct {
	mu     sync.Mutex
	target string
	userID string

	docs   map[string]StoredExpense
	images map[string][]byte
	remote map[string]time.Time // injected remote timestamps

	// Failure injection.
	ConnectErr   error
	FetchErr     error
	CommitErr    error
	UploadErr    map[string]error // by expense ID
	DeleteErr    error
	Uploads      int
	ImageDeletes int
	Commits      int
}

// NewMemoryStrategy creates an empty in-memory target.
func NewMemoryStrategy(target string) *MemoryStrategy {
	if target == "" {
		target = "memory"
	}
	return &MemoryStrategy{
		target:    target,
		docs:      make(map[string]StoredExpense),
		images:    make(map[string][]byte),
		remote:    make(map[string]time.Time),
		UploadErr: make(map[string]error),
	}
}

// Target implements Strategy.
func (m *MemoryStrategy) Target() string {
	return m.target
}

// Connect implements Strategy.
func (m *MemoryStrategy) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return models.ErrNotAuthenticated
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.userID = userID
	return nil
}

// FetchRemote implements Strategy.
func (m *MemoryStrategy) FetchRemote(ctx context.Context) (map[string]RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}

	out := make(map[string]RemoteRecord, len(m.docs))
	for id, doc := range m.docs {
		updated := doc.Expense.UpdatedAt
		if ts, ok := m.remote[id]; ok {
			updated = ts
		}
		out[id] = RemoteRecord{ExpenseID: id, UpdatedAt: updated, ImageURL: doc.ImageURL, Ref: id}
	}
	return out, nil
}

// Prepare implements Strategy.
func (m *MemoryStrategy) Prepare(ctx context.Context, batch Batch) error {
	return nil
}

// UploadImage implements Strategy.
func (m *MemoryStrategy) UploadImage(ctx context.Context, expenseID, name string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.UploadErr[expenseID]; err != nil {
		return "", err
	}
	m.Uploads++
	url := fmt.Sprintf("mem://%s/%s/%s/%s", m.target, m.userID, expenseID, name)
	m.images[url] = append([]byte(nil), data...)
	return url, nil
}

// DeleteImage implements Strategy.
func (m *MemoryStrategy) DeleteImage(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.ImageDeletes++
	delete(m.images, url)
	return nil
}

// Commit implements Strategy.
func (m *MemoryStrategy) Commit(ctx context.Context, batch Batch) (*CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return nil, m.CommitErr
	}
	m.Commits++

	result := NewCommitResult()
	for _, u := range batch.Upserts {
		id := u.Expense.ID
		if ts, ok := m.remote[id]; ok && ts.After(u.Expense.UpdatedAt) {
			result.Rejected[id] = models.ErrRemoteNewer
			continue
		}
		delete(m.remote, id)
		m.docs[id] = StoredExpense{Expense: *u.Expense, ContentHash: u.ContentHash, ImageURL: u.ImageURL}
		result.Upserted[id] = id
	}
	for _, d := range batch.Deletes {
		delete(m.docs, d.ExpenseID)
		delete(m.remote, d.ExpenseID)
		result.Deleted = append(result.Deleted, d.ExpenseID)
	}
	return result, nil
}

// Seed stores a document as if another device had written it at updatedAt.
func (m *MemoryStrategy) Seed(e models.Expense, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[e.ID] = StoredExpense{Expense: e}
	m.remote[e.ID] = updatedAt
}

// Doc returns a stored document.
func (m *MemoryStrategy) Doc(id string) (StoredExpense, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	return d, ok
}

// Len returns the number of stored documents.
func (m *MemoryStrategy) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Image returns uploaded image bytes by URL.
func (m *MemoryStrategy) Image(url string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.images[url]
	return b, ok
}
