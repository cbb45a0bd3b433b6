// Package cloud defines the remote side of a sync run and its document
// store implementation.
package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/TheMichaelB/expensync/internal/models"
)

// Strategy is one remote target an expense ledger is pushed to.
type Strategy interface {
	// Target names the target in sync state, e.g. "cloud" or "sheets:<id>".
	Target() string

	// Connect verifies access for the signed-in user.
	Connect(ctx context.Context, userID string) error

	// FetchRemote lists what the target currently holds, keyed by expense ID.
	FetchRemote(ctx context.Context) (map[string]RemoteRecord, error)

	// Prepare readies the target for a batch, e.g. creating year tabs.
	Prepare(ctx context.Context, batch Batch) error

	// UploadImage stores a compressed receipt and returns its URL.
	UploadImage(ctx context.Context, expenseID, name string, data []byte) (string, error)

	// DeleteImage removes a previously uploaded receipt.
	DeleteImage(ctx context.Context, url string) error

	// Commit applies the batch. Items missing from the result were not
	// written; the returned error describes why.
	Commit(ctx context.Context, batch Batch) (*CommitResult, error)
}

// RemoteRecord is what the target knows about one expense.
type RemoteRecord struct {
	ExpenseID string
	UpdatedAt time.Time
	ImageURL  string
	Ref       string // target specific location, e.g. a sheet range
}

// Upsert writes one expense.
type Upsert struct {
	Expense     *models.Expense
	ContentHash string
	ImageURL    string
	Ref         string // current location on the target, if known
	Create      bool
}

// Delete removes one expense from the target.
type Delete struct {
	ExpenseID string
	Ref       string
	ImageURL  string
}

// Batch is the set of writes produced by one plan.
type Batch struct {
	Upserts []Upsert
	Deletes []Delete
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Upserts) == 0 && len(b.Deletes) == 0
}

// Years returns the distinct calendar years touched by upserts.
func (b Batch) Years() []int {
	seen := make(map[int]bool)
	var years []int
	for _, u := range b.Upserts {
		y := u.Expense.Year()
		if !seen[y] {
			seen[y] = true
			years = append(years, y)
		}
	}
	return years
}

// CommitResult lists what a Commit actually wrote.
type CommitResult struct {
	Upserted map[string]string // expense ID -> ref
	Deleted  []string
	Rejected map[string]error // per item refusals, e.g. models.ErrRemoteNewer
}

// NewCommitResult creates an empty result.
func NewCommitResult() *CommitResult {
	return &CommitResult{
		Upserted: make(map[string]string),
		Rejected: make(map[string]error),
	}
}

// ImageName derives a stable object name from the compressed bytes.
func ImageName(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:4]) + ".jpg"
}
