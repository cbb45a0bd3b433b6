package state

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/TheMichaelB/expensync/internal/models"
)

// Store manages per-target sync state and its change log.
type Store interface {
	// LoadMetadata returns every state tracked for a target.
	// Returns ErrStateNotFound if the target was never synced.
	LoadMetadata(ctx context.Context, target string) (*models.SyncMetadata, error)

	// Get returns the state of one expense on a target.
	Get(ctx context.Context, target, expenseID string) (*models.SyncState, error)

	// Save upserts states and appends a create or update entry to each
	// expense's change log. ChainHash is set on the passed states.
	Save(ctx context.Context, target string, states ...*models.SyncState) error

	// Delete removes states and appends a delete entry to their logs.
	Delete(ctx context.Context, target string, expenseIDs ...string) error

	// MarkFullSync records the time of the last clean run.
	MarkFullSync(ctx context.Context, target string, at time.Time) error

	// Reset removes all state and history for a target.
	Reset(ctx context.Context, target string) error

	// Targets returns all known targets.
	Targets(ctx context.Context) ([]string, error)

	// History returns the change log of one expense, oldest first.
	History(ctx context.Context, target, expenseID string) ([]models.LogEntry, error)

	// VerifyChain recomputes an expense's change log.
	VerifyChain(ctx context.Context, target, expenseID string) error

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateCorrupt  = errors.New("state is corrupt")
)

// nextEntry builds the log entry that follows prev.
func nextEntry(prev *models.LogEntry, target, expenseID string, action models.SyncAction, contentHash string, at time.Time) models.LogEntry {
	seq := 1
	prevChain := ""
	if prev != nil {
		seq = prev.Seq + 1
		prevChain = prev.ChainHash
	}

	return models.LogEntry{
		Target:      target,
		ExpenseID:   expenseID,
		Seq:         seq,
		Action:      action,
		ContentHash: contentHash,
		ChainHash:   models.ChainHash(prevChain, action, contentHash),
		RecordedAt:  at,
	}
}

// verifyEntries recomputes a log and checks the head against the live state.
func verifyEntries(target, expenseID string, entries []models.LogEntry, current *models.SyncState) error {
	prevChain := ""
	for i, e := range entries {
		if e.Seq != i+1 {
			return &models.ChainError{
				Target:    target,
				ExpenseID: expenseID,
				Seq:       e.Seq,
				Expected:  "sequence " + strconv.Itoa(i+1),
				Actual:    "sequence " + strconv.Itoa(e.Seq),
			}
		}

		want := models.ChainHash(prevChain, e.Action, e.ContentHash)
		if want != e.ChainHash {
			return &models.ChainError{
				Target:    target,
				ExpenseID: expenseID,
				Seq:       e.Seq,
				Expected:  want,
				Actual:    e.ChainHash,
			}
		}
		prevChain = e.ChainHash
	}

	if current != nil && current.ChainHash != prevChain {
		return &models.ChainError{
			Target:    target,
			ExpenseID: expenseID,
			Seq:       len(entries),
			Expected:  prevChain,
			Actual:    current.ChainHash,
		}
	}
	return nil
}
