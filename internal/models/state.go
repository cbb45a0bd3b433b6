package models

import (
	"sort"
	"time"
)

// SyncAction is the kind of change recorded for an expense on a target.
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

// SyncState is the per-target bookkeeping for one expense.
type SyncState struct {
	Target      string    `json:"target"`
	ExpenseID   string    `json:"expense_id"`
	LastSynced  time.Time `json:"last_synced"`
	ImageURL    string    `json:"image_url,omitempty"`
	ImagePath   string    `json:"image_path,omitempty"` // Local receipt the URL was uploaded from
	SheetRef    string    `json:"sheet_ref,omitempty"` // Row last written on spreadsheet targets
	ContentHash string    `json:"content_hash"`
	ChainHash   string    `json:"chain_hash"` // Head of the change log
}

// Changed reports whether the expense differs from what was last synced.
func (s *SyncState) Changed(contentHash string) bool {
	return s == nil || s.ContentHash != contentHash
}

// SyncMetadata aggregates every SyncState of a target.
type SyncMetadata struct {
	Target       string       `json:"target"`
	LastFullSync time.Time    `json:"last_full_sync"`
	States       []*SyncState `json:"states"`
}

// NewSyncMetadata creates empty metadata for a target.
func NewSyncMetadata(target string) *SyncMetadata {
	return &SyncMetadata{
		Target: target,
		States: []*SyncState{},
	}
}

// Index returns the states keyed by expense ID.
func (m *SyncMetadata) Index() map[string]*SyncState {
	idx := make(map[string]*SyncState, len(m.States))
	for _, s := range m.States {
		idx[s.ExpenseID] = s
	}
	return idx
}

// StateCount returns the number of tracked expenses.
func (m *SyncMetadata) StateCount() int {
	return len(m.States)
}

// SortStates orders states by expense ID.
func (m *SyncMetadata) SortStates() {
	sort.Slice(m.States, func(i, j int) bool {
		return m.States[i].ExpenseID < m.States[j].ExpenseID
	})
}

// LogEntry is one link of the per-expense change log.
type LogEntry struct {
	Target      string     `json:"target"`
	ExpenseID   string     `json:"expense_id"`
	Seq         int        `json:"seq"`
	Action      SyncAction `json:"action"`
	ContentHash string     `json:"content_hash"`
	ChainHash   string     `json:"chain_hash"`
	RecordedAt  time.Time  `json:"recorded_at"`
}
