package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/expensync/internal/database"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
)

// SQLiteStore keeps sync state in the ledger database.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
	now    func() time.Time
	owned  bool
}

// NewSQLiteStore creates a state store on a shared, migrated ledger database.
// Close does not close db.
func NewSQLiteStore(db *sql.DB, logger *events.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
		now:    database.Now,
	}
}

// OpenSQLiteStore opens its own database at path.
func OpenSQLiteStore(path string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteStore(db, logger)
	s.owned = true
	return s, nil
}

// LoadMetadata retrieves all states of a target.
func (s *SQLiteStore) LoadMetadata(ctx context.Context, target string) (*models.SyncMetadata, error) {
	s.logger.WithField("target", target).Debug("Loading sync metadata")

	meta := models.NewSyncMetadata(target)
	var lastFull int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_full_sync FROM sync_metadata WHERE target = ?`, target).Scan(&lastFull)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	meta.LastFullSync = database.FromMillis(lastFull)

	rows, err := s.db.QueryContext(ctx, `
		SELECT target, expense_id, last_synced, image_url, image_path, sheet_ref, content_hash, chain_hash
		FROM sync_states WHERE target = ? ORDER BY expense_id`, target)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		meta.States = append(meta.States, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate states: %w", err)
	}

	return meta, nil
}

// Get retrieves the state of one expense.
func (s *SQLiteStore) Get(ctx context.Context, target, expenseID string) (*models.SyncState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT target, expense_id, last_synced, image_url, image_path, sheet_ref, content_hash, chain_hash
		FROM sync_states WHERE target = ? AND expense_id = ?`, target, expenseID)

	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	return st, nil
}

// Save upserts states and extends their change logs in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, target string, states ...*models.SyncState) error {
	if len(states) == 0 {
		return nil
	}

	s.logger.WithFields(map[string]interface{}{
		"target": target,
		"states": len(states),
	}).Debug("Saving sync states")

	now := s.now()
	heads := make([]string, len(states))

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := ensureTarget(ctx, tx, target); err != nil {
			return err
		}

		for i, st := range states {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM sync_states WHERE target = ? AND expense_id = ?`,
				target, st.ExpenseID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("query state %s: %w", st.ExpenseID, err)
			}

			action := models.ActionCreate
			if exists > 0 {
				action = models.ActionUpdate
			}

			entry, err := appendLog(ctx, tx, target, st.ExpenseID, action, st.ContentHash, now)
			if err != nil {
				return err
			}
			heads[i] = entry.ChainHash

			lastSynced := st.LastSynced
			if lastSynced.IsZero() {
				lastSynced = now
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO sync_states (target, expense_id, last_synced, image_url, image_path, sheet_ref, content_hash, chain_hash)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(target, expense_id) DO UPDATE SET
					last_synced = excluded.last_synced,
					image_url = excluded.image_url,
					image_path = excluded.image_path,
					sheet_ref = excluded.sheet_ref,
					content_hash = excluded.content_hash,
					chain_hash = excluded.chain_hash`,
				target, st.ExpenseID, database.ToMillis(lastSynced), st.ImageURL, st.ImagePath, st.SheetRef,
				st.ContentHash, entry.ChainHash)
			if err != nil {
				return fmt.Errorf("upsert state %s: %w", st.ExpenseID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, st := range states {
		st.Target = target
		st.ChainHash = heads[i]
		if st.LastSynced.IsZero() {
			st.LastSynced = now
		}
	}
	return nil
}

// Delete removes states and logs the deletion.
func (s *SQLiteStore) Delete(ctx context.Context, target string, expenseIDs ...string) error {
	if len(expenseIDs) == 0 {
		return nil
	}

	now := s.now()
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, id := range expenseIDs {
			var hash string
			err := tx.QueryRowContext(ctx,
				`SELECT content_hash FROM sync_states WHERE target = ? AND expense_id = ?`,
				target, id).Scan(&hash)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("query state %s: %w", id, err)
			}

			if _, err := appendLog(ctx, tx, target, id, models.ActionDelete, hash, now); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM sync_states WHERE target = ? AND expense_id = ?`, target, id); err != nil {
				return fmt.Errorf("delete state %s: %w", id, err)
			}
		}
		return nil
	})
}

// MarkFullSync records the completion time of a clean run.
func (s *SQLiteStore) MarkFullSync(ctx context.Context, target string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (target, last_full_sync) VALUES (?, ?)
		ON CONFLICT(target) DO UPDATE SET last_full_sync = excluded.last_full_sync`,
		target, database.ToMillis(at))
	if err != nil {
		return fmt.Errorf("mark full sync: %w", err)
	}
	return nil
}

// Reset removes all state and history for a target.
func (s *SQLiteStore) Reset(ctx context.Context, target string) error {
	s.logger.WithField("target", target).Info("Resetting sync state")

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM sync_log WHERE target = ?`,
			`DELETE FROM sync_states WHERE target = ?`,
			`DELETE FROM sync_metadata WHERE target = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, target); err != nil {
				return fmt.Errorf("reset %s: %w", target, err)
			}
		}
		return nil
	})
}

// Targets returns all known targets.
func (s *SQLiteStore) Targets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target FROM sync_metadata ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// History returns the change log of one expense.
func (s *SQLiteStore) History(ctx context.Context, target, expenseID string) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, action, content_hash, chain_hash, recorded_at
		FROM sync_log WHERE target = ? AND expense_id = ? ORDER BY seq`, target, expenseID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		e := models.LogEntry{Target: target, ExpenseID: expenseID}
		var action string
		var recorded int64
		if err := rows.Scan(&e.Seq, &action, &e.ContentHash, &e.ChainHash, &recorded); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Action = models.SyncAction(action)
		e.RecordedAt = database.FromMillis(recorded)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyChain recomputes the change log of one expense.
func (s *SQLiteStore) VerifyChain(ctx context.Context, target, expenseID string) error {
	entries, err := s.History(ctx, target, expenseID)
	if err != nil {
		return err
	}

	current, err := s.Get(ctx, target, expenseID)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}

	return verifyEntries(target, expenseID, entries, current)
}

// Close releases the database if this store opened it.
func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func ensureTarget(ctx context.Context, tx *sql.Tx, target string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_metadata (target, last_full_sync) VALUES (?, 0)`, target); err != nil {
		return fmt.Errorf("ensure target: %w", err)
	}
	return nil
}

func appendLog(ctx context.Context, tx *sql.Tx, target, expenseID string, action models.SyncAction, contentHash string, at time.Time) (models.LogEntry, error) {
	var prev *models.LogEntry
	var p models.LogEntry
	err := tx.QueryRowContext(ctx, `
		SELECT seq, chain_hash FROM sync_log
		WHERE target = ? AND expense_id = ? ORDER BY seq DESC LIMIT 1`,
		target, expenseID).Scan(&p.Seq, &p.ChainHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return models.LogEntry{}, fmt.Errorf("query log head %s: %w", expenseID, err)
	default:
		prev = &p
	}

	entry := nextEntry(prev, target, expenseID, action, contentHash, at)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_log (target, expense_id, seq, action, content_hash, chain_hash, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Target, entry.ExpenseID, entry.Seq, string(entry.Action), entry.ContentHash,
		entry.ChainHash, database.ToMillis(entry.RecordedAt))
	if err != nil {
		return models.LogEntry{}, fmt.Errorf("append log %s: %w", expenseID, err)
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(s rowScanner) (*models.SyncState, error) {
	var st models.SyncState
	var lastSynced int64
	if err := s.Scan(&st.Target, &st.ExpenseID, &lastSynced, &st.ImageURL, &st.ImagePath, &st.SheetRef,
		&st.ContentHash, &st.ChainHash); err != nil {
		return nil, err
	}
	st.LastSynced = database.FromMillis(lastSynced)
	return &st, nil
}
