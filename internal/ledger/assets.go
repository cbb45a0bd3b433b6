package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/TheMichaelB/expensync/internal/database"
	"github.com/TheMichaelB/expensync/internal/models"
)

// AssetRepository stores accounts, wallets and other balances.
type AssetRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewAssetRepository creates an asset repository.
func NewAssetRepository(db *sql.DB) *AssetRepository {
	return &AssetRepository{db: db, now: database.Now}
}

// Create adds an asset. Names are unique ignoring case.
func (r *AssetRepository) Create(ctx context.Context, name string, balance decimal.Decimal) (*models.Asset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "is required"}
	}

	now := r.now()
	a := &models.Asset{
		ID:        uuid.NewString(),
		Name:      name,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO assets (id, name, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Balance.String(), database.ToMillis(now), database.ToMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create %q: %w", name, models.ErrAssetExists)
		}
		return nil, fmt.Errorf("create asset: %w", err)
	}
	return a, nil
}

// List returns all assets ordered by name.
func (r *AssetRepository) List(ctx context.Context) ([]models.Asset, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, balance, created_at, updated_at FROM assets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Adjust adds delta to the balance of the named asset.
func (r *AssetRepository) Adjust(ctx context.Context, name string, delta decimal.Decimal) (*models.Asset, error) {
	var out *models.Asset
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, name, balance, created_at, updated_at FROM assets WHERE name = ?`, strings.TrimSpace(name))
		a, err := scanAsset(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("adjust %q: %w", name, models.ErrAssetNotFound)
		}
		if err != nil {
			return err
		}

		a.Balance = a.Balance.Add(delta)
		a.UpdatedAt = r.now()
		if _, err := tx.ExecContext(ctx, `UPDATE assets SET balance = ?, updated_at = ? WHERE id = ?`,
			a.Balance.String(), database.ToMillis(a.UpdatedAt), a.ID); err != nil {
			return fmt.Errorf("update asset: %w", err)
		}
		out = a
		return nil
	})
	return out, err
}

// Match returns assets whose name is similar to query, best first.
func (r *AssetRepository) Match(ctx context.Context, query string, limit int) ([]models.AssetMatch, error) {
	assets, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(assets))
	byName := make(map[string]models.Asset, len(assets))
	for i, a := range assets {
		names[i] = a.Name
		byName[a.Name] = a
	}

	hits := BestMatches(query, names, limit, MatchThreshold)
	out := make([]models.AssetMatch, 0, len(hits))
	for _, h := range hits {
		out = append(out, models.AssetMatch{Asset: byName[h.Candidate], Score: h.Score})
	}
	return out, nil
}

func scanAsset(s scanner) (*models.Asset, error) {
	var (
		a                models.Asset
		balance          string
		created, updated int64
	)
	if err := s.Scan(&a.ID, &a.Name, &balance, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("asset %s: parse balance: %w", a.Name, err)
	}
	a.CreatedAt = database.FromMillis(created)
	a.UpdatedAt = database.FromMillis(updated)
	return &a, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
