package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/TheMichaelB/expensync/internal/database"
	"github.com/TheMichaelB/expensync/internal/models"
)

// BudgetRepository stores monthly limits per tag.
type BudgetRepository struct {
	db       *sql.DB
	expenses *ExpenseRepository
	now      func() time.Time
}

// NewBudgetRepository creates a budget repository.
func NewBudgetRepository(db *sql.DB, expenses *ExpenseRepository) *BudgetRepository {
	return &BudgetRepository{db: db, expenses: expenses, now: database.Now}
}

// Set creates or replaces the limit for a tag.
func (r *BudgetRepository) Set(ctx context.Context, tag string, limit decimal.Decimal) (*models.Budget, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, &models.ValidationError{Field: "tag", Reason: "is required"}
	}
	if !limit.IsPositive() {
		return nil, &models.ValidationError{Field: "limit", Reason: "must be positive"}
	}

	b := &models.Budget{Tag: tag, Limit: limit, UpdatedAt: r.now()}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budgets (tag, limit_value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET
			limit_value = excluded.limit_value,
			updated_at = excluded.updated_at`,
		b.Tag, b.Limit.String(), database.ToMillis(b.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("save budget: %w", err)
	}
	return b, nil
}

// Delete removes the budget for a tag.
func (r *BudgetRepository) Delete(ctx context.Context, tag string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM budgets WHERE tag = ?`, tag)
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", tag, models.ErrBudgetNotFound)
	}
	return nil
}

// List returns all budgets ordered by tag.
func (r *BudgetRepository) List(ctx context.Context) ([]models.Budget, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tag, limit_value, updated_at FROM budgets ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var out []models.Budget
	for rows.Next() {
		var (
			b       models.Budget
			limit   string
			updated int64
		)
		if err := rows.Scan(&b.Tag, &limit, &updated); err != nil {
			return nil, err
		}
		if b.Limit, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("budget %s: parse limit: %w", b.Tag, err)
		}
		b.UpdatedAt = database.FromMillis(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Status reports spending against every budget for month (YYYY-MM).
func (r *BudgetRepository) Status(ctx context.Context, month string, loc *time.Location) ([]models.BudgetStatus, error) {
	from, to, err := MonthRange(month, loc)
	if err != nil {
		return nil, err
	}

	budgets, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	totals, err := r.expenses.Totals(ctx, from, to)
	if err != nil {
		return nil, err
	}
	spent := make(map[string]decimal.Decimal, len(totals))
	for _, t := range totals {
		spent[t.Tag] = t.Total
	}

	out := make([]models.BudgetStatus, 0, len(budgets))
	for _, b := range budgets {
		s := spent[b.Tag]
		out = append(out, models.BudgetStatus{
			Tag:       b.Tag,
			Month:     month,
			Limit:     b.Limit,
			Spent:     s,
			Remaining: b.Limit.Sub(s),
		})
	}
	return out, nil
}
