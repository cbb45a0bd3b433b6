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

// Filter narrows an expense listing. Zero fields are ignored.
type Filter struct {
	From  time.Time // inclusive
	To    time.Time // exclusive
	Tag   string
	Limit int
}

// ExpenseRepository is the local store of expenses.
type ExpenseRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewExpenseRepository creates a repository on an open ledger database.
func NewExpenseRepository(db *sql.DB) *ExpenseRepository {
	return &ExpenseRepository{db: db, now: database.Now}
}

const expenseColumns = `id, amount, occurred_at, tag, image_path, destination_amount,
	destination_currency, note, created_at, updated_at`

// Create validates and stores a new expense, assigning an ID if empty.
func (r *ExpenseRepository) Create(ctx context.Context, e *models.Expense) error {
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := r.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO expenses (`+expenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Amount, database.ToMillis(e.Timestamp), e.Tag, e.ImagePath,
		nullableFloat(e.DestinationAmount), e.DestinationCurrency, e.Note,
		database.ToMillis(e.CreatedAt), database.ToMillis(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert expense: %w", err)
	}
	return nil
}

// Update overwrites an existing expense and bumps UpdatedAt.
func (r *ExpenseRepository) Update(ctx context.Context, e *models.Expense) error {
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}

	e.UpdatedAt = r.now()
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)

	res, err := r.db.ExecContext(ctx, `
		UPDATE expenses SET amount = ?, occurred_at = ?, tag = ?, image_path = ?,
			destination_amount = ?, destination_currency = ?, note = ?, updated_at = ?
		WHERE id = ?`,
		e.Amount, database.ToMillis(e.Timestamp), e.Tag, e.ImagePath,
		nullableFloat(e.DestinationAmount), e.DestinationCurrency, e.Note,
		database.ToMillis(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update expense: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", e.ID, models.ErrExpenseNotFound)
	}
	return nil
}

// Delete removes an expense. The image file is the caller's concern.
func (r *ExpenseRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, models.ErrExpenseNotFound)
	}
	return nil
}

// Get loads one expense.
func (r *ExpenseRepository) Get(ctx context.Context, id string) (*models.Expense, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, id)

	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, models.ErrExpenseNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get expense: %w", err)
	}
	return e, nil
}

// List returns expenses matching f, newest first.
func (r *ExpenseRepository) List(ctx context.Context, f Filter) ([]*models.Expense, error) {
	where, args := f.clause()

	query := `SELECT ` + expenseColumns + ` FROM expenses` + where + ` ORDER BY occurred_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return r.query(ctx, query, args...)
}

// All returns every expense ordered by ID, the order sync works in.
func (r *ExpenseRepository) All(ctx context.Context) ([]*models.Expense, error) {
	return r.query(ctx, `SELECT `+expenseColumns+` FROM expenses ORDER BY id`)
}

// Tags returns the distinct tags in use, most used first.
func (r *ExpenseRepository) Tags(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tag FROM expenses GROUP BY tag ORDER BY COUNT(*) DESC, tag`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// SuggestTag returns the known tag closest to input, if any is similar enough.
func (r *ExpenseRepository) SuggestTag(ctx context.Context, input string) (string, bool, error) {
	tags, err := r.Tags(ctx)
	if err != nil {
		return "", false, err
	}

	matches := BestMatches(input, tags, 1, SuggestThreshold)
	if len(matches) == 0 {
		return "", false, nil
	}
	return matches[0].Candidate, true, nil
}

// Totals sums expenses per tag in [from, to).
func (r *ExpenseRepository) Totals(ctx context.Context, from, to time.Time) ([]models.TagTotal, error) {
	expenses, err := r.List(ctx, Filter{From: from, To: to})
	if err != nil {
		return nil, err
	}

	byTag := make(map[string]*models.TagTotal)
	var order []string
	for _, e := range expenses {
		tt, ok := byTag[e.Tag]
		if !ok {
			tt = &models.TagTotal{Tag: e.Tag, Total: decimal.Zero}
			byTag[e.Tag] = tt
			order = append(order, e.Tag)
		}
		tt.Total = tt.Total.Add(decimal.NewFromFloat(e.Amount))
		tt.Count++
	}

	totals := make([]models.TagTotal, 0, len(order))
	for _, tag := range order {
		totals = append(totals, *byTag[tag])
	}
	sortTotals(totals)
	return totals, nil
}

func (r *ExpenseRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Expense, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer rows.Close()

	var out []*models.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (f Filter) clause() (string, []interface{}) {
	var conds []string
	var args []interface{}

	if !f.From.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, database.ToMillis(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "occurred_at < ?")
		args = append(args, database.ToMillis(f.To))
	}
	if f.Tag != "" {
		conds = append(conds, "tag = ?")
		args = append(args, f.Tag)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExpense(s scanner) (*models.Expense, error) {
	var (
		e                          models.Expense
		occurred, created, updated int64
		destAmount                 sql.NullFloat64
	)

	err := s.Scan(&e.ID, &e.Amount, &occurred, &e.Tag, &e.ImagePath, &destAmount,
		&e.DestinationCurrency, &e.Note, &created, &updated)
	if err != nil {
		return nil, err
	}

	e.Timestamp = database.FromMillis(occurred)
	e.CreatedAt = database.FromMillis(created)
	e.UpdatedAt = database.FromMillis(updated)
	if destAmount.Valid {
		v := destAmount.Float64
		e.DestinationAmount = &v
	}
	return &e, nil
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
