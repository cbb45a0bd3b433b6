package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Budget is a monthly spending limit for one tag.
type Budget struct {
	Tag       string          `json:"tag"`
	Limit     decimal.Decimal `json:"limit"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BudgetStatus compares spending against a budget for one month.
type BudgetStatus struct {
	Tag       string          `json:"tag"`
	Month     string          `json:"month"` // YYYY-MM
	Limit     decimal.Decimal `json:"limit"`
	Spent     decimal.Decimal `json:"spent"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Exceeded reports whether spending passed the limit.
func (s BudgetStatus) Exceeded() bool {
	return s.Spent.GreaterThan(s.Limit)
}

// UsedPercent is spent/limit in percent, rounded to one decimal.
func (s BudgetStatus) UsedPercent() decimal.Decimal {
	if s.Limit.IsZero() {
		return decimal.Zero
	}
	return s.Spent.Div(s.Limit).Mul(decimal.NewFromInt(100)).Round(1)
}

// Asset is a named store of value, e.g. a bank account or wallet.
type Asset struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AssetMatch is a fuzzy lookup hit.
type AssetMatch struct {
	Asset Asset   `json:"asset"`
	Score float64 `json:"score"` // 1 is an exact match
}

// TagTotal is the amount spent under one tag.
type TagTotal struct {
	Tag   string          `json:"tag"`
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}
