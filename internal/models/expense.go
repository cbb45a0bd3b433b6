package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

// Expense is a single user-entered transaction.
type Expense struct {
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Tag       string    `json:"tag"`

	// ImagePath is relative to the local image store.
	ImagePath string `json:"image_path,omitempty"`

	// Travel expenses carry the amount in the destination currency.
	DestinationAmount   *float64 `json:"destination_amount,omitempty"`
	DestinationCurrency string   `json:"destination_currency,omitempty"`

	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTravel reports whether the expense has a destination amount.
func (e *Expense) IsTravel() bool {
	return e.DestinationAmount != nil && e.DestinationCurrency != ""
}

// HasImage reports whether a receipt is attached.
func (e *Expense) HasImage() bool {
	return e.ImagePath != ""
}

// Normalize trims user input and upper-cases the currency code.
func (e *Expense) Normalize() {
	e.Tag = strings.TrimSpace(e.Tag)
	e.Note = strings.TrimSpace(e.Note)
	e.DestinationCurrency = strings.ToUpper(strings.TrimSpace(e.DestinationCurrency))
}

// Validate checks the expense before it is stored.
func (e *Expense) Validate() error {
	if e.Amount <= 0 || math.IsNaN(e.Amount) || math.IsInf(e.Amount, 0) {
		return &ValidationError{Field: "amount", Reason: "must be a positive number"}
	}

	if strings.TrimSpace(e.Tag) == "" {
		return &ValidationError{Field: "tag", Reason: "is required"}
	}

	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}

	hasAmount := e.DestinationAmount != nil
	hasCurrency := e.DestinationCurrency != ""
	if hasAmount != hasCurrency {
		return &ValidationError{Field: "destination", Reason: "amount and currency must be set together"}
	}

	if hasAmount {
		if *e.DestinationAmount <= 0 {
			return &ValidationError{Field: "destination_amount", Reason: "must be a positive number"}
		}
		if _, err := currency.ParseISO(e.DestinationCurrency); err != nil {
			return &ValidationError{
				Field:  "destination_currency",
				Reason: fmt.Sprintf("unknown ISO 4217 code %q", e.DestinationCurrency),
			}
		}
	}

	return nil
}

// Year returns the calendar year the expense is filed under.
func (e *Expense) Year() int {
	return e.Timestamp.Year()
}
