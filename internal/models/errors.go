package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth       = "AUTH_ERROR"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNetwork    = "NETWORK_ERROR"
	ErrCodeStorage    = "STORAGE_ERROR"
	ErrCodeState      = "STATE_ERROR"
	ErrCodeImage      = "IMAGE_ERROR"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeProvider   = "PROVIDER_ERROR"
)

// Sentinel errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrExpenseNotFound  = errors.New("expense not found")
	ErrBudgetNotFound   = errors.New("budget not found")
	ErrAssetNotFound    = errors.New("asset not found")
	ErrAssetExists      = errors.New("asset already exists")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrTargetDisabled   = errors.New("sync target not configured")
	ErrCircuitOpen      = errors.New("provider circuit open")
	ErrRemoteNewer      = errors.New("remote record is newer")
	ErrChainBroken      = errors.New("change log chain broken")
)

// ValidationError reports a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Code   string
	Step   SyncStep
	Target string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s [%s]: target %s: %v", e.Step, e.Code, e.Target, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// ItemError is a failure confined to a single expense.
type ItemError struct {
	ExpenseID string
	Op        string
	Err       error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ExpenseID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// ProviderError is a remote call that failed after retries.
type ProviderError struct {
	Provider string
	Op       string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Provider, e.Op, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ChainError reports where a change log stopped verifying.
type ChainError struct {
	Target    string
	ExpenseID string
	Seq       int
	Expected  string
	Actual    string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("change log for %s on %s broken at entry %d: expected %s, got %s",
		e.ExpenseID, e.Target, e.Seq, e.Expected, e.Actual)
}

func (e *ChainError) Unwrap() error {
	return ErrChainBroken
}
