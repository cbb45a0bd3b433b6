// Package resilience retries provider calls with exponential backoff and
// stops calling a provider that keeps failing.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/TheMichaelB/expensync/internal/config"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
)

// Policy configures retries and circuit breaking.
type Policy struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int           // consecutive failures that open the circuit
	BreakerCooldown  time.Duration // time in open state before a trial request
}

// PolicyFromConfig builds a Policy from sync settings.
func PolicyFromConfig(cfg config.SyncConfig) Policy {
	return Policy{
		MaxAttempts:      cfg.RetryAttempts,
		InitialDelay:     cfg.RetryDelay,
		MaxDelay:         cfg.MaxRetryDelay,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}
}

// Executor runs provider operations under a Policy. One breaker is kept
// per provider name.
type Executor struct {
	policy Policy
	logger *events.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewExecutor creates an executor.
func NewExecutor(policy Policy, logger *events.Logger) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.BreakerThreshold <= 0 {
		policy.BreakerThreshold = 5
	}
	if policy.BreakerCooldown <= 0 {
		policy.BreakerCooldown = 30 * time.Second
	}

	return &Executor{
		policy:   policy,
		logger:   logger.WithField("component", "resilience"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. Failures come back as *models.ProviderError.
func (e *Executor) Do(ctx context.Context, provider, op string, fn func(ctx context.Context) error) error {
	cb := e.breaker(provider)
	attempts := 0

	operation := func() error {
		attempts++
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%s: %w", provider, models.ErrCircuitOpen))
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		e.logger.WithFields(map[string]interface{}{
			"provider": provider,
			"op":       op,
			"attempt":  attempts,
			"delay":    wait.String(),
		}).WithError(err).Debug("Retrying provider call")
	}

	err := backoff.RetryNotify(operation, e.backoff(ctx), notify)
	if err == nil {
		return nil
	}

	return &models.ProviderError{
		Provider: provider,
		Op:       op,
		Attempts: attempts,
		Err:      err,
	}
}

// BreakerState reports the circuit state of a provider.
func (e *Executor) BreakerState(provider string) gobreaker.State {
	return e.breaker(provider).State()
}

func (e *Executor) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.InitialDelay
	b.MaxInterval = e.policy.MaxDelay
	b.MaxElapsedTime = 0 // bounded by attempts

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.policy.MaxAttempts-1)), ctx)
}

func (e *Executor) breaker(provider string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[provider]; ok {
		return cb
	}

	threshold := uint32(e.policy.BreakerThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     e.policy.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Permanent errors say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.WithFields(map[string]interface{}{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	e.breakers[provider] = cb
	return cb
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether retrying err cannot help.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}

	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return true
	case errors.Is(err, models.ErrNotAuthenticated),
		errors.Is(err, models.ErrRemoteNewer),
		errors.Is(err, models.ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
