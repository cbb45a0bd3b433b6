package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/TheMichaelB/expensync/internal/cloud"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
	"github.com/TheMichaelB/expensync/internal/services/auth"
	"github.com/TheMichaelB/expensync/internal/state"
)

// Service provides high-level sync operations over named targets.
type Service struct {
	auth    *auth.Service
	engine  *Engine
	state   state.Store
	logger  *events.Logger
	targets map[string]cloud.Strategy
	order   []string
}

// NewService creates a sync service.
func NewService(authService *auth.Service, engine *Engine, st state.Store, logger *events.Logger) *Service {
	return &Service{
		auth:    authService,
		engine:  engine,
		state:   st,
		logger:  logger.WithField("service", "sync"),
		targets: make(map[string]cloud.Strategy),
	}
}

// Register adds a target under a short name such as "cloud" or "sheets".
func (s *Service) Register(name string, strategy cloud.Strategy) {
	if _, ok := s.targets[name]; !ok {
		s.order = append(s.order, name)
	}
	s.targets[name] = strategy
}

// Targets returns the registered target names in registration order.
func (s *Service) Targets() []string {
	return append([]string(nil), s.order...)
}

// Strategy returns a registered target.
func (s *Service) Strategy(name string) (cloud.Strategy, error) {
	st, ok := s.targets[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, models.ErrTargetDisabled)
	}
	return st, nil
}

// SyncTarget syncs one target.
func (s *Service) SyncTarget(ctx context.Context, name string, opts Options) models.Result[*Summary] {
	strategy, err := s.Strategy(name)
	if err != nil {
		return models.ErrorResult[*Summary](err, nil)
	}

	ctx, _, err = s.auth.EnsureAuthenticated(ctx)
	if err != nil {
		return models.ErrorResult[*Summary](fmt.Errorf("authentication failed: %w", err), nil)
	}

	summary, err := s.engine.Sync(ctx, strategy, opts)
	if err != nil {
		return models.ErrorResult(err, summary)
	}
	return models.SuccessResult(summary)
}

// SyncAll syncs every registered target in order. A failing target does not
// stop the others.
func (s *Service) SyncAll(ctx context.Context, opts Options) models.Result[[]*Summary] {
	if len(s.order) == 0 {
		return models.ErrorResult[[]*Summary](models.ErrTargetDisabled, nil)
	}

	if _, _, err := s.auth.EnsureAuthenticated(ctx); err != nil {
		return models.ErrorResult[[]*Summary](fmt.Errorf("authentication failed: %w", err), nil)
	}

	var summaries []*Summary
	var errs []error
	for _, name := range s.order {
		res := s.SyncTarget(ctx, name, opts)
		if res.Data != nil {
			summaries = append(summaries, res.Data)
		}
		if res.IsError() {
			errs = append(errs, fmt.Errorf("%s: %w", name, res.Err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return models.ErrorResult(err, summaries)
	}
	return models.SuccessResult(summaries)
}

// PlanTarget classifies one target without writing (dry run).
func (s *Service) PlanTarget(ctx context.Context, name string, opts Options) models.Result[*Plan] {
	strategy, err := s.Strategy(name)
	if err != nil {
		return models.ErrorResult[*Plan](err, nil)
	}

	ctx, _, err = s.auth.EnsureAuthenticated(ctx)
	if err != nil {
		return models.ErrorResult[*Plan](fmt.Errorf("authentication failed: %w", err), nil)
	}

	plan, err := s.engine.Plan(ctx, strategy, opts)
	if err != nil {
		return models.ErrorResult[*Plan](err, nil)
	}
	return models.SuccessResult(plan)
}

// TargetStatus describes the stored state of one target.
type TargetStatus struct {
	Target       string    `json:"target"`
	LastFullSync time.Time `json:"last_full_sync"`
	Tracked      int       `json:"tracked"`
	BrokenChains []string  `json:"broken_chains,omitempty"`
}

// Status reports every target that has stored state. With verify set each
// expense's change log is recomputed.
func (s *Service) Status(ctx context.Context, verify bool) models.Result[[]TargetStatus] {
	targets, err := s.state.Targets(ctx)
	if err != nil {
		return models.ErrorResult[[]TargetStatus](err, nil)
	}
	sort.Strings(targets)

	var out []TargetStatus
	var errs []error
	for _, target := range targets {
		meta, err := s.state.LoadMetadata(ctx, target)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}

		ts := TargetStatus{Target: target, LastFullSync: meta.LastFullSync, Tracked: meta.StateCount()}
		if verify {
			for _, st := range meta.States {
				if err := s.state.VerifyChain(ctx, target, st.ExpenseID); err != nil {
					ts.BrokenChains = append(ts.BrokenChains, st.ExpenseID)
					errs = append(errs, err)
				}
			}
		}
		out = append(out, ts)
	}

	if err := errors.Join(errs...); err != nil {
		return models.ErrorResult(err, out)
	}
	return models.SuccessResult(out)
}

// Reset forgets all sync state of a registered target, forcing the next run
// to treat every expense as new.
func (s *Service) Reset(ctx context.Context, name string) error {
	target := name
	if strategy, ok := s.targets[name]; ok {
		target = strategy.Target()
	}
	s.logger.WithField("target", target).Warn("Resetting sync state")
	return s.state.Reset(ctx, target)
}

// GetProgress returns sync progress.
func (s *Service) GetProgress() models.SyncProgress {
	return s.engine.GetProgress()
}

// Events returns the event channel.
func (s *Service) Events() <-chan Event {
	return s.engine.Events()
}

// Cancel stops an ongoing sync.
func (s *Service) Cancel() {
	s.engine.Cancel()
}
