package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/expensync/internal/cloud"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/imaging"
	"github.com/TheMichaelB/expensync/internal/models"
	"github.com/TheMichaelB/expensync/internal/state"
	"github.com/TheMichaelB/expensync/internal/storage"
)

// ExpenseSource lists the local ledger.
type ExpenseSource interface {
	All(ctx context.Context) ([]*models.Expense, error)
}

// Engine implements the sync algorithm.
type Engine struct {
	expenses ExpenseSource
	state    state.Store
	blobs    storage.BlobStore
	logger   *events.Logger

	// Configuration
	maxConcurrent int
	imageOpts     imaging.Options

	// Progress tracking
	progress atomic.Value // models.SyncProgress
	events   chan Event

	// Sync state
	mu       sync.Mutex
	syncing  bool
	cancelFn context.CancelFunc
}

// Event represents a sync event.
type Event struct {
	Type      EventType            `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Target    string               `json:"target"`
	ExpenseID string               `json:"expense_id,omitempty"`
	Error     string               `json:"error,omitempty"`
	Progress  *models.SyncProgress `json:"progress,omitempty"`
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted      EventType = "started"
	EventStep         EventType = "step"
	EventItemSynced   EventType = "item_synced"
	EventItemSkipped  EventType = "item_skipped"
	EventItemFailed   EventType = "item_failed"
	EventImageCleanup EventType = "image_cleanup_failed"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
)

// Config contains engine configuration.
type Config struct {
	MaxConcurrent int
	Image         imaging.Options
}

// Options configures one sync run.
type Options struct {
	Full bool // rewrite every expense regardless of stored hashes
}

// Summary counts what a run did.
type Summary struct {
	Target         string        `json:"target"`
	Created        int           `json:"created"`
	Updated        int           `json:"updated"`
	Unchanged      int           `json:"unchanged"`
	Stale          int           `json:"stale"`
	Deleted        int           `json:"deleted"`
	Failed         int           `json:"failed"`
	ImagesUploaded int           `json:"images_uploaded"`
	Duration       time.Duration `json:"duration"`
}

// NewEngine creates a sync engine.
func NewEngine(expenses ExpenseSource, st state.Store, blobs storage.BlobStore, cfg Config, logger *events.Logger) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	e := &Engine{
		expenses:      expenses,
		state:         st,
		blobs:         blobs,
		logger:        logger.WithField("component", "sync_engine"),
		maxConcurrent: cfg.MaxConcurrent,
		imageOpts:     cfg.Image,
		events:        make(chan Event, 256),
	}
	e.progress.Store(models.SyncProgress{Step: models.StepIdle})
	return e
}

// Events returns the event channel. Events are dropped when nobody reads.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// GetProgress returns current progress.
func (e *Engine) GetProgress() models.SyncProgress {
	return e.progress.Load().(models.SyncProgress)
}

// IsSyncing reports whether a run is active.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// Cancel stops an ongoing sync.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelFn != nil {
		e.logger.Info("Cancelling sync")
		e.cancelFn()
	}
}

// Plan classifies the ledger against a target without writing anything.
func (e *Engine) Plan(ctx context.Context, strategy cloud.Strategy, opts Options) (*Plan, error) {
	userID := events.GetUserID(ctx)
	if userID == "" {
		return nil, models.ErrNotAuthenticated
	}
	if err := strategy.Connect(ctx, userID); err != nil {
		return nil, fmt.Errorf("connect %s: %w", strategy.Target(), err)
	}
	return e.plan(ctx, strategy, opts)
}

func (e *Engine) plan(ctx context.Context, strategy cloud.Strategy, opts Options) (*Plan, error) {
	target := strategy.Target()

	local, err := e.expenses.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}

	states := map[string]*models.SyncState{}
	meta, err := e.state.LoadMetadata(ctx, target)
	switch {
	case err == nil:
		states = meta.Index()
	case errors.Is(err, state.ErrStateNotFound):
	default:
		return nil, fmt.Errorf("load state: %w", err)
	}

	remote, err := strategy.FetchRemote(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch remote: %w", err)
	}

	return BuildPlan(target, local, states, remote, opts.Full), nil
}

// upload is the image work of one upsert.
type upload struct {
	item   PlanItem
	oldURL string
	newURL string
}

// Sync pushes the ledger to one target. Per-expense failures do not stop
// the run; they are joined into the returned error and the failed expenses
// keep their previous state so the next run retries them.
func (e *Engine) Sync(ctx context.Context, strategy cloud.Strategy, opts Options) (*Summary, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, models.ErrSyncInProgress
	}
	e.syncing = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.syncing = false
		e.cancelFn = nil
		e.mu.Unlock()
	}()

	target := strategy.Target()
	ctx = events.WithTarget(ctx, target)
	logger := events.FromContext(ctx).WithField("component", "sync_engine")
	start := time.Now()
	summary := &Summary{Target: target}

	e.setProgress(models.SyncProgress{Target: target, Step: models.StepConnecting})
	e.emitEvent(Event{Type: EventStarted, Target: target})
	logger.WithField("full", opts.Full).Info("Starting sync")

	userID := events.GetUserID(ctx)
	if userID == "" {
		return nil, e.fail(target, models.StepConnecting, models.ErrCodeAuth, models.ErrNotAuthenticated)
	}
	if err := strategy.Connect(ctx, userID); err != nil {
		return nil, e.fail(target, models.StepConnecting, codeFor(err), err)
	}

	e.step(target, models.StepFetching, 0)
	plan, err := e.plan(ctx, strategy, opts)
	if err != nil {
		return nil, e.fail(target, models.StepFetching, codeFor(err), err)
	}

	summary.Unchanged = plan.Count(ActionUnchanged)
	summary.Stale = plan.Count(ActionStale)
	for _, it := range plan.Items {
		switch it.Action {
		case ActionUnchanged:
			e.emitEvent(Event{Type: EventItemSkipped, Target: target, ExpenseID: it.ExpenseID})
		case ActionStale:
			logger.WithField("expense_id", it.ExpenseID).Warn("Remote copy is newer, skipping")
			e.emitEvent(Event{Type: EventItemSkipped, Target: target, ExpenseID: it.ExpenseID, Error: models.ErrRemoteNewer.Error()})
		}
	}

	var itemErrs []error
	var upserts []PlanItem
	var deletes []PlanItem
	for _, it := range plan.Pending() {
		if it.Action == ActionDelete {
			deletes = append(deletes, it)
		} else {
			upserts = append(upserts, it)
		}
	}

	if len(upserts) == 0 && len(deletes) == 0 {
		return e.finish(ctx, target, summary, start, nil)
	}

	draft := cloud.Batch{}
	for _, it := range upserts {
		draft.Upserts = append(draft.Upserts, cloud.Upsert{Expense: it.Expense})
	}
	e.step(target, models.StepCreatingSheets, 0)
	if err := strategy.Prepare(ctx, draft); err != nil {
		return summary, e.fail(target, models.StepCreatingSheets, codeFor(err), err)
	}

	e.step(target, models.StepUploadingImages, len(upserts))
	uploads, failed := e.uploadImages(ctx, strategy, upserts)
	summary.ImagesUploaded = countUploaded(uploads)
	for id, err := range failed {
		itemErrs = append(itemErrs, &models.ItemError{ExpenseID: id, Op: "upload_image", Err: err})
		e.emitEvent(Event{Type: EventItemFailed, Target: target, ExpenseID: id, Error: err.Error()})
	}
	if err := ctx.Err(); err != nil {
		e.discardUploads(context.WithoutCancel(ctx), strategy, uploads)
		return summary, e.fail(target, models.StepUploadingImages, models.ErrCodeNetwork, err)
	}

	batch := cloud.Batch{}
	for _, u := range uploads {
		batch.Upserts = append(batch.Upserts, cloud.Upsert{
			Expense:     u.item.Expense,
			ContentHash: u.item.ContentHash,
			ImageURL:    u.newURL,
			Ref:         u.item.Ref(),
			Create:      u.item.Action == ActionCreate,
		})
	}
	for _, it := range deletes {
		batch.Deletes = append(batch.Deletes, cloud.Delete{ExpenseID: it.ExpenseID, Ref: it.Ref(), ImageURL: it.ImageURL()})
	}

	e.step(target, models.StepSyncingExpenses, len(batch.Upserts)+len(batch.Deletes))
	result, commitErr := strategy.Commit(ctx, batch)
	if result == nil {
		if commitErr == nil {
			commitErr = errors.New("commit returned no result")
		}
		e.discardUploads(context.WithoutCancel(ctx), strategy, uploads)
		return summary, e.fail(target, models.StepSyncingExpenses, codeFor(commitErr), commitErr)
	}
	if commitErr != nil {
		itemErrs = append(itemErrs, commitErr)
	}

	saveErr := e.applyResult(ctx, strategy, uploads, deletes, result, summary)
	if saveErr != nil {
		itemErrs = append(itemErrs, saveErr)
	}
	for id, err := range result.Rejected {
		if !errors.Is(err, models.ErrRemoteNewer) {
			itemErrs = append(itemErrs, &models.ItemError{ExpenseID: id, Op: "commit", Err: err})
		}
	}

	summary.Failed += len(failed)
	return e.finish(ctx, target, summary, start, errors.Join(itemErrs...))
}

// uploadImages compresses and uploads receipts with bounded concurrency.
// Expenses whose image could not be uploaded are returned in failed and left
// out of the batch.
func (e *Engine) uploadImages(ctx context.Context, strategy cloud.Strategy, items []PlanItem) ([]*upload, map[string]error) {
	uploads := make([]*upload, len(items))
	failed := make(map[string]error)
	var mu sync.Mutex
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)

	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			u := &upload{item: it, oldURL: it.ImageURL()}
			err := e.uploadOne(gctx, strategy, u)

			mu.Lock()
			if err != nil {
				failed[it.ExpenseID] = err
			} else {
				uploads[i] = u
			}
			mu.Unlock()

			n := int(done.Add(1))
			e.advance(n, it.ExpenseID)
			return nil
		})
	}
	_ = g.Wait()

	out := uploads[:0]
	for _, u := range uploads {
		if u != nil {
			out = append(out, u)
		}
	}
	return out, failed
}

func (e *Engine) uploadOne(ctx context.Context, strategy cloud.Strategy, u *upload) error {
	exp := u.item.Expense
	if !exp.HasImage() {
		return nil
	}
	if u.item.Action == ActionUpdate && u.oldURL != "" && !imageChanged(u.item) {
		u.newURL = u.oldURL
		return nil
	}

	raw, err := e.blobs.Read(exp.ImagePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", exp.ImagePath, err)
	}

	compressed, err := imaging.Compress(raw, e.imageOpts)
	if err != nil {
		return fmt.Errorf("compress %s: %w", exp.ImagePath, err)
	}
	if !compressed.WithinCap {
		events.FromContext(ctx).WithFields(map[string]interface{}{
			"expense_id": exp.ID,
			"bytes":      len(compressed.Data),
		}).Warn("Image still above size target after compression")
	}

	url, err := strategy.UploadImage(ctx, exp.ID, cloud.ImageName(compressed.Data), compressed.Data)
	if err != nil {
		return err
	}
	u.newURL = url
	return nil
}

// imageChanged reports whether an update must re-upload its receipt. The
// content hash covers the image path, so only a path change counts.
func imageChanged(it PlanItem) bool {
	if it.State == nil || it.State.ImageURL == "" {
		return true
	}
	return it.State.ImagePath != it.Expense.ImagePath
}

// applyResult saves state for what the target accepted and cleans up
// replaced or deleted images.
func (e *Engine) applyResult(ctx context.Context, strategy cloud.Strategy, uploads []*upload, deletes []PlanItem, result *cloud.CommitResult, summary *Summary) error {
	target := strategy.Target()
	now := time.Now().UTC()

	var states []*models.SyncState
	var orphanedImages []string
	for _, u := range uploads {
		id := u.item.ExpenseID
		ref, ok := result.Upserted[id]
		if !ok {
			if errors.Is(result.Rejected[id], models.ErrRemoteNewer) {
				summary.Stale++
				e.emitEvent(Event{Type: EventItemSkipped, Target: target, ExpenseID: id, Error: models.ErrRemoteNewer.Error()})
			} else {
				summary.Failed++
			}
			// Not written: drop the freshly uploaded image.
			if u.newURL != "" && u.newURL != u.oldURL {
				orphanedImages = append(orphanedImages, u.newURL)
			}
			continue
		}

		st := &models.SyncState{
			Target:      target,
			ExpenseID:   id,
			LastSynced:  now,
			ImageURL:    u.newURL,
			ImagePath:   u.item.Expense.ImagePath,
			ContentHash: u.item.ContentHash,
		}
		if ref != id {
			st.SheetRef = ref
		}
		states = append(states, st)

		if u.oldURL != "" && u.oldURL != u.newURL {
			orphanedImages = append(orphanedImages, u.oldURL)
		}
		if u.item.Action == ActionCreate {
			summary.Created++
		} else {
			summary.Updated++
		}
		e.emitEvent(Event{Type: EventItemSynced, Target: target, ExpenseID: id})
	}

	var errs []error
	if err := e.state.Save(ctx, target, states...); err != nil {
		errs = append(errs, fmt.Errorf("save state: %w", err))
	}

	deleted := make(map[string]bool, len(result.Deleted))
	for _, id := range result.Deleted {
		deleted[id] = true
	}
	var deletedIDs []string
	for _, it := range deletes {
		if !deleted[it.ExpenseID] {
			summary.Failed++
			continue
		}
		summary.Deleted++
		if it.State != nil {
			deletedIDs = append(deletedIDs, it.ExpenseID)
		}
		if url := it.ImageURL(); url != "" {
			orphanedImages = append(orphanedImages, url)
		}
		e.emitEvent(Event{Type: EventItemSynced, Target: target, ExpenseID: it.ExpenseID})
	}
	if err := e.state.Delete(ctx, target, deletedIDs...); err != nil {
		errs = append(errs, fmt.Errorf("delete state: %w", err))
	}

	for _, url := range orphanedImages {
		e.deleteImage(ctx, strategy, url)
	}

	return errors.Join(errs...)
}

// discardUploads removes receipts uploaded by a run that commits nothing.
func (e *Engine) discardUploads(ctx context.Context, strategy cloud.Strategy, uploads []*upload) {
	for _, u := range uploads {
		if u.newURL != "" && u.newURL != u.oldURL {
			e.deleteImage(ctx, strategy, u.newURL)
		}
	}
}

// deleteImage is best effort: failures are logged and reported as events.
func (e *Engine) deleteImage(ctx context.Context, strategy cloud.Strategy, url string) {
	if err := strategy.DeleteImage(ctx, url); err != nil {
		events.FromContext(ctx).WithError(err).WithField("url", url).Warn("Failed to delete old image")
		e.emitEvent(Event{Type: EventImageCleanup, Target: strategy.Target(), Error: err.Error()})
	}
}

func (e *Engine) finish(ctx context.Context, target string, summary *Summary, start time.Time, itemErr error) (*Summary, error) {
	if itemErr == nil {
		if err := e.state.MarkFullSync(ctx, target, time.Now().UTC()); err != nil {
			itemErr = fmt.Errorf("mark full sync: %w", err)
		}
	}
	summary.Duration = time.Since(start)

	progress := e.GetProgress()
	progress.Target = target
	progress.Step = models.StepCompleted
	progress.CurrentItem = ""
	if itemErr != nil {
		progress.Errors = splitErrors(itemErr)
	}
	e.setProgress(progress)
	e.emitEvent(Event{Type: EventCompleted, Target: target, Progress: &progress})

	events.FromContext(ctx).WithFields(map[string]interface{}{
		"created":   summary.Created,
		"updated":   summary.Updated,
		"unchanged": summary.Unchanged,
		"stale":     summary.Stale,
		"deleted":   summary.Deleted,
		"failed":    summary.Failed,
		"duration":  summary.Duration.String(),
	}).Info("Sync completed")

	return summary, itemErr
}

func (e *Engine) fail(target string, step models.SyncStep, code string, err error) error {
	serr := &models.SyncError{Code: code, Step: step, Target: target, Err: err}

	progress := e.GetProgress()
	progress.Target = target
	progress.Step = models.StepError
	progress.Errors = append(progress.Errors, serr.Error())
	e.setProgress(progress)

	e.emitEvent(Event{Type: EventFailed, Target: target, Error: serr.Error(), Progress: &progress})
	e.logger.WithError(serr).Error("Sync failed")
	return serr
}

func (e *Engine) step(target string, step models.SyncStep, total int) {
	p := models.SyncProgress{Target: target, Step: step, Total: total, Errors: e.GetProgress().Errors}
	e.setProgress(p)
	e.emitEvent(Event{Type: EventStep, Target: target, Progress: &p})
}

func (e *Engine) advance(completed int, item string) {
	e.mu.Lock()
	p := e.GetProgress()
	if completed > p.Completed {
		p.Completed = completed
	}
	p.CurrentItem = item
	e.progress.Store(p)
	e.mu.Unlock()

	e.emitEvent(Event{Type: EventStep, Target: p.Target, ExpenseID: item, Progress: &p})
}

func (e *Engine) setProgress(p models.SyncProgress) {
	e.progress.Store(p)
}

func (e *Engine) emitEvent(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
	default:
		// Channel full, drop event
		e.logger.Debug("Event channel full, dropping event")
	}
}

func codeFor(err error) string {
	var verr *models.ValidationError
	var perr *models.ProviderError
	switch {
	case errors.Is(err, models.ErrNotAuthenticated):
		return models.ErrCodeAuth
	case errors.As(err, &verr):
		return models.ErrCodeValidation
	case errors.Is(err, models.ErrRemoteNewer):
		return models.ErrCodeConflict
	case errors.As(err, &perr):
		return models.ErrCodeProvider
	case errors.Is(err, state.ErrStateCorrupt):
		return models.ErrCodeState
	default:
		return models.ErrCodeNetwork
	}
}

func countUploaded(uploads []*upload) int {
	n := 0
	for _, u := range uploads {
		if u.newURL != "" && u.newURL != u.oldURL {
			n++
		}
	}
	return n
}

func splitErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	return []string{strings.TrimSpace(err.Error())}
}
