// Package client wires the ledger, the sync state and the sync targets into
// one handle for the CLI.
package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/TheMichaelB/expensync/internal/cloud"
	"github.com/TheMichaelB/expensync/internal/config"
	"github.com/TheMichaelB/expensync/internal/database"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/imaging"
	"github.com/TheMichaelB/expensync/internal/ledger"
	"github.com/TheMichaelB/expensync/internal/models"
	"github.com/TheMichaelB/expensync/internal/resilience"
	"github.com/TheMichaelB/expensync/internal/services/auth"
	"github.com/TheMichaelB/expensync/internal/services/sync"
	"github.com/TheMichaelB/expensync/internal/sheets"
	"github.com/TheMichaelB/expensync/internal/state"
	"github.com/TheMichaelB/expensync/internal/storage"
	"github.com/TheMichaelB/expensync/internal/transport"
)

// Target names accepted by the sync commands.
const (
	TargetCloud  = "cloud"
	TargetSheets = "sheets"
)

// Client provides the high-level API for expensync operations.
type Client struct {
	Expenses *ledger.ExpenseRepository
	Budgets  *ledger.BudgetRepository
	Assets   *ledger.AssetRepository
	Auth     *auth.Service
	Sync     *sync.Service
	State    state.Store
	Images   storage.BlobStore

	config *config.Config
	logger *events.Logger
	db     *sql.DB
	exec   *resilience.Executor
	http   *http.Client
}

// New opens the ledger and registers every enabled sync target. A spreadsheet
// target without a saved OAuth token is skipped with a warning.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	images, err := storage.NewLocalStore(cfg.Storage.ImageDir, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	images.SetMaxFileSize(cfg.Storage.MaxImageSize)

	expenses := ledger.NewExpenseRepository(db)
	stateStore := state.NewSQLiteStore(db, logger)
	authService := auth.NewService(cfg.Auth.SessionFile, logger)

	engine := sync.NewEngine(expenses, stateStore, images, sync.Config{
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		Image:         ImageOptions(cfg.Sync),
	}, logger)

	c := &Client{
		Expenses: expenses,
		Budgets:  ledger.NewBudgetRepository(db, expenses),
		Assets:   ledger.NewAssetRepository(db),
		Auth:     authService,
		Sync:     sync.NewService(authService, engine, stateStore, logger),
		State:    stateStore,
		Images:   images,
		config:   cfg,
		logger:   logger.WithField("component", "client"),
		db:       db,
		exec:     resilience.NewExecutor(resilience.PolicyFromConfig(cfg.Sync), logger),
		http:     transport.NewHTTPClient(cfg.Sync.RequestTimeout, logger),
	}

	if err := c.registerTargets(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) registerTargets(ctx context.Context) error {
	if c.config.Cloud.Enabled {
		strategy, err := cloud.NewDocumentStrategy(ctx, c.config.Cloud, c.http, c.exec, c.logger)
		if err != nil {
			return fmt.Errorf("cloud target: %w", err)
		}
		c.Sync.Register(TargetCloud, strategy)
	}

	if c.config.Sheets.Enabled {
		api, err := sheets.NewGoogleAPI(ctx, c.config.Sheets, c.http)
		switch {
		case errors.Is(err, sheets.ErrNoToken):
			c.logger.Warn("Spreadsheet target has no OAuth token yet; run sheets-auth")
		case err != nil:
			return fmt.Errorf("sheets target: %w", err)
		default:
			c.Sync.Register(TargetSheets, sheets.NewStrategy(api, c.config.Sheets, c.exec, c.logger))
		}
	}

	return nil
}

// ImageOptions maps sync settings to compression options.
func ImageOptions(cfg config.SyncConfig) imaging.Options {
	return imaging.Options{
		TargetBytes:  cfg.ImageTargetBytes,
		MaxDimension: cfg.ImageMaxDimension,
		MinDimension: cfg.ImageMinDimension,
		StartQuality: cfg.ImageQuality,
		MinQuality:   cfg.ImageMinQuality,
		QualityStep:  cfg.ImageQualityStep,
	}
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *config.Config {
	return c.config
}

// AddExpense stores e, first copying the receipt at imageSrc into the image
// store when one is given.
func (c *Client) AddExpense(ctx context.Context, e *models.Expense, imageSrc string) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if imageSrc != "" {
		rel, err := c.Images.Import(e.ID, imageSrc)
		if err != nil {
			return fmt.Errorf("import receipt: %w", err)
		}
		e.ImagePath = rel
	}

	if err := c.Expenses.Create(ctx, e); err != nil {
		if e.ImagePath != "" {
			_ = c.Images.Delete(e.ImagePath)
		}
		return err
	}

	c.logger.WithField("expense_id", e.ID).Info("Expense added")
	return nil
}

// EditExpense saves e. A non-empty imageSrc replaces the receipt; the old
// file is removed once the row is updated.
func (c *Client) EditExpense(ctx context.Context, e *models.Expense, imageSrc string) error {
	oldImage := e.ImagePath

	if imageSrc != "" {
		rel, err := c.Images.Import(e.ID, imageSrc)
		if err != nil {
			return fmt.Errorf("import receipt: %w", err)
		}
		e.ImagePath = rel
	}

	if err := c.Expenses.Update(ctx, e); err != nil {
		if e.ImagePath != oldImage {
			_ = c.Images.Delete(e.ImagePath)
			e.ImagePath = oldImage
		}
		return err
	}

	if oldImage != "" && oldImage != e.ImagePath {
		if err := c.Images.Delete(oldImage); err != nil {
			c.logger.WithError(err).WithField("path", oldImage).Warn("Failed to remove replaced receipt")
		}
	}
	return nil
}

// DeleteExpense removes an expense and its receipt. Remote copies are
// removed by the next sync.
func (c *Client) DeleteExpense(ctx context.Context, id string) error {
	e, err := c.Expenses.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := c.Expenses.Delete(ctx, id); err != nil {
		return err
	}

	if e.ImagePath != "" {
		if err := c.Images.Delete(e.ImagePath); err != nil {
			c.logger.WithError(err).WithField("path", e.ImagePath).Warn("Failed to remove receipt")
		}
	}
	return nil
}

// Close releases the database.
func (c *Client) Close() error {
	return c.db.Close()
}
