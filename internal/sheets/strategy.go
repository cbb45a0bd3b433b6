package sheets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/TheMichaelB/expensync/internal/cloud"
	"github.com/TheMichaelB/expensync/internal/config"
	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
	"github.com/TheMichaelB/expensync/internal/resilience"
)

// Header is the first row of every year tab.
var Header = []interface{}{"ID", "Date", "Amount", "Tag", "Destination Amount", "Destination Currency", "Note", "Receipt", "Updated"}

const (
	lastColumn  = "I"
	updatedTime = "2006-01-02T15:04:05.000Z07:00"
	driveURL    = "https://drive.google.com/file/d/"
)

var _ cloud.Strategy = (*Strategy)(nil)

var rangeRow = regexp.MustCompile(`![A-Z]+(\d+)(?::[A-Z]+\d+)?$`)

// Strategy syncs expenses into "<prefix> <year>" tabs of one spreadsheet.
type Strategy struct {
	api      API
	id       string
	prefix   string
	folderID string
	exec     *resilience.Executor
	limiter  *rate.Limiter
	logger   *events.Logger

	tabs    map[string]bool
	lastRow map[string]int // last used row per tab
}

// NewStrategy creates a spreadsheet target.
func NewStrategy(api API, cfg config.SheetsConfig, exec *resilience.Executor, logger *events.Logger) *Strategy {
	wpm := cfg.WritesPerMinute
	if wpm <= 0 {
		wpm = 60
	}
	prefix := strings.TrimSpace(cfg.TabPrefix)
	if prefix == "" {
		prefix = "Expenses"
	}

	return &Strategy{
		api:      api,
		id:       cfg.SpreadsheetID,
		prefix:   prefix,
		folderID: cfg.DriveFolderID,
		exec:     exec,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(wpm)), 1),
		logger:   logger.WithField("component", "sheets_strategy").WithField("spreadsheet", cfg.SpreadsheetID),
		tabs:     make(map[string]bool),
		lastRow:  make(map[string]int),
	}
}

// Target implements cloud.Strategy.
func (s *Strategy) Target() string {
	return "sheets:" + s.id
}

// TabName returns the tab holding expenses of year.
func (s *Strategy) TabName(year int) string {
	return fmt.Sprintf("%s %d", s.prefix, year)
}

// Connect checks the spreadsheet is reachable and loads its tabs.
func (s *Strategy) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return models.ErrNotAuthenticated
	}
	return s.loadTabs(ctx)
}

func (s *Strategy) loadTabs(ctx context.Context) error {
	var titles []string
	err := s.exec.Do(ctx, "sheets", "get_spreadsheet", func(ctx context.Context) error {
		var err error
		titles, err = s.api.SheetTitles(ctx, s.id)
		return err
	})
	if err != nil {
		return err
	}

	s.tabs = make(map[string]bool, len(titles))
	s.lastRow = make(map[string]int)
	for _, t := range titles {
		s.tabs[t] = true
	}
	return nil
}

func (s *Strategy) yearTabs() []string {
	var out []string
	for t := range s.tabs {
		rest, ok := strings.CutPrefix(t, s.prefix+" ")
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(rest); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// FetchRemote reads every year tab. The ref of a record is its row range.
func (s *Strategy) FetchRemote(ctx context.Context) (map[string]cloud.RemoteRecord, error) {
	remote := make(map[string]cloud.RemoteRecord)

	for _, tab := range s.yearTabs() {
		var rows [][]interface{}
		err := s.exec.Do(ctx, "sheets", "get_values", func(ctx context.Context) error {
			var err error
			rows, err = s.api.GetValues(ctx, s.id, quoteTab(tab)+"!A2:"+lastColumn)
			return err
		})
		if err != nil {
			return nil, err
		}

		s.lastRow[tab] = len(rows) + 1

		for i, row := range rows {
			id := cell(row, 0)
			if id == "" {
				continue
			}
			if _, dup := remote[id]; dup {
				s.logger.WithField("expense_id", id).Warn("Duplicate expense row, keeping the first")
				continue
			}
			rec := cloud.RemoteRecord{
				ExpenseID: id,
				ImageURL:  cell(row, 7),
				Ref:       rowRef(tab, i+2),
			}
			if ts, err := time.Parse(updatedTime, cell(row, 8)); err == nil {
				rec.UpdatedAt = ts
			}
			remote[id] = rec
		}
	}

	s.logger.WithField("rows", len(remote)).Debug("Fetched spreadsheet rows")
	return remote, nil
}

// Prepare creates the year tabs the batch needs, each with a header row.
func (s *Strategy) Prepare(ctx context.Context, batch cloud.Batch) error {
	for _, year := range batch.Years() {
		tab := s.TabName(year)
		if s.tabs[tab] {
			continue
		}

		if err := s.write(ctx, "add_sheet", func(ctx context.Context) error {
			return s.api.AddSheet(ctx, s.id, tab)
		}); err != nil {
			return fmt.Errorf("create tab %s: %w", tab, err)
		}
		if err := s.write(ctx, "write_header", func(ctx context.Context) error {
			return s.api.UpdateValues(ctx, s.id, rowRef(tab, 1), [][]interface{}{Header})
		}); err != nil {
			return fmt.Errorf("write header of %s: %w", tab, err)
		}

		s.tabs[tab] = true
		s.lastRow[tab] = 1
		s.logger.WithField("tab", tab).Info("Created year tab")
	}
	return nil
}

// UploadImage stores the receipt in Drive.
func (s *Strategy) UploadImage(ctx context.Context, expenseID, name string, data []byte) (string, error) {
	var fileID string
	err := s.write(ctx, "upload_file", func(ctx context.Context) error {
		var err error
		fileID, err = s.api.UploadFile(ctx, s.folderID, expenseID+"-"+name, "image/jpeg", data)
		return err
	})
	if err != nil {
		return "", err
	}
	return driveURL + fileID + "/view", nil
}

// DeleteImage removes a Drive receipt.
func (s *Strategy) DeleteImage(ctx context.Context, url string) error {
	rest, ok := strings.CutPrefix(url, driveURL)
	fileID, _, _ := strings.Cut(rest, "/")
	if !ok || fileID == "" {
		return fmt.Errorf("not a drive file url: %s", url)
	}
	return s.write(ctx, "delete_file", func(ctx context.Context) error {
		return s.api.DeleteFile(ctx, fileID)
	})
}

// Commit clears deleted and moved rows, updates rows found in the remote
// listing in place, then writes new rows after the last used row of each
// tab. Cleared rows stay blank so the refs of other rows remain valid.
func (s *Strategy) Commit(ctx context.Context, batch cloud.Batch) (*cloud.CommitResult, error) {
	result := cloud.NewCommitResult()
	var errs []error

	var inPlace []cloud.Upsert
	appends := make(map[string][]cloud.Upsert)
	var order []string
	queue := func(tab string, u cloud.Upsert) {
		if _, seen := appends[tab]; !seen {
			order = append(order, tab)
		}
		appends[tab] = append(appends[tab], u)
	}

	for _, u := range batch.Upserts {
		tab := s.TabName(u.Expense.Year())
		if u.Create || u.Ref == "" {
			queue(tab, u)
			continue
		}

		refTab, _, ok := parseRef(u.Ref)
		if ok && refTab == tab {
			inPlace = append(inPlace, u)
			continue
		}

		if err := s.clear(ctx, u.Ref); err != nil {
			errs = append(errs, &models.ItemError{ExpenseID: u.Expense.ID, Op: "move_row", Err: err})
			continue
		}
		queue(tab, u)
	}

	for _, d := range batch.Deletes {
		if d.Ref != "" {
			if err := s.clear(ctx, d.Ref); err != nil {
				errs = append(errs, &models.ItemError{ExpenseID: d.ExpenseID, Op: "delete_row", Err: err})
				continue
			}
		}
		result.Deleted = append(result.Deleted, d.ExpenseID)
	}

	for _, u := range inPlace {
		row := toRow(u)
		err := s.write(ctx, "update_row", func(ctx context.Context) error {
			return s.api.UpdateValues(ctx, s.id, u.Ref, [][]interface{}{row})
		})
		if err != nil {
			errs = append(errs, &models.ItemError{ExpenseID: u.Expense.ID, Op: "update_row", Err: err})
			continue
		}
		result.Upserted[u.Expense.ID] = u.Ref
	}

	for _, tab := range order {
		if err := s.appendRows(ctx, tab, appends[tab], result); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"upserted": len(result.Upserted),
		"deleted":  len(result.Deleted),
	}).Info("Committed spreadsheet rows")

	return result, errors.Join(errs...)
}

func (s *Strategy) clear(ctx context.Context, ref string) error {
	return s.write(ctx, "clear_row", func(ctx context.Context) error {
		return s.api.ClearValues(ctx, s.id, ref)
	})
}

// appendRows writes ups below the last used row of tab.
func (s *Strategy) appendRows(ctx context.Context, tab string, ups []cloud.Upsert, result *cloud.CommitResult) error {
	first, err := s.nextRow(ctx, tab)
	if err != nil {
		return fmt.Errorf("find free row in %s: %w", tab, err)
	}

	rows := make([][]interface{}, len(ups))
	for i, u := range ups {
		rows[i] = toRow(u)
	}
	last := first + len(rows) - 1

	err = s.write(ctx, "append_rows", func(ctx context.Context) error {
		return s.api.UpdateValues(ctx, s.id, rowsRef(tab, first, last), rows)
	})
	if err != nil {
		return fmt.Errorf("append %d rows to %s: %w", len(rows), tab, err)
	}

	s.lastRow[tab] = last
	for i, u := range ups {
		result.Upserted[u.Expense.ID] = rowRef(tab, first+i)
	}
	return nil
}

// nextRow is the first row after the used part of tab, as seen by the last
// listing. A tab not listed yet is read once.
func (s *Strategy) nextRow(ctx context.Context, tab string) (int, error) {
	if last, ok := s.lastRow[tab]; ok {
		return last + 1, nil
	}

	var rows [][]interface{}
	err := s.exec.Do(ctx, "sheets", "get_values", func(ctx context.Context) error {
		var err error
		rows, err = s.api.GetValues(ctx, s.id, quoteTab(tab)+"!A1:"+lastColumn)
		return err
	})
	if err != nil {
		return 0, err
	}

	last := max(len(rows), 1)
	s.lastRow[tab] = last
	return last + 1, nil
}

// write waits for the rate limiter before running a mutating call.
func (s *Strategy) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.exec.Do(ctx, "sheets", op, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return resilience.Permanent(err)
		}
		return fn(ctx)
	})
}

func toRow(u cloud.Upsert) []interface{} {
	e := u.Expense
	var destAmount interface{} = ""
	if e.DestinationAmount != nil {
		destAmount = *e.DestinationAmount
	}
	return []interface{}{
		e.ID,
		e.Timestamp.Format("2006-01-02 15:04"),
		e.Amount,
		e.Tag,
		destAmount,
		e.DestinationCurrency,
		e.Note,
		u.ImageURL,
		e.UpdatedAt.UTC().Format(updatedTime),
	}
}

func cell(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[i]))
}

func quoteTab(tab string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'"
}

func rowRef(tab string, row int) string {
	return rowsRef(tab, row, row)
}

func rowsRef(tab string, first, last int) string {
	return fmt.Sprintf("%s!A%d:%s%d", quoteTab(tab), first, lastColumn, last)
}

// parseRef splits an A1 range into its tab and first row.
func parseRef(ref string) (string, int, bool) {
	i := strings.LastIndex(ref, "!")
	if i <= 0 {
		return "", 0, false
	}
	tab := ref[:i]
	if strings.HasPrefix(tab, "'") && strings.HasSuffix(tab, "'") && len(tab) >= 2 {
		tab = strings.ReplaceAll(tab[1:len(tab)-1], "''", "'")
	}

	m := rangeRow.FindStringSubmatch(ref[i:])
	if m == nil {
		return "", 0, false
	}
	row, err := strconv.Atoi(m[1])
	if err != nil {
		return "", 0, false
	}
	return tab, row, true
}
