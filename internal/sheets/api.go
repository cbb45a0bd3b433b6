// Package sheets pushes the ledger to a Google spreadsheet with one tab per
// calendar year and receipts in a Drive folder.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/TheMichaelB/expensync/internal/config"
)

// API is the part of Sheets and Drive the strategy needs.
type API interface {
	SheetTitles(ctx context.Context, spreadsheetID string) ([]string, error)
	AddSheet(ctx context.Context, spreadsheetID, title string) error
	GetValues(ctx context.Context, spreadsheetID, rng string) ([][]interface{}, error)
	UpdateValues(ctx context.Context, spreadsheetID, rng string, rows [][]interface{}) error
	ClearValues(ctx context.Context, spreadsheetID, rng string) error
	UploadFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// Scopes requested for user and service account credentials.
var Scopes = []string{gsheets.SpreadsheetsScope, drive.DriveFileScope}

type googleAPI struct {
	sheets *gsheets.Service
	drive  *drive.Service
}

// NewGoogleAPI authenticates with the configured credentials file. A service
// account key is used directly; an OAuth client needs a token saved by
// AuthorizeInteractive. Requests go through base when it is not nil.
func NewGoogleAPI(ctx context.Context, cfg config.SheetsConfig, base *http.Client) (API, error) {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	ts, err := tokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	httpClient := oauth2.NewClient(ctx, ts)
	sheetsSvc, err := gsheets.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &googleAPI{sheets: sheetsSvc, drive: driveSvc}, nil
}

func tokenSource(ctx context.Context, cfg config.SheetsConfig) (oauth2.TokenSource, error) {
	raw, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}

	var key struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}

	if key.Type == "service_account" {
		jwt, err := google.JWTConfigFromJSON(raw, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse service account key: %w", err)
		}
		return jwt.TokenSource(ctx), nil
	}

	oauthCfg, err := google.ConfigFromJSON(raw, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse oauth client: %w", err)
	}
	tok, err := LoadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	return oauthCfg.TokenSource(ctx, tok), nil
}

// ErrNoToken means the OAuth flow has not been completed yet.
var ErrNoToken = errors.New("no google token; run sheets-auth first")

// LoadToken reads a saved OAuth token.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}

	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !tok.Valid() && tok.RefreshToken == "" {
		return nil, ErrNoToken
	}
	return tok, nil
}

// SaveToken writes a token readable only by the owner.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (g *googleAPI) SheetTitles(ctx context.Context, spreadsheetID string) ([]string, error) {
	ss, err := g.sheets.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(ss.Sheets))
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			titles = append(titles, sh.Properties.Title)
		}
	}
	return titles, nil
}

func (g *googleAPI) AddSheet(ctx context.Context, spreadsheetID, title string) error {
	req := &gsheets.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheets.Request{{
			AddSheet: &gsheets.AddSheetRequest{
				Properties: &gsheets.SheetProperties{Title: title},
			},
		}},
	}
	_, err := g.sheets.Spreadsheets.BatchUpdate(spreadsheetID, req).Context(ctx).Do()
	return err
}

func (g *googleAPI) GetValues(ctx context.Context, spreadsheetID, rng string) ([][]interface{}, error) {
	resp, err := g.sheets.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (g *googleAPI) UpdateValues(ctx context.Context, spreadsheetID, rng string, rows [][]interface{}) error {
	_, err := g.sheets.Spreadsheets.Values.Update(spreadsheetID, rng, &gsheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}

func (g *googleAPI) ClearValues(ctx context.Context, spreadsheetID, rng string) error {
	_, err := g.sheets.Spreadsheets.Values.Clear(spreadsheetID, rng, &gsheets.ClearValuesRequest{}).Context(ctx).Do()
	return err
}

func (g *googleAPI) UploadFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error) {
	file := &drive.File{Name: name, MimeType: mimeType}
	if folderID != "" {
		file.Parents = []string{folderID}
	}
	created, err := g.drive.Files.Create(file).
		Media(bytes.NewReader(data)).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

func (g *googleAPI) DeleteFile(ctx context.Context, fileID string) error {
	return g.drive.Files.Delete(fileID).Context(ctx).Do()
}
