package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Local ledger and image storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Document store + object storage target
	Cloud CloudConfig `json:"cloud" mapstructure:"cloud"`

	// Spreadsheet target
	Sheets SheetsConfig `json:"sheets" mapstructure:"sheets"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Session persistence
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir      string `json:"data_dir" mapstructure:"data_dir"`             // Base directory for all data
	DatabasePath string `json:"database_path" mapstructure:"database_path"`   // SQLite ledger file
	ImageDir     string `json:"image_dir" mapstructure:"image_dir"`           // Receipt image store
	MaxImageSize int64  `json:"max_image_size" mapstructure:"max_image_size"` // Max imported image size in bytes
}

// CloudConfig for the DynamoDB/S3 target.
type CloudConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Region  string `json:"region" mapstructure:"region"`
	Table   string `json:"table" mapstructure:"table"`
	Bucket  string `json:"bucket" mapstructure:"bucket"`

	// Endpoint overrides the AWS endpoint (localstack, minio).
	Endpoint string `json:"endpoint,omitempty" mapstructure:"endpoint"`

	// PublicBaseURL is the prefix used to build image URLs. Empty means
	// the virtual-hosted S3 URL of the bucket.
	PublicBaseURL string `json:"public_base_url,omitempty" mapstructure:"public_base_url"`
}

// SheetsConfig for the Google Sheets target.
type SheetsConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	SpreadsheetID   string `json:"spreadsheet_id" mapstructure:"spreadsheet_id"`
	CredentialsFile string `json:"credentials_file" mapstructure:"credentials_file"`
	TokenFile       string `json:"token_file" mapstructure:"token_file"`
	DriveFolderID   string `json:"drive_folder_id,omitempty" mapstructure:"drive_folder_id"`
	TabPrefix       string `json:"tab_prefix" mapstructure:"tab_prefix"`
	WritesPerMinute int    `json:"writes_per_minute" mapstructure:"writes_per_minute"`
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent"`         // Concurrent image uploads
	ImageTargetBytes  int64         `json:"image_target_bytes" mapstructure:"image_target_bytes"` // Compressed image budget
	ImageMaxDimension int           `json:"image_max_dimension" mapstructure:"image_max_dimension"`
	ImageMinDimension int           `json:"image_min_dimension" mapstructure:"image_min_dimension"`
	ImageQuality      int           `json:"image_quality" mapstructure:"image_quality"`         // Starting JPEG quality
	ImageMinQuality   int           `json:"image_min_quality" mapstructure:"image_min_quality"` // Quality floor
	ImageQualityStep  int           `json:"image_quality_step" mapstructure:"image_quality_step"`
	RetryAttempts     int           `json:"retry_attempts" mapstructure:"retry_attempts"` // Per-call attempts
	RetryDelay        time.Duration `json:"retry_delay" mapstructure:"retry_delay"`       // Initial retry delay
	MaxRetryDelay     time.Duration `json:"max_retry_delay" mapstructure:"max_retry_delay"`
	BreakerThreshold  int           `json:"breaker_threshold" mapstructure:"breaker_threshold"` // Consecutive failures before opening
	BreakerCooldown   time.Duration `json:"breaker_cooldown" mapstructure:"breaker_cooldown"`
	RequestTimeout    time.Duration `json:"request_timeout" mapstructure:"request_timeout"`       // Per HTTP request to a provider
	ProgressAddr      string        `json:"progress_addr,omitempty" mapstructure:"progress_addr"` // Serve live progress over WebSocket
}

// AuthConfig for session settings.
type AuthConfig struct {
	SessionFile string `json:"session_file" mapstructure:"session_file"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stderr)
}

// DefaultDataDir returns ~/.expensync, or .expensync when no home is known.
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".expensync")
	}
	return ".expensync"
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	return defaultConfigAt(DefaultDataDir())
}

func defaultConfigAt(dataDir string) *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:      dataDir,
			DatabasePath: filepath.Join(dataDir, "ledger.db"),
			ImageDir:     filepath.Join(dataDir, "images"),
			MaxImageSize: 20 * 1024 * 1024, // 20MB
		},
		Cloud: CloudConfig{
			Region: "us-east-1",
			Table:  "expensync-expenses",
		},
		Sheets: SheetsConfig{
			CredentialsFile: filepath.Join(dataDir, "google", "credentials.json"),
			TokenFile:       filepath.Join(dataDir, "google", "token.json"),
			TabPrefix:       "Expenses",
			WritesPerMinute: 60,
		},
		Sync: SyncConfig{
			MaxConcurrent:     4,
			ImageTargetBytes:  500 * 1024,
			ImageMaxDimension: 2048,
			ImageMinDimension: 320,
			ImageQuality:      90,
			ImageMinQuality:   40,
			ImageQualityStep:  10,
			RetryAttempts:     3,
			RetryDelay:        500 * time.Millisecond,
			MaxRetryDelay:     10 * time.Second,
			BreakerThreshold:  5,
			BreakerCooldown:   30 * time.Second,
			RequestTimeout:    60 * time.Second,
		},
		Auth: AuthConfig{
			SessionFile: filepath.Join(dataDir, "session.json"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	if c.Storage.DatabasePath == "" {
		return errors.New("storage.database_path is required")
	}

	if c.Storage.MaxImageSize <= 0 {
		return errors.New("storage.max_image_size must be positive")
	}

	if c.Cloud.Enabled {
		if c.Cloud.Table == "" {
			return errors.New("cloud.table is required when cloud sync is enabled")
		}
		if c.Cloud.Bucket == "" {
			return errors.New("cloud.bucket is required when cloud sync is enabled")
		}
	}

	if c.Sheets.Enabled {
		if c.Sheets.SpreadsheetID == "" {
			return errors.New("sheets.spreadsheet_id is required when sheets sync is enabled")
		}
		if c.Sheets.WritesPerMinute <= 0 {
			return errors.New("sheets.writes_per_minute must be positive")
		}
	}

	if c.Sync.MaxConcurrent <= 0 {
		return errors.New("sync.max_concurrent must be positive")
	}

	if c.Sync.RequestTimeout <= 0 {
		return errors.New("sync.request_timeout must be positive")
	}

	if c.Sync.RetryAttempts <= 0 {
		return errors.New("sync.retry_attempts must be positive")
	}

	if c.Sync.ImageMinQuality < 1 || c.Sync.ImageQuality > 100 || c.Sync.ImageMinQuality > c.Sync.ImageQuality {
		return fmt.Errorf("invalid image quality range: %d..%d", c.Sync.ImageMinQuality, c.Sync.ImageQuality)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.ImageDir,
		filepath.Dir(c.Storage.DatabasePath),
		filepath.Dir(c.Auth.SessionFile),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
