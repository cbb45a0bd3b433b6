package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. EXPENSYNC_LOG_LEVEL.
const EnvPrefix = "EXPENSYNC"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envFile    string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty path searches the default locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
		v:          viper.New(),
	}
}

// WithEnvFile overrides the dotenv file read before environment lookup.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads configuration from defaults, file and environment, in that order.
func (l *Loader) Load() (*Config, error) {
	// Missing .env is normal.
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	v := l.v
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Data dir decides every derived path, so resolve it before defaults.
	dataDir := DefaultDataDir()
	if env := os.Getenv(EnvPrefix + "_STORAGE_DATA_DIR"); env != "" {
		dataDir = env
	}
	setDefaults(v, defaultConfigAt(dataDir))

	path := l.configPath
	if path == "" {
		for _, candidate := range l.defaultPaths(dataDir) {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		l.configPath = path
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFile returns the file the last Load read, if any.
func (l *Loader) ConfigFile() string {
	return l.configPath
}

// Set overrides a single key, e.g. from a command-line flag.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths(dataDir string) []string {
	paths := []string{
		"expensync.yaml",
		"expensync.json",
		".expensync.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "expensync", "config.yaml"),
			filepath.Join(homeDir, ".config", "expensync", "config.json"),
		)
	}

	return append(paths, filepath.Join(dataDir, "config.yaml"))
}

// setDefaults registers every field of cfg so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.database_path", cfg.Storage.DatabasePath)
	v.SetDefault("storage.image_dir", cfg.Storage.ImageDir)
	v.SetDefault("storage.max_image_size", cfg.Storage.MaxImageSize)

	v.SetDefault("cloud.enabled", cfg.Cloud.Enabled)
	v.SetDefault("cloud.region", cfg.Cloud.Region)
	v.SetDefault("cloud.table", cfg.Cloud.Table)
	v.SetDefault("cloud.bucket", cfg.Cloud.Bucket)
	v.SetDefault("cloud.endpoint", cfg.Cloud.Endpoint)
	v.SetDefault("cloud.public_base_url", cfg.Cloud.PublicBaseURL)

	v.SetDefault("sheets.enabled", cfg.Sheets.Enabled)
	v.SetDefault("sheets.spreadsheet_id", cfg.Sheets.SpreadsheetID)
	v.SetDefault("sheets.credentials_file", cfg.Sheets.CredentialsFile)
	v.SetDefault("sheets.token_file", cfg.Sheets.TokenFile)
	v.SetDefault("sheets.drive_folder_id", cfg.Sheets.DriveFolderID)
	v.SetDefault("sheets.tab_prefix", cfg.Sheets.TabPrefix)
	v.SetDefault("sheets.writes_per_minute", cfg.Sheets.WritesPerMinute)

	v.SetDefault("sync.max_concurrent", cfg.Sync.MaxConcurrent)
	v.SetDefault("sync.image_target_bytes", cfg.Sync.ImageTargetBytes)
	v.SetDefault("sync.image_max_dimension", cfg.Sync.ImageMaxDimension)
	v.SetDefault("sync.image_min_dimension", cfg.Sync.ImageMinDimension)
	v.SetDefault("sync.image_quality", cfg.Sync.ImageQuality)
	v.SetDefault("sync.image_min_quality", cfg.Sync.ImageMinQuality)
	v.SetDefault("sync.image_quality_step", cfg.Sync.ImageQualityStep)
	v.SetDefault("sync.retry_attempts", cfg.Sync.RetryAttempts)
	v.SetDefault("sync.retry_delay", cfg.Sync.RetryDelay)
	v.SetDefault("sync.max_retry_delay", cfg.Sync.MaxRetryDelay)
	v.SetDefault("sync.breaker_threshold", cfg.Sync.BreakerThreshold)
	v.SetDefault("sync.breaker_cooldown", cfg.Sync.BreakerCooldown)
	v.SetDefault("sync.request_timeout", cfg.Sync.RequestTimeout)
	v.SetDefault("sync.progress_addr", cfg.Sync.ProgressAddr)

	v.SetDefault("auth.session_file", cfg.Auth.SessionFile)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
