// Package config provides configuration loading and management for the sync server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tallyhq/tally-sync-server/internal/telemetry"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Database  *DatabaseConfig   `yaml:"database"`
	Tracker   *TrackerConfig    `yaml:"tracker"`
	Scheduler *SchedulerConfig  `yaml:"scheduler,omitempty"`
	Mapping   *MappingConfig    `yaml:"mapping,omitempty"`
	Server    *ServerConfig     `yaml:"server,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// TrackerConfig defines how to reach the external issue tracker.
type TrackerConfig struct {
	// BaseURL is the tracker API root, e.g. "https://tracker.example.com"
	BaseURL string `yaml:"baseUrl"`

	// APIVersion selects the REST API version path segment
	APIVersion string `yaml:"apiVersion,omitempty"`

	// TokenFile is the path to a file containing the API token
	TokenFile string `yaml:"tokenFile,omitempty"`

	// PageSize is the page size used when paginating search results
	PageSize int `yaml:"pageSize,omitempty"`

	// ConnectTimeout bounds TCP connection establishment (e.g. "5s")
	ConnectTimeout string `yaml:"connectTimeout,omitempty"`

	// RequestTimeout bounds a single HTTP request (e.g. "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// MaxConns caps the total connections to the tracker
	MaxConns int `yaml:"maxConns,omitempty"`

	// MaxConnsPerHost caps connections per tracker host
	MaxConnsPerHost int `yaml:"maxConnsPerHost,omitempty"`

	// Retry tunes the retry behaviour for transient failures
	Retry *RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig tunes retries of tracker requests.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget for transient failures
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// InitialInterval is the first backoff wait (e.g. "2s")
	InitialInterval string `yaml:"initialInterval,omitempty"`

	// MaxInterval caps the backoff wait (e.g. "30s")
	MaxInterval string `yaml:"maxInterval,omitempty"`

	// Multiplier grows the wait between attempts
	Multiplier float64 `yaml:"multiplier,omitempty"`

	// MaxRateLimitWaits caps how many rate-limit waits are honored per query
	MaxRateLimitWaits int `yaml:"maxRateLimitWaits,omitempty"`

	// RateLimitDefaultWait is used when the tracker sends no Retry-After
	RateLimitDefaultWait string `yaml:"rateLimitDefaultWait,omitempty"`
}

// SchedulerConfig tunes the background sync schedule and its lock.
type SchedulerConfig struct {
	// Interval between scheduled sync runs (e.g. "5m")
	Interval string `yaml:"interval,omitempty"`

	// Jitter is the maximum random offset applied to the interval
	Jitter string `yaml:"jitter,omitempty"`

	// LockName is the shared lock all instances compete for
	LockName string `yaml:"lockName,omitempty"`

	// MaxHold is how long a crashed holder blocks other instances
	MaxHold string `yaml:"maxHold,omitempty"`

	// MinHold keeps the lock reserved briefly after release
	MinHold string `yaml:"minHold,omitempty"`
}

// MappingConfig tunes how canonical JSON maps onto projects.
type MappingConfig struct {
	// StatusAliases maps tracker status strings to project statuses
	StatusAliases map[string]string `yaml:"statusAliases,omitempty"`

	// DefaultStatus is used when no alias matches
	DefaultStatus string `yaml:"defaultStatus,omitempty"`

	// DateFormats are tried in order when parsing dates
	DateFormats []string `yaml:"dateFormats,omitempty"`
}

// ServerConfig defines the HTTP API server settings.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`
}

// GetAddress returns the listen address, defaulting to ":8080".
func (s *ServerConfig) GetAddress() string {
	if s == nil || s.Address == "" {
		return ":8080"
	}
	return s.Address
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from TALLY_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	// Priority 1: Read from file if specified
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		// Trim whitespace (including newlines) from file content
		password := strings.TrimSpace(string(data))
		return password, nil
	}

	// Priority 2: Check environment variable
	if envPassword := os.Getenv("TALLY_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or TALLY_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetToken returns the tracker API token using the following priority:
// 1. Read from TokenFile if specified
// 2. Read from TALLY_TRACKER_TOKEN environment variable
func (t *TrackerConfig) GetToken() (string, error) {
	if t.TokenFile != "" {
		cleanPath := filepath.Clean(t.TokenFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read token from file %s: %w", t.TokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envToken := os.Getenv("TALLY_TRACKER_TOKEN"); envToken != "" {
		return envToken, nil
	}

	return "", fmt.Errorf(
		"no tracker token configured: set tokenFile or TALLY_TRACKER_TOKEN environment variable",
	)
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// ParseDuration parses an optional duration field, returning fallback when
// the field is empty.
func ParseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

// Validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if err := c.Database.validate(); err != nil {
		return err
	}

	if c.Tracker == nil {
		return fmt.Errorf("tracker configuration is required")
	}
	if err := c.Tracker.validate(); err != nil {
		return err
	}

	if c.Scheduler != nil {
		if err := c.Scheduler.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (d *DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("database.port must be between 1 and 65535, got %d", d.Port)
	}
	if d.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if err := validateDuration("database.connMaxLifetime", d.ConnMaxLifetime); err != nil {
		return err
	}
	return nil
}

func (t *TrackerConfig) validate() error {
	if t.BaseURL == "" {
		return fmt.Errorf("tracker.baseUrl is required")
	}
	if _, err := url.Parse(t.BaseURL); err != nil {
		return fmt.Errorf("tracker.baseUrl is not a valid URL: %w", err)
	}
	if t.PageSize < 0 {
		return fmt.Errorf("tracker.pageSize must not be negative, got %d", t.PageSize)
	}

	for field, value := range map[string]string{
		"tracker.connectTimeout": t.ConnectTimeout,
		"tracker.requestTimeout": t.RequestTimeout,
	} {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}

	if t.Retry != nil {
		return t.Retry.validate()
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("tracker.retry.maxAttempts must not be negative, got %d", r.MaxAttempts)
	}
	if r.Multiplier < 0 {
		return fmt.Errorf("tracker.retry.multiplier must not be negative, got %g", r.Multiplier)
	}
	for field, value := range map[string]string{
		"tracker.retry.initialInterval":      r.InitialInterval,
		"tracker.retry.maxInterval":          r.MaxInterval,
		"tracker.retry.rateLimitDefaultWait": r.RateLimitDefaultWait,
	} {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	for field, value := range map[string]string{
		"scheduler.interval": s.Interval,
		"scheduler.jitter":   s.Jitter,
		"scheduler.maxHold":  s.MaxHold,
		"scheduler.minHold":  s.MinHold,
	} {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}
	return nil
}

func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g. '30s', '5m'): %w", field, err)
	}
	return nil
}
