package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverGoogle   = "google"
)

// CalendarConfig seeds a calendar into the sqlite/postgres stores.
type CalendarConfig struct {
	ID       string `yaml:"id" json:"id"`
	Title    string `yaml:"title" json:"title"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	Default  bool   `yaml:"default,omitempty" json:"default,omitempty"`
}

// SubscriptionConfig describes a remote feed imported on the refresh schedule.
type SubscriptionConfig struct {
	// ID is an internal identifier used for cache keys and logging.
	ID string `yaml:"id" json:"id"`
	// URL is the feed endpoint (http, https or webcal).
	URL string `yaml:"url" json:"url"`
	// Calendar is the destination calendar ID; empty means the default.
	Calendar string `yaml:"calendar,omitempty" json:"calendar,omitempty"`
	// Encoding is an optional charset hint for this feed.
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
}

// StoreConfig selects and configures the destination calendar store.
type StoreConfig struct {
	// Driver is one of "sqlite" (default), "postgres" or "google".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the database path / connection string for sqlite and postgres.
	DSN string `yaml:"dsn" json:"dsn"`
	// GoogleCredentials is the OAuth client JSON for the google driver.
	GoogleCredentials string `yaml:"google_credentials,omitempty" json:"google_credentials,omitempty"`
	// GoogleToken is where the OAuth token is cached.
	GoogleToken string `yaml:"google_token,omitempty" json:"google_token,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Encodings is the decoder fallback chain tried for every input.
	Encodings []string `yaml:"encodings" json:"encodings"`

	// DefaultCalendar, if set, is the calendar ID used when a request names
	// none. It must be writable.
	DefaultCalendar string `yaml:"default_calendar,omitempty" json:"default_calendar,omitempty"`

	Store StoreConfig `yaml:"store" json:"store"`

	// Calendars are created (or updated) in database-backed stores at startup.
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// RefreshCron is a cron-style schedule (e.g. "*/15 * * * *") for
	// subscription imports.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheDir keeps conditional-GET state for subscriptions.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		LogLevel:    "info",
		Encodings:   []string{"utf-8", "iso-8859-1"},
		Store:       StoreConfig{Driver: DriverSQLite, DSN: "./var/icsimport.db"},
		Calendars:   []CalendarConfig{{ID: "default", Title: "Calendar", Default: true}},
		RefreshCron: "*/15 * * * *",
		CacheDir:    "./var/ics-cache",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if len(c.Encodings) == 0 {
		c.Encodings = def.Encodings
	}

	switch strings.ToLower(c.Store.Driver) {
	case DriverSQLite, DriverPostgres, DriverGoogle:
		c.Store.Driver = strings.ToLower(c.Store.Driver)
	default:
		// Unknown or empty driver; fall back to the local store.
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver == DriverSQLite && c.Store.DSN == "" {
		c.Store.DSN = def.Store.DSN
	}
	if c.Store.Driver == DriverGoogle {
		if c.Store.GoogleCredentials == "" {
			c.Store.GoogleCredentials = "./credentials.json"
		}
		if c.Store.GoogleToken == "" {
			c.Store.GoogleToken = "./var/google-token.json"
		}
	}

	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		if c.Calendars[i].Title == "" {
			c.Calendars[i].Title = c.Calendars[i].ID
		}
	}

	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}

	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	for i := range c.Subscriptions {
		if c.Subscriptions[i].ID == "" {
			c.Subscriptions[i].ID = c.Subscriptions[i].URL
		}
	}
}

// ApplyEnv overrides file values with ICSIMPORT_* environment variables.
// A .env file in the working directory is loaded first if present; it never
// overrides variables that are already set.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("ICSIMPORT_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("ICSIMPORT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ICSIMPORT_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("ICSIMPORT_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("ICSIMPORT_DEFAULT_CALENDAR"); v != "" {
		c.DefaultCalendar = v
	}
	if v := os.Getenv("ICSIMPORT_ENCODINGS"); v != "" {
		parts := strings.Split(v, ",")
		encs := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				encs = append(encs, p)
			}
		}
		c.Encodings = encs
	}
	if u, p := os.Getenv("ICSIMPORT_BASIC_AUTH_USER"), os.Getenv("ICSIMPORT_BASIC_AUTH_PASSWORD"); u != "" && p != "" {
		c.BasicAuth = &BasicAuthConfig{Username: u, Password: p}
	}
	c.Normalize()
}

// Load reads the YAML config at path and normalizes it. A missing file is
// not an error: the defaults are written to path (0600) and returned.
// Environment overrides are applied separately by ApplyEnv.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			// cfg is returned even when it cannot be written.
			return cfg, Save(path, cfg)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg as YAML to path atomically (temp file + rename). The
// directory is created 0700 and the file ends up 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".icsimport-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

// EnabledBasicAuth reports whether Basic Auth credentials are complete.
func (c *Config) EnabledBasicAuth() bool {
	return c.BasicAuth != nil && c.BasicAuth.Username != "" && c.BasicAuth.Password != ""
}
