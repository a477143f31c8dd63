package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/dbschema/internal/dialect"
	"github.com/johndauphine/dbschema/internal/installer"
	"github.com/johndauphine/dbschema/internal/retry"
	"github.com/johndauphine/dbschema/internal/viewguard"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DBSCHEMA_"

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for dbschema
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Modules   ModulesConfig   `yaml:"modules"`
	Installer InstallerConfig `yaml:"installer"`
	Views     ViewsConfig     `yaml:"views"`
	Run       RunConfig       `yaml:"run"`
	Logging   LoggingConfig   `yaml:"logging"`
	Slack     SlackConfig     `yaml:"slack"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// DatabaseConfig holds the target database connection settings
type DatabaseConfig struct {
	Type     string            `yaml:"type"` // "mysql" (MySQL/MariaDB) or "postgres"
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Database string            `yaml:"database"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Schema   string            `yaml:"schema"`   // PostgreSQL search_path (default: public)
	SSLMode  string            `yaml:"ssl_mode"` // PostgreSQL: disable, prefer, require, verify-ca, verify-full
	Params   map[string]string `yaml:"params"`   // extra driver parameters
	DSN      string            `yaml:"dsn"`      // full DSN; overrides the fields above
}

// ModulesConfig selects the modules to run
type ModulesConfig struct {
	Dir     string   `yaml:"dir"`
	Include []string `yaml:"include"` // module or table names; empty means all
}

// InstallerConfig holds the per-module decision toggles
type InstallerConfig struct {
	Repair               bool `yaml:"repair"`
	SkipViews            bool `yaml:"skip_views"`
	StrictViews          bool `yaml:"strict_views"`
	RunSeeds             bool `yaml:"run_seeds"`
	ChecksumIncludeSeeds bool `yaml:"checksum_include_seeds"`
	IncludeFeatureViews  bool `yaml:"include_feature_views"`
	StripDefiner         bool `yaml:"strip_definer"`
	StripAlgorithm       bool `yaml:"strip_algorithm"`
	StripSQLSecurity     bool `yaml:"strip_sql_security"`
	TraceSQL             bool `yaml:"trace_sql"`
	TraceFiles           bool `yaml:"trace_files"`
	TraceViews           bool `yaml:"trace_views"`
	Diag                 bool `yaml:"diag"`
	IndexRetries         int  `yaml:"index_retries"` // attempts per index statement (default 3)
}

// ViewsConfig tunes the view guard
type ViewsConfig struct {
	LockTimeout        time.Duration `yaml:"lock_timeout"`         // per-view lock wait (default 10s)
	InstallLockTimeout time.Duration `yaml:"install_lock_timeout"` // per-view lock wait during module install (default 15s)
	Retries            int           `yaml:"retries"`
	Fence              time.Duration `yaml:"fence"`
	IgnoreDefiner      *bool         `yaml:"ignore_definer"` // default true
}

// RunConfig holds run coordination and state settings
type RunConfig struct {
	LockTimeout           time.Duration `yaml:"lock_timeout"`
	StatementTimeout      time.Duration `yaml:"statement_timeout"`
	ApplyStatementTimeout time.Duration `yaml:"apply_statement_timeout"`
	Serializable          *bool         `yaml:"serializable"` // Postgres: run in a SERIALIZABLE transaction (default true)
	DataDir               string        `yaml:"data_dir"`
	StateFile             string        `yaml:"state_file"`   // YAML state instead of the SQLite history
	MetricsFile           string        `yaml:"metrics_file"` // Prometheus textfile output
}

// LoggingConfig selects log level and format
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
	// EnvFile is a dotenv file loaded before ${VAR} expansion. Variables
	// already set in the environment win.
	EnvFile string
	// Getenv replaces os.Getenv for DBSCHEMA_* overrides.
	Getenv func(string) string
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", opts.EnvFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytesWithOptions(data, opts)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	return LoadBytesWithOptions(data, LoadOptions{})
}

// LoadBytesWithOptions reads configuration from YAML bytes, then applies
// DBSCHEMA_* overrides, defaults and validation.
func LoadBytesWithOptions(data []byte, opts LoadOptions) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns an unvalidated configuration with every default applied,
// for commands that work without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// DefaultDataDir returns the default data directory for run history.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".dbschema")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid value for %s%s: %q", EnvPrefix, key, v))
			return
		}
		*dst = b
	}
	optFlag := func(key string, dst **bool) {
		if getenv(EnvPrefix+key) == "" {
			return
		}
		var b bool
		flag(key, &b)
		*dst = &b
	}
	duration := func(key string, dst *time.Duration) {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return
		}
		d, err := ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid value for %s%s: %q", EnvPrefix, key, v))
			return
		}
		*dst = d
	}
	number := func(key string, dst *int) {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid value for %s%s: %q", EnvPrefix, key, v))
			return
		}
		*dst = n
	}

	str("DSN", &c.Database.DSN)
	str("MODULES_DIR", &c.Modules.Dir)

	in := &c.Installer
	flag("REPAIR", &in.Repair)
	flag("SKIP_VIEWS", &in.SkipViews)
	flag("STRICT_VIEWS", &in.StrictViews)
	flag("RUN_SEEDS", &in.RunSeeds)
	flag("CHECKSUM_INCLUDE_SEEDS", &in.ChecksumIncludeSeeds)
	flag("INCLUDE_FEATURE_VIEWS", &in.IncludeFeatureViews)
	flag("STRIP_DEFINER", &in.StripDefiner)
	flag("STRIP_ALGORITHM", &in.StripAlgorithm)
	flag("STRIP_SQL_SECURITY", &in.StripSQLSecurity)
	flag("TRACE_SQL", &in.TraceSQL)
	flag("TRACE_FILES", &in.TraceFiles)
	flag("TRACE_VIEWS", &in.TraceViews)
	flag("DIAG", &in.Diag)

	duration("VIEW_LOCK_TIMEOUT", &c.Views.LockTimeout)
	number("VIEW_RETRIES", &c.Views.Retries)
	duration("VIEW_FENCE", &c.Views.Fence)
	optFlag("VIEW_IGNORE_DEFINER", &c.Views.IgnoreDefiner)

	duration("RUN_LOCK_TIMEOUT", &c.Run.LockTimeout)
	duration("STATEMENT_TIMEOUT", &c.Run.StatementTimeout)

	var debug bool
	flag("DEBUG", &debug)
	if debug {
		c.Logging.Level = "debug"
	}
	return errors.Join(errs...)
}

// ParseDuration accepts Go durations ("1.5s") and bare integers, which are
// read as milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

func (c *Config) applyDefaults() {
	c.Database.Type = strings.ToLower(strings.TrimSpace(c.Database.Type))
	if c.Database.Type == "" {
		c.Database.Type = "mysql"
	}
	if d, err := dialect.Parse(c.Database.Type); err == nil {
		c.Database.Type = string(d)
	}
	if c.Database.Port == 0 {
		if c.Database.Type == string(dialect.Postgres) {
			c.Database.Port = 5432
		} else {
			c.Database.Port = 3306
		}
	}
	if c.Database.Type == string(dialect.Postgres) {
		if c.Database.Schema == "" {
			c.Database.Schema = "public"
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "require" // Secure default for PostgreSQL
		}
	}

	if c.Modules.Dir == "" {
		c.Modules.Dir = "modules"
	} else {
		c.Modules.Dir = expandTilde(c.Modules.Dir)
	}

	if c.Installer.IndexRetries == 0 {
		c.Installer.IndexRetries = 3
	}

	vdef := viewguard.DefaultOptions()
	if c.Views.LockTimeout == 0 {
		c.Views.LockTimeout = vdef.LockTimeout
	}
	if c.Views.InstallLockTimeout == 0 {
		c.Views.InstallLockTimeout = 15 * time.Second
	}
	if c.Views.Retries == 0 {
		c.Views.Retries = vdef.Retries
	}
	if c.Views.Fence == 0 {
		c.Views.Fence = vdef.Fence
	}
	if c.Views.IgnoreDefiner == nil {
		b := vdef.IgnoreDefiner
		c.Views.IgnoreDefiner = &b
	}

	if c.Run.LockTimeout == 0 {
		c.Run.LockTimeout = 30 * time.Second
	}
	if c.Run.StatementTimeout == 0 {
		c.Run.StatementTimeout = 60 * time.Second
	}
	if c.Run.ApplyStatementTimeout == 0 {
		c.Run.ApplyStatementTimeout = 120 * time.Second
	}
	if c.Run.Serializable == nil {
		b := true
		c.Run.Serializable = &b
	}
	if c.Run.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Run.DataDir = filepath.Join(home, ".dbschema")
	} else {
		c.Run.DataDir = expandTilde(c.Run.DataDir)
	}
	c.Run.StateFile = expandTilde(c.Run.StateFile)
	c.Run.MetricsFile = expandTilde(c.Run.MetricsFile)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	if _, err := dialect.Parse(c.Database.Type); err != nil {
		return fmt.Errorf("database.type must be 'mysql' or 'postgres', got '%s'", c.Database.Type)
	}
	if c.Database.DSN == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
	}
	if c.Views.Retries < 1 {
		return fmt.Errorf("views.retries must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"views.lock_timeout":          c.Views.LockTimeout,
		"views.install_lock_timeout":  c.Views.InstallLockTimeout,
		"views.fence":                 c.Views.Fence,
		"run.lock_timeout":            c.Run.LockTimeout,
		"run.statement_timeout":       c.Run.StatementTimeout,
		"run.apply_statement_timeout": c.Run.ApplyStatementTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json'")
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack is enabled")
	}
	return nil
}

// Dialect returns the configured dialect.
func (c *Config) Dialect() dialect.Dialect {
	d, _ := dialect.Parse(c.Database.Type)
	return d
}

// ViewOptions returns the view guard settings. install selects the module
// install lock timeout.
func (c *Config) ViewOptions(install bool) viewguard.Options {
	opts := viewguard.DefaultOptions()
	opts.LockTimeout = c.Views.LockTimeout
	if install {
		opts.LockTimeout = c.Views.InstallLockTimeout
	}
	opts.Retries = c.Views.Retries
	opts.Fence = c.Views.Fence
	if c.Views.IgnoreDefiner != nil {
		opts.IgnoreDefiner = *c.Views.IgnoreDefiner
	}
	opts.Trace = c.Installer.TraceViews
	return opts
}

// InstallerOptions maps the installer section onto installer.Options.
func (c *Config) InstallerOptions() installer.Options {
	in := c.Installer
	idx := retry.Default()
	idx.Attempts = in.IndexRetries
	return installer.Options{
		Repair:               in.Repair,
		SkipViews:            in.SkipViews,
		StrictViews:          in.StrictViews,
		RunSeeds:             in.RunSeeds,
		ChecksumIncludeSeeds: in.ChecksumIncludeSeeds,
		IncludeFeatureViews:  in.IncludeFeatureViews,
		StripDefiner:         in.StripDefiner,
		StripAlgorithm:       in.StripAlgorithm,
		StripSQLSecurity:     in.StripSQLSecurity,
		TraceSQL:             in.TraceSQL,
		TraceFiles:           in.TraceFiles,
		TraceViews:           in.TraceViews,
		Diag:                 in.Diag,
		Views:                c.ViewOptions(false),
		IndexRetry:           idx,
	}
}

// HistoryPath is the SQLite run history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Run.DataDir, "history.db")
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Database.Password != "" {
		sanitized.Database.Password = "[REDACTED]"
	}
	if sanitized.Database.DSN != "" {
		sanitized.Database.DSN = "[REDACTED]"
	}
	if len(c.Database.Params) > 0 {
		sanitized.Database.Params = make(map[string]string, len(c.Database.Params))
		for k, v := range c.Database.Params {
			if strings.Contains(strings.ToLower(k), "password") {
				v = "[REDACTED]"
			}
			sanitized.Database.Params[k] = v
		}
	}

	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
