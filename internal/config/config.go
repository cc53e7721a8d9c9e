package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultExtensions are installed on the target before any DDL runs.
var DefaultExtensions = []string{"vector", "uuid-ossp", "pg_trgm"}

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

// Config holds all configuration for the migration tool
type Config struct {
	Source    EndpointConfig  `yaml:"source" toml:"source"`
	Target    EndpointConfig  `yaml:"target" toml:"target"`
	Migration MigrationConfig `yaml:"migration" toml:"migration"`
	Slack     SlackConfig     `yaml:"slack" toml:"slack"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url" validate:"omitempty,url"`
	Channel    string `yaml:"channel" toml:"channel"`
	Username   string `yaml:"username" toml:"username"`
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
}

// EndpointConfig holds connection settings for one side of the migration.
// Source and target share the same shape.
type EndpointConfig struct {
	Host            string `yaml:"host" toml:"host" validate:"required"`
	Port            int    `yaml:"port" toml:"port" validate:"min=1,max=65535"`
	Database        string `yaml:"database" toml:"database" validate:"required"`
	User            string `yaml:"user" toml:"user" validate:"required"`
	Password        string `yaml:"password" toml:"password"`
	Schema          string `yaml:"schema" toml:"schema" validate:"required"`
	SSLMode         string `yaml:"ssl_mode" toml:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	ApplicationName string `yaml:"application_name" toml:"application_name"`
	ConnectTimeout  int    `yaml:"connect_timeout" toml:"connect_timeout" validate:"gte=0"` // seconds
	MaxConns        int    `yaml:"max_conns" toml:"max_conns" validate:"gte=1"`
}

// MigrationConfig holds migration behavior settings
type MigrationConfig struct {
	ChunkSize         int           `yaml:"chunk_size" toml:"chunk_size" validate:"gte=1"`
	Tables            []string      `yaml:"tables" toml:"tables"`                 // Explicit allow-list; discovery when empty
	IncludeTables     []string      `yaml:"include_tables" toml:"include_tables"` // Glob patterns
	ExcludeTables     []string      `yaml:"exclude_tables" toml:"exclude_tables"` // Glob patterns
	Extensions        []string      `yaml:"extensions" toml:"extensions"`
	Workers           int           `yaml:"workers" toml:"workers" validate:"gte=1,lte=64"`
	ConnectRetries    int           `yaml:"connect_retries" toml:"connect_retries" validate:"gte=1"`
	ConnectRetryDelay time.Duration `yaml:"connect_retry_delay" toml:"connect_retry_delay"`
	PacingDelay       time.Duration `yaml:"pacing_delay" toml:"pacing_delay"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxRetryBackoff   time.Duration `yaml:"max_retry_backoff" toml:"max_retry_backoff" validate:"gtefield=RetryBackoff"`
	MaxChunkAttempts  int           `yaml:"max_chunk_attempts" toml:"max_chunk_attempts" validate:"gte=0"` // 0 retries forever
	StateBackend      string        `yaml:"state_backend" toml:"state_backend" validate:"oneof=file sqlite"`
	StateFile         string        `yaml:"state_file" toml:"state_file"`
	DataDir           string        `yaml:"data_dir" toml:"data_dir"`
	ProgressAddr      string        `yaml:"progress_addr" toml:"progress_addr"`
	SkipIdentitySync  bool          `yaml:"skip_identity_sync" toml:"skip_identity_sync"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
	// SourceFile and TargetFile name DatabaseConfig_* env files that replace
	// the corresponding endpoint section.
	SourceFile string
	TargetFile string
}

// Load reads configuration from a YAML or TOML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML or TOML file with options.
// An empty path is allowed when both endpoint files are given.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	var cfg Config
	if path != "" {
		// Check file permissions before reading (warns if insecure)
		if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
			fmt.Fprint(os.Stderr, warning)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := decode(data, formatFor(path), &cfg); err != nil {
			return nil, err
		}
	} else if opts.SourceFile == "" || opts.TargetFile == "" {
		return nil, fmt.Errorf("invalid config: a config file or both endpoint files are required")
	}

	if opts.SourceFile != "" {
		ep, err := LoadEndpointFile(opts.SourceFile)
		if err != nil {
			return nil, fmt.Errorf("source endpoint: %w", err)
		}
		cfg.Source.merge(ep)
	}
	if opts.TargetFile != "" {
		ep, err := LoadEndpointFile(opts.TargetFile)
		if err != nil {
			return nil, fmt.Errorf("target endpoint: %w", err)
		}
		cfg.Target.merge(ep)
	}

	return cfg.finish()
}

// Format is a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// LoadBytes reads configuration from YAML or TOML bytes.
func LoadBytes(data []byte, format Format) (*Config, error) {
	var cfg Config
	if err := decode(data, format, &cfg); err != nil {
		return nil, err
	}
	return cfg.finish()
}

func decode(data []byte, format Format, cfg *Config) error {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var err error
	switch format {
	case FormatTOML:
		_, err = toml.Decode(expanded, cfg)
	default:
		err = yaml.Unmarshal([]byte(expanded), cfg)
	}
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) finish() (*Config, error) {
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// DefaultDataDir returns the default data directory for state storage.
// It does not create the directory; see EnsureDir.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pg-pg-migrate"
	}
	return filepath.Join(home, ".pg-pg-migrate")
}

// EnsureDir creates dir (and parents) with owner-only permissions.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.Chmod(dir, 0700)
}

func (e *EndpointConfig) applyDefaults(appName string) {
	if e.Port == 0 {
		e.Port = 5432
	}
	if e.Schema == "" {
		e.Schema = "public"
	}
	if e.SSLMode == "" {
		e.SSLMode = "prefer"
	}
	if e.ApplicationName == "" {
		e.ApplicationName = appName
	}
	if e.ConnectTimeout == 0 {
		e.ConnectTimeout = 30
	}
}

// merge overlays the non-empty fields of other onto e.
func (e *EndpointConfig) merge(other EndpointConfig) {
	if other.Host != "" {
		e.Host = other.Host
	}
	if other.Port != 0 {
		e.Port = other.Port
	}
	if other.Database != "" {
		e.Database = other.Database
	}
	if other.User != "" {
		e.User = other.User
	}
	if other.Password != "" {
		e.Password = other.Password
	}
	if other.Schema != "" {
		e.Schema = other.Schema
	}
}

func (c *Config) applyDefaults() {
	c.Source.applyDefaults("pg-pg-migrate-source")
	c.Target.applyDefaults("pg-pg-migrate-target")

	m := &c.Migration
	if m.ChunkSize == 0 {
		m.ChunkSize = 1000
	}
	if m.Extensions == nil {
		m.Extensions = append([]string(nil), DefaultExtensions...)
	}
	if m.Workers == 0 {
		m.Workers = 1
	}
	// Each worker holds one source and one target connection at a time;
	// the extra connection serves catalog queries and the sequence passes.
	if c.Source.MaxConns == 0 {
		c.Source.MaxConns = m.Workers + 1
	}
	if c.Target.MaxConns == 0 {
		c.Target.MaxConns = m.Workers + 1
	}
	if m.ConnectRetries == 0 {
		m.ConnectRetries = 3
	}
	if m.ConnectRetryDelay == 0 {
		m.ConnectRetryDelay = 5 * time.Second
	}
	if m.PacingDelay == 0 {
		m.PacingDelay = 100 * time.Millisecond
	}
	if m.RetryBackoff == 0 {
		m.RetryBackoff = 5 * time.Second
	}
	if m.MaxRetryBackoff == 0 {
		m.MaxRetryBackoff = 5 * time.Minute
		if m.MaxRetryBackoff < m.RetryBackoff {
			m.MaxRetryBackoff = m.RetryBackoff
		}
	}
	if m.StateBackend == "" {
		m.StateBackend = "file"
		if ext := strings.ToLower(filepath.Ext(m.StateFile)); ext == ".db" || ext == ".sqlite" {
			m.StateBackend = "sqlite"
		}
	}
	if m.DataDir == "" {
		m.DataDir = DefaultDataDir()
	} else {
		m.DataDir = expandTilde(m.DataDir)
	}
	if m.StateFile == "" {
		name := "migration_progress.json"
		if m.StateBackend == "sqlite" {
			name = "migrate.db"
		}
		m.StateFile = filepath.Join(m.DataDir, name)
	} else {
		m.StateFile = expandTilde(m.StateFile)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config key rather than the Go field name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
	cause    error
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return e.cause
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		problems := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
		return &ValidationError{Problems: problems, cause: verrs}
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack.enabled is true")
	}

	if c.Source.Host == c.Target.Host && c.Source.Port == c.Target.Port &&
		c.Source.Database == c.Target.Database && c.Source.Schema == c.Target.Schema {
		return fmt.Errorf("source and target refer to the same schema %s.%s on %s:%d",
			c.Source.Database, c.Source.Schema, c.Source.Host, c.Source.Port)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.source.host"; drop the root type name.
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got '%v'", field, fe.Param(), fe.Value())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s, got %v", field, fe.Param(), fe.Value())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s, got %v", field, fe.Param(), fe.Value())
	case "gtefield":
		return fmt.Sprintf("%s must not be lower than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

// SourceDSN returns the source database connection string
func (c *Config) SourceDSN() string {
	return c.Source.DSN()
}

// TargetDSN returns the target database connection string
func (c *Config) TargetDSN() string {
	return c.Target.DSN()
}

// DSN builds a postgres:// URL. Credentials and database names are escaped.
func (e EndpointConfig) DSN() string {
	q := url.Values{}
	q.Set("sslmode", e.SSLMode)
	if e.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(e.ConnectTimeout))
	}
	if e.ApplicationName != "" {
		q.Set("application_name", e.ApplicationName)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(e.User, e.Password),
		Host:     fmt.Sprintf("%s:%d", e.Host, e.Port),
		Path:     "/" + e.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Address renders host:port/database for log lines.
func (e EndpointConfig) Address() string {
	return fmt.Sprintf("%s:%d/%s", e.Host, e.Port, e.Database)
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	// Redact source credentials
	sanitized.Source.Password = "[REDACTED]"

	// Redact target credentials
	sanitized.Target.Password = "[REDACTED]"

	// Redact Slack webhook
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
