// Package config loads fieldsync configuration: built-in defaults, then an
// optional YAML file validated against an embedded CUE schema, then
// environment overrides.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Environment overrides.
const (
	EnvBackendURL  = "FIELDSYNC_BACKEND_URL"
	EnvDataDir     = "FIELDSYNC_DATA_DIR"
	EnvDatabaseURL = "FIELDSYNC_DATABASE_URL"
	EnvAdminToken  = "FIELDSYNC_ADMIN_TOKEN"
)

// DatabaseFile is the device store's file name inside DataDir.
const DatabaseFile = "fieldsync.db"

// Config is the complete configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Backend   BackendConfig   `yaml:"backend"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Codes     CodesConfig     `yaml:"codes"`
	Sync      SyncConfig      `yaml:"sync"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
}

type DeviceConfig struct {
	DataDir       string `yaml:"data_dir"`
	Hostname      string `yaml:"hostname,omitempty"`
	ClientVersion string `yaml:"client_version,omitempty"`
	Platform      string `yaml:"platform,omitempty"`
}

type BackendConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	AdminToken string        `yaml:"admin_token,omitempty"`
}

type AllocatorConfig struct {
	Width        int           `yaml:"width"`
	LowWater     int64         `yaml:"low_water"`
	LeaseSize    int64         `yaml:"lease_size"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
}

// CodesConfig fixes the company and device code widths. Device and backend
// must agree on them.
type CodesConfig struct {
	CompanyWidth int `yaml:"company_width"`
	DeviceWidth  int `yaml:"device_width"`
}

type SyncConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MinRetryInterval time.Duration `yaml:"min_retry_interval"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	Heartbeat        bool          `yaml:"heartbeat"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	DatabaseURL string `yaml:"database_url,omitempty"`
	AdminToken  string `yaml:"admin_token,omitempty"`
	// RateLimit caps API requests per client IP per minute. Zero disables it.
	RateLimit int `yaml:"rate_limit,omitempty"`
}

// DefaultDataDir returns ~/.fieldsync, or ./.fieldsync without a home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

// NewDefault returns the built-in configuration.
func NewDefault() *Config {
	return &Config{
		Device: DeviceConfig{DataDir: DefaultDataDir()},
		Backend: BackendConfig{
			URL:     "http://localhost:8080",
			Timeout: 10 * time.Second,
		},
		Allocator: AllocatorConfig{
			Width:        8,
			LowWater:     10,
			LeaseSize:    100,
			LeaseTimeout: 15 * time.Second,
		},
		Codes: CodesConfig{CompanyWidth: 2, DeviceWidth: 2},
		Sync: SyncConfig{
			Interval:         30 * time.Second,
			MinRetryInterval: 5 * time.Second,
			SubmitTimeout:    15 * time.Second,
			ProbeInterval:    15 * time.Second,
			Heartbeat:        true,
		},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// DatabasePath returns the device store path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Device.DataDir, DatabaseFile)
}

// Load builds the configuration. An empty path skips the file; a missing
// file at a non-empty path is an error.
func Load(path string) (*Config, error) {
	cfg := NewDefault()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.merge(data); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds the configuration from YAML bytes without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := NewDefault()
	if err := cfg.merge(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(data []byte) error {
	if err := CheckSchema(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBackendURL); ok && v != "" {
		c.Backend.URL = v
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.Device.DataDir = v
	}
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Server.DatabaseURL = v
	}
	if v, ok := lookup(EnvAdminToken); ok && v != "" {
		c.Backend.AdminToken = v
		c.Server.AdminToken = v
	}
}

// Validate checks cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.DataDir == "" {
		errs = append(errs, &ValidationError{Field: "device.data_dir", Message: "must not be empty"})
	}
	if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		errs = append(errs, &ValidationError{Field: "backend.url", Message: "must be an http(s) URL"})
	}
	if c.Allocator.LowWater >= c.Allocator.LeaseSize {
		errs = append(errs, &ValidationError{
			Field:   "allocator.low_water",
			Message: fmt.Sprintf("must be below lease_size (%d)", c.Allocator.LeaseSize),
		})
	}
	if c.Sync.SubmitTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "sync.submit_timeout", Message: "must be positive"})
	}
	return errors.Join(errs...)
}

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
	Line    int
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CheckSchema validates a raw YAML document against the embedded schema.
// Unknown keys and ill-typed values are reported with their paths.
func CheckSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if doc == nil {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		var errs []error
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			errs = append(errs, &ValidationError{
				Field:   strings.Join(e.Path(), "."),
				Message: fmt.Sprintf(format, args...),
			})
		}
		return errors.Join(errs...)
	}
	return nil
}

// Save writes cfg as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
