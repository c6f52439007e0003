// Package config loads the planner configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/family-event-planner/backend/internal/calendar"
	"github.com/family-event-planner/backend/internal/discovery"
	"github.com/family-event-planner/backend/internal/lifecycle"
	"github.com/family-event-planner/backend/internal/notify"
	"github.com/family-event-planner/backend/internal/registration"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "FEP_CONFIG"

// Config is the complete planner configuration.
type Config struct {
	Server       ServerConfig               `yaml:"server"`
	Calendar     CalendarConfig             `yaml:"calendar"`
	Approval     ApprovalConfig             `yaml:"approval"`
	Notify       notify.Config              `yaml:"notify"`
	Registration RegistrationConfig         `yaml:"registration"`
	Discovery    DiscoveryConfig            `yaml:"discovery"`
	Family       registration.FamilyProfile `yaml:"family"`
	Workers      int                        `yaml:"workers"`
}

// ServerConfig configures the HTTP server and storage location.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// DataDir holds the SQLite database and, unless overridden, the evidence files.
	DataDir string `yaml:"data_dir"`
	// PublicURL is the externally reachable base URL, used in links sent to people.
	PublicURL string `yaml:"public_url"`
	// Timezone is the IANA zone used for floating times and message rendering.
	Timezone string `yaml:"timezone"`
}

// CalendarConfig configures the conflict checker.
type CalendarConfig struct {
	BufferMinutes int                `yaml:"buffer_minutes"`
	Timeout       time.Duration      `yaml:"timeout"`
	Accounts      []calendar.Account `yaml:"accounts"`
}

// ApprovalConfig configures pending approvals.
type ApprovalConfig struct {
	Expiry        time.Duration `yaml:"expiry"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxReprompts  int           `yaml:"max_reprompts"`
}

// RegistrationConfig configures the registration orchestrator.
type RegistrationConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	Concurrency    int           `yaml:"concurrency"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	PageTimeout    time.Duration `yaml:"page_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	EvidenceDir    string        `yaml:"evidence_dir"`
	UserAgent      string        `yaml:"user_agent"`
	// Adapters maps an event source to the adapter that registers for it.
	Adapters map[string]string `yaml:"adapters"`
}

// DiscoveryConfig configures the feed discovery source.
type DiscoveryConfig struct {
	Feeds              []discovery.Feed `yaml:"feeds"`
	DefaultIntervalMin int              `yaml:"default_interval_min"`
	Horizon            time.Duration    `yaml:"horizon"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8099",
			DataDir:   "/data",
			PublicURL: "http://localhost:8099",
			Timezone:  "Local",
		},
		Calendar: CalendarConfig{
			BufferMinutes: 30,
			Timeout:       10 * time.Second,
		},
		Approval: ApprovalConfig{
			Expiry:        48 * time.Hour,
			SweepInterval: time.Minute,
			MaxReprompts:  2,
		},
		Registration: RegistrationConfig{
			MaxAttempts:    3,
			Concurrency:    2,
			AttemptTimeout: 2 * time.Minute,
			PageTimeout:    30 * time.Second,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     time.Minute,
		},
		Discovery: DiscoveryConfig{
			DefaultIntervalMin: 360,
			Horizon:            60 * 24 * time.Hour,
		},
		Workers: 4,
	}
}

// Load reads the config file at path over the defaults, applies environment
// overrides and validates the result. An empty path uses FEP_CONFIG; when
// that is unset too only defaults and the environment apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	config := DefaultConfig()
	if path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()
	config.applyDerived()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides file values with the deployment environment.
func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("FEP_ADDR", c.Server.Addr)
	c.Server.DataDir = getEnv("FEP_DATA_DIR", c.Server.DataDir)
	c.Server.PublicURL = getEnv("FEP_PUBLIC_URL", c.Server.PublicURL)
	c.Server.Timezone = getEnv("FEP_TIMEZONE", c.Server.Timezone)

	c.Notify.SMTP.Host = getEnv("FEP_SMTP_HOST", c.Notify.SMTP.Host)
	c.Notify.SMTP.Username = getEnv("FEP_SMTP_USERNAME", c.Notify.SMTP.Username)
	c.Notify.SMTP.Password = getEnv("FEP_SMTP_PASSWORD", c.Notify.SMTP.Password)
	c.Notify.SMTP.From = getEnv("FEP_SMTP_FROM", c.Notify.SMTP.From)
	if port, err := strconv.Atoi(getEnv("FEP_SMTP_PORT", "")); err == nil {
		c.Notify.SMTP.Port = port
	}

	c.Notify.SMS.BaseURL = getEnv("FEP_SMS_URL", c.Notify.SMS.BaseURL)
	c.Notify.SMS.Token = getEnv("FEP_SMS_TOKEN", c.Notify.SMS.Token)
	c.Notify.SMS.From = getEnv("FEP_SMS_FROM", c.Notify.SMS.From)

	if workers, err := strconv.Atoi(getEnv("FEP_WORKERS", "")); err == nil {
		c.Workers = workers
	}
}

func (c *Config) applyDerived() {
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.Registration.EvidenceDir == "" {
		c.Registration.EvidenceDir = filepath.Join(c.Server.DataDir, "evidence")
	}
	for i := range c.Calendar.Accounts {
		if c.Calendar.Accounts[i].Role == "" {
			c.Calendar.Accounts[i].Role = calendar.RoleBlocking
		}
	}
}

// getEnv returns an environment variable value or a default if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.DataDir == "" {
		errs = append(errs, errors.New("server.data_dir is required"))
	}
	if _, err := time.LoadLocation(c.Server.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("server.timezone: %w", err))
	}

	if len(c.Calendar.Accounts) == 0 {
		errs = append(errs, errors.New("calendar.accounts: at least one account is required"))
	} else if err := calendar.Validate(c.Calendar.Accounts); err != nil {
		errs = append(errs, fmt.Errorf("calendar.accounts: %w", err))
	}
	for _, a := range c.Calendar.Accounts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("calendar account %q: url is required", a.ID))
		}
	}
	if c.Calendar.BufferMinutes < 0 {
		errs = append(errs, errors.New("calendar.buffer_minutes must not be negative"))
	}
	if c.Calendar.Timeout <= 0 {
		errs = append(errs, errors.New("calendar.timeout must be positive"))
	}

	if c.Approval.Expiry <= 0 {
		errs = append(errs, errors.New("approval.expiry must be positive"))
	}
	if c.Approval.SweepInterval < time.Second {
		errs = append(errs, errors.New("approval.sweep_interval must be at least 1s"))
	}
	if c.Approval.MaxReprompts < 0 {
		errs = append(errs, errors.New("approval.max_reprompts must not be negative"))
	}

	if err := c.Notify.DecisionMaker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("notify.decision_maker: %w", err))
	}
	for i, op := range c.Notify.Operators {
		if err := op.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("notify.operators[%d]: %w", i, err))
		}
	}

	r := c.Registration
	if r.MaxAttempts <= 0 {
		errs = append(errs, errors.New("registration.max_attempts must be positive"))
	}
	if r.Concurrency <= 0 {
		errs = append(errs, errors.New("registration.concurrency must be positive"))
	}
	if r.AttemptTimeout <= 0 || r.PageTimeout <= 0 {
		errs = append(errs, errors.New("registration timeouts must be positive"))
	}
	if r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
		errs = append(errs, errors.New("registration backoff must be positive with max_backoff >= initial_backoff"))
	}
	for source, id := range r.Adapters {
		if id != registration.AdapterGeneric && id != registration.AdapterLibCal {
			errs = append(errs, fmt.Errorf("registration.adapters[%s]: unknown adapter %q", source, id))
		}
	}

	seen := make(map[string]bool)
	for i, f := range c.Discovery.Feeds {
		if f.Source == "" || f.URL == "" {
			errs = append(errs, fmt.Errorf("discovery.feeds[%d]: source and url are required", i))
			continue
		}
		if seen[f.Source] {
			errs = append(errs, fmt.Errorf("discovery.feeds: duplicate source %q", f.Source))
		}
		seen[f.Source] = true
	}
	if c.Discovery.DefaultIntervalMin <= 0 {
		errs = append(errs, errors.New("discovery.default_interval_min must be positive"))
	}

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	return errors.Join(errs...)
}

// Location returns the configured time zone, falling back to local time.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.Server.DataDir, "family-event-planner.db")
}

// ManagerConfig returns the lifecycle manager settings.
func (c *Config) ManagerConfig() lifecycle.Config {
	return lifecycle.Config{
		Workers:             c.Workers,
		RegistrationWorkers: c.Registration.Concurrency,
		BufferMinutes:       c.Calendar.BufferMinutes,
	}
}

// OrchestratorConfig returns the registration orchestrator settings.
func (c *Config) OrchestratorConfig() registration.Config {
	return registration.Config{
		MaxAttempts:    c.Registration.MaxAttempts,
		Concurrency:    c.Registration.Concurrency,
		AttemptTimeout: c.Registration.AttemptTimeout,
		InitialBackoff: c.Registration.InitialBackoff,
		MaxBackoff:     c.Registration.MaxBackoff,
	}
}

// BrowserConfig returns the page automation settings.
func (c *Config) BrowserConfig() registration.BrowserConfig {
	return registration.BrowserConfig{
		UserAgent: c.Registration.UserAgent,
		Timeout:   c.Registration.PageTimeout,
	}
}
