package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the probe session tunables
type Config struct {
	LogLevel logrus.Level `yaml:"-" json:"log_level"`
	Level    string       `yaml:"log_level" default:"info"`

	// Scanning and selection
	ScanTimeout       time.Duration `yaml:"scan_timeout" default:"10s"`
	ScanThreshold     int           `yaml:"scan_threshold" default:"-80"`
	ViableThreshold   int           `yaml:"viable_threshold" default:"-70"`
	ClearWinnerMargin int           `yaml:"clear_winner_margin" default:"10"`
	DetectionGrace    time.Duration `yaml:"detection_grace" default:"500ms"`
	ScanRetryDelay    time.Duration `yaml:"scan_retry_delay" default:"1500ms"`
	MaxScanRetries    int           `yaml:"max_scan_retries" default:"1"`

	// Connection
	ConnectTimeout          time.Duration `yaml:"connect_timeout" default:"10s"`
	BackoffInitial          time.Duration `yaml:"backoff_initial" default:"1s"`
	BackoffMax              time.Duration `yaml:"backoff_max" default:"5s"`
	AttemptsSingleCandidate int           `yaml:"attempts_single_candidate" default:"2"`
	AttemptsMultiCandidate  int           `yaml:"attempts_multi_candidate" default:"1"`
	MaxConnectionFailures   int           `yaml:"max_connection_failures" default:"2"`
	Cooldown                time.Duration `yaml:"cooldown" default:"2s"`

	// Timers
	InactivityTimeout    time.Duration `yaml:"inactivity_timeout" default:"60s"`
	SaveGracePeriod      time.Duration `yaml:"save_grace_period" default:"20s"`
	KeepaliveIdle        time.Duration `yaml:"keepalive_idle" default:"750ms"`
	MaxKeepaliveFailures int           `yaml:"max_keepalive_failures" default:"3"`
	VerifyTimeout        time.Duration `yaml:"verify_timeout" default:"500ms"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel, _ = logrus.ParseLevel(cfg.Level)
	return cfg
}

// Load overlays the YAML file at path onto the defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level in %q: %w", path, err)
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the session cannot run with
func (c *Config) Validate() error {
	var errs []error

	durations := map[string]time.Duration{
		"scan_timeout":       c.ScanTimeout,
		"detection_grace":    c.DetectionGrace,
		"connect_timeout":    c.ConnectTimeout,
		"backoff_initial":    c.BackoffInitial,
		"backoff_max":        c.BackoffMax,
		"cooldown":           c.Cooldown,
		"inactivity_timeout": c.InactivityTimeout,
		"save_grace_period":  c.SaveGracePeriod,
		"keepalive_idle":     c.KeepaliveIdle,
		"verify_timeout":     c.VerifyTimeout,
	}
	for _, name := range sortedKeys(durations) {
		if durations[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, durations[name]))
		}
	}

	if c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("backoff_max (%s) must not be below backoff_initial (%s)", c.BackoffMax, c.BackoffInitial))
	}
	if c.ViableThreshold < c.ScanThreshold {
		errs = append(errs, fmt.Errorf("viable_threshold (%d) must not be weaker than scan_threshold (%d)", c.ViableThreshold, c.ScanThreshold))
	}
	if c.MaxConnectionFailures < 1 {
		errs = append(errs, errors.New("max_connection_failures must be at least 1"))
	}
	if c.AttemptsSingleCandidate < 1 || c.AttemptsMultiCandidate < 1 {
		errs = append(errs, errors.New("connection attempts per candidate must be at least 1"))
	}
	if c.MaxKeepaliveFailures < 1 {
		errs = append(errs, errors.New("max_keepalive_failures must be at least 1"))
	}
	if c.MaxScanRetries < 0 {
		errs = append(errs, errors.New("max_scan_retries must not be negative"))
	}

	return errors.Join(errs...)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
