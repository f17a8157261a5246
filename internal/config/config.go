// Package config provides configuration loading and validation for the investigator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config represents the service configuration. It can be loaded from a JSON file,
// from the environment, or both; all fields are optional and fall back to Defaults.
type Config struct {
	// Connections
	DatabaseURL  string `json:"database_url,omitempty"`   // PostgreSQL connection URL; empty runs in memory
	APIKey       string `json:"api_key,omitempty"`        // Gemini API key
	SearchAPIKey string `json:"search_api_key,omitempty"` // Custom Search API key, defaults to api_key
	SearchCX     string `json:"search_cx,omitempty"`      // Custom Search engine id; empty disables search grounding

	// Server
	ListenAddr  string `json:"listen_addr,omitempty"`
	EventBuffer int    `json:"event_buffer,omitempty"` // Per-subscriber event queue length

	// Scheduling
	Workers     int    `json:"workers,omitempty"`      // Subtasks running at once across all investigations
	Concurrency int    `json:"concurrency,omitempty"`  // Subtasks running at once per investigation
	MaxAttempts int    `json:"max_attempts,omitempty"` // Attempts before a subtask fails permanently
	Depth       string `json:"depth,omitempty"`        // shallow, moderate or comprehensive

	// Durations, in time.ParseDuration format
	RetryBase        string `json:"retry_base,omitempty"`
	GatewayTimeout   string `json:"gateway_timeout,omitempty"`
	StuckAfter       string `json:"stuck_after,omitempty"`
	WatchdogInterval string `json:"watchdog_interval,omitempty"`

	Verbose bool `json:"verbose,omitempty"`
}

// Durations are the parsed duration fields of a Config
type Durations struct {
	RetryBase        time.Duration
	GatewayTimeout   time.Duration
	StuckAfter       time.Duration
	WatchdogInterval time.Duration
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		EventBuffer:      256,
		Workers:          8,
		Concurrency:      1,
		MaxAttempts:      3,
		Depth:            "moderate",
		RetryBase:        "60s",
		GatewayTimeout:   "2m",
		StuckAfter:       "24h",
		WatchdogInterval: "15m",
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// FromEnv reads configuration from environment variables. Unset variables leave
// the field empty so the result can be merged with a file or defaults.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		APIKey:           os.Getenv("GEMINI_API_KEY"),
		SearchAPIKey:     os.Getenv("GOOGLE_SEARCH_API_KEY"),
		SearchCX:         os.Getenv("GOOGLE_SEARCH_CX"),
		ListenAddr:       os.Getenv("INVESTIGATOR_ADDR"),
		Depth:            os.Getenv("INVESTIGATOR_DEPTH"),
		RetryBase:        os.Getenv("INVESTIGATOR_RETRY_BASE"),
		GatewayTimeout:   os.Getenv("INVESTIGATOR_GATEWAY_TIMEOUT"),
		StuckAfter:       os.Getenv("INVESTIGATOR_STUCK_AFTER"),
		WatchdogInterval: os.Getenv("INVESTIGATOR_WATCHDOG_INTERVAL"),
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"INVESTIGATOR_WORKERS", &cfg.Workers},
		{"INVESTIGATOR_CONCURRENCY", &cfg.Concurrency},
		{"INVESTIGATOR_MAX_ATTEMPTS", &cfg.MaxAttempts},
		{"INVESTIGATOR_EVENT_BUFFER", &cfg.EventBuffer},
	}
	for _, v := range ints {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config error: %s must be an integer: %w", v.name, err)
		}
		*v.dst = n
	}

	if raw := os.Getenv("INVESTIGATOR_VERBOSE"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("config error: INVESTIGATOR_VERBOSE must be a boolean: %w", err)
		}
		cfg.Verbose = b
	}
	return cfg, nil
}

// Validate checks that the configuration has valid values.
// Empty fields are allowed; they are filled by MergeWithDefaults.
func (c *Config) Validate() error {
	for name, n := range map[string]int{
		"workers":      c.Workers,
		"concurrency":  c.Concurrency,
		"max_attempts": c.MaxAttempts,
		"event_buffer": c.EventBuffer,
	} {
		if n < 0 {
			return fmt.Errorf("config error: '%s' must be non-negative", name)
		}
	}

	switch c.Depth {
	case "", "shallow", "moderate", "comprehensive":
	default:
		return fmt.Errorf("config error: 'depth' must be shallow, moderate or comprehensive, got %q", c.Depth)
	}

	if _, err := c.Durations(); err != nil {
		return err
	}
	return nil
}

// Durations parses the duration fields. Empty fields parse as zero.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"retry_base", c.RetryBase, &d.RetryBase},
		{"gateway_timeout", c.GatewayTimeout, &d.GatewayTimeout},
		{"stuck_after", c.StuckAfter, &d.StuckAfter},
		{"watchdog_interval", c.WatchdogInterval, &d.WatchdogInterval},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return Durations{}, fmt.Errorf("config error: '%s' is not a duration: %w", f.name, err)
		}
		if v <= 0 {
			return Durations{}, fmt.Errorf("config error: '%s' must be positive", f.name)
		}
		*f.dst = v
	}
	return d, nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// Used to layer environment over file over built-in values.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	strs := []struct {
		dst *string
		def string
	}{
		{&result.DatabaseURL, defaults.DatabaseURL},
		{&result.APIKey, defaults.APIKey},
		{&result.SearchAPIKey, defaults.SearchAPIKey},
		{&result.SearchCX, defaults.SearchCX},
		{&result.ListenAddr, defaults.ListenAddr},
		{&result.Depth, defaults.Depth},
		{&result.RetryBase, defaults.RetryBase},
		{&result.GatewayTimeout, defaults.GatewayTimeout},
		{&result.StuckAfter, defaults.StuckAfter},
		{&result.WatchdogInterval, defaults.WatchdogInterval},
	}
	for _, s := range strs {
		if *s.dst == "" {
			*s.dst = s.def
		}
	}

	ints := []struct {
		dst *int
		def int
	}{
		{&result.Workers, defaults.Workers},
		{&result.Concurrency, defaults.Concurrency},
		{&result.MaxAttempts, defaults.MaxAttempts},
		{&result.EventBuffer, defaults.EventBuffer},
	}
	for _, n := range ints {
		if *n.dst == 0 {
			*n.dst = n.def
		}
	}

	// Bools cannot distinguish unset from false; either source enables verbose
	result.Verbose = result.Verbose || defaults.Verbose

	return result
}

// Load layers environment over the optional file over Defaults and validates the result
func Load(path string) (Config, error) {
	env, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	base := Defaults()
	if path != "" {
		file, err := LoadConfig(path)
		if err != nil {
			return Config{}, err
		}
		base = file.MergeWithDefaults(base)
	}
	cfg := env.MergeWithDefaults(base)
	if cfg.SearchAPIKey == "" {
		cfg.SearchAPIKey = cfg.APIKey
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
