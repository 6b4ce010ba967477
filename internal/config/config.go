package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mpataki/handoff/internal/a2a"
	"github.com/mpataki/handoff/internal/logging"
	"github.com/mpataki/handoff/internal/models"
)

const (
	EnvPrefix  = "HANDOFF"
	envDataDir = "HANDOFF_DATA_DIR"
)

type Config struct {
	DataDir string `mapstructure:"-"`

	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type EndpointsConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Stages overrides the base URL of individual stages, keyed by stage name.
	Stages map[string]string `mapstructure:"stages"`
}

type TimeoutsConfig struct {
	RequestSeconds     int `mapstructure:"request_seconds"`
	ResubscribeSeconds int `mapstructure:"resubscribe_seconds"`
	// StreamSeconds bounds one stage subscription. 0 disables the bound.
	StreamSeconds int `mapstructure:"stream_seconds"`
}

type ReplayConfig struct {
	StepDelayMs int `mapstructure:"step_delay_ms"`
}

type RoutingConfig struct {
	DefaultRoute string `mapstructure:"default_route"`
	// Script is an optional Lua file defining route(decision, prompt, artifacts).
	Script string `mapstructure:"script"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns a Config with the built-in values.
func Default() *Config {
	return &Config{
		DataDir: DataDir(),
		Endpoints: EndpointsConfig{
			BaseURL: "http://localhost:8000",
			Stages:  map[string]string{},
		},
		Timeouts: TimeoutsConfig{
			RequestSeconds:     20,
			ResubscribeSeconds: 5,
			StreamSeconds:      300,
		},
		Replay: ReplayConfig{
			StepDelayMs: 600,
		},
		Routing: RoutingConfig{
			DefaultRoute: "medical_research",
		},
		Logging: LoggingConfig{
			Level: logging.LevelInfo,
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("endpoints.base_url", defaults.Endpoints.BaseURL)
	v.SetDefault("endpoints.stages", defaults.Endpoints.Stages)

	v.SetDefault("timeouts.request_seconds", defaults.Timeouts.RequestSeconds)
	v.SetDefault("timeouts.resubscribe_seconds", defaults.Timeouts.ResubscribeSeconds)
	v.SetDefault("timeouts.stream_seconds", defaults.Timeouts.StreamSeconds)

	v.SetDefault("replay.step_delay_ms", defaults.Replay.StepDelayMs)

	v.SetDefault("routing.default_route", defaults.Routing.DefaultRoute)
	v.SetDefault("routing.script", defaults.Routing.Script)

	v.SetDefault("logging.level", defaults.Logging.Level)
}

// NewViper returns a viper instance reading config.yaml from the data dir and
// HANDOFF_* environment variables. A missing config file is not an error.
func NewViper(dataDir string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// New loads the configuration for the current user.
func New() (*Config, error) {
	dataDir := DataDir()
	v, err := NewViper(dataDir)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(v)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir
	return cfg, nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DataDir is ~/.handoff unless HANDOFF_DATA_DIR is set.
func DataDir() string {
	if dir, ok := os.LookupEnv(envDataDir); ok && dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".handoff"
	}
	return filepath.Join(home, ".handoff")
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "handoff.db")
}

// StageEndpoints resolves the base URL of every stage.
func (c *Config) StageEndpoints() map[models.StageName]string {
	overrides := make(map[models.StageName]string, len(c.Endpoints.Stages))
	for name, u := range c.Endpoints.Stages {
		overrides[models.StageName(strings.ToLower(name))] = u
	}
	return a2a.StageEndpoints(c.Endpoints.BaseURL, overrides)
}

func (c *TimeoutsConfig) Request() time.Duration {
	return time.Duration(c.RequestSeconds) * time.Second
}

func (c *TimeoutsConfig) Resubscribe() time.Duration {
	return time.Duration(c.ResubscribeSeconds) * time.Second
}

// Stream returns the subscription bound (0 means unbounded).
func (c *TimeoutsConfig) Stream() time.Duration {
	return time.Duration(c.StreamSeconds) * time.Second
}

func (c *ReplayConfig) StepDelay() time.Duration {
	return time.Duration(c.StepDelayMs) * time.Millisecond
}

// ValidationError represents a single invalid field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate returns every invalid value found, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if !validURL(c.Endpoints.BaseURL) {
		errs = append(errs, ValidationError{"endpoints.base_url", c.Endpoints.BaseURL, "must be an absolute http(s) URL"})
	}
	for name, u := range c.Endpoints.Stages {
		if !models.StageName(strings.ToLower(name)).Valid() {
			errs = append(errs, ValidationError{"endpoints.stages", name, "unknown stage"})
			continue
		}
		if !validURL(u) {
			errs = append(errs, ValidationError{"endpoints.stages." + name, u, "must be an absolute http(s) URL"})
		}
	}

	if c.Timeouts.RequestSeconds <= 0 {
		errs = append(errs, ValidationError{"timeouts.request_seconds", c.Timeouts.RequestSeconds, "must be positive"})
	}
	if c.Timeouts.ResubscribeSeconds <= 0 {
		errs = append(errs, ValidationError{"timeouts.resubscribe_seconds", c.Timeouts.ResubscribeSeconds, "must be positive"})
	}
	if c.Timeouts.StreamSeconds < 0 {
		errs = append(errs, ValidationError{"timeouts.stream_seconds", c.Timeouts.StreamSeconds, "must be 0 or positive"})
	}
	if c.Replay.StepDelayMs < 0 {
		errs = append(errs, ValidationError{"replay.step_delay_ms", c.Replay.StepDelayMs, "must be 0 or positive"})
	}
	if strings.TrimSpace(c.Routing.DefaultRoute) == "" {
		errs = append(errs, ValidationError{"routing.default_route", c.Routing.DefaultRoute, "must not be empty"})
	}
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, ValidationError{"logging.level", c.Logging.Level, "must be one of DEBUG, INFO, WARN, ERROR"})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
