// ABOUTME: Configuration loading and parsing for nebula-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/nebula-gateway/internal/plans"
)

// Config represents the complete nebula-gateway configuration
type Config struct {
	Database DatabaseConfig        `yaml:"database" toml:"database"`
	Matrix   MatrixConfig          `yaml:"matrix" toml:"matrix"`
	Bridge   BridgeConfig          `yaml:"bridge" toml:"bridge"`
	Mistral  MistralConfig         `yaml:"mistral" toml:"mistral"`
	Workers  WorkersConfig         `yaml:"workers" toml:"workers"`
	Context  ContextConfig         `yaml:"context" toml:"context"`
	Gate     GateConfig            `yaml:"gate" toml:"gate"`
	Users    UsersConfig           `yaml:"users" toml:"users"`
	Plans    map[string]plans.Tier `yaml:"plans" toml:"plans"`
	Logging  LoggingConfig         `yaml:"logging" toml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// MatrixConfig holds Matrix login and encryption settings.
// Either access_token or password is required.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	DeviceID    string `yaml:"device_id" toml:"device_id"`

	// Encryption is enabled when CryptoDB is set.
	CryptoDB    string `yaml:"crypto_db" toml:"crypto_db"`
	PickleKey   string `yaml:"pickle_key" toml:"pickle_key"`
	RecoveryKey string `yaml:"recovery_key" toml:"recovery_key"`
}

// BridgeConfig controls how chat messages are accepted and answered
type BridgeConfig struct {
	AllowedRooms     []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	CommandPrefix    string   `yaml:"command_prefix" toml:"command_prefix"`
	TypingIndicator  bool     `yaml:"typing_indicator" toml:"typing_indicator"`
	MaxMessageLength int      `yaml:"max_message_length" toml:"max_message_length"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// MistralConfig holds model API settings
type MistralConfig struct {
	APIKey     string `yaml:"api_key" toml:"api_key"`
	BaseURL    string `yaml:"base_url" toml:"base_url"`
	ImageDir   string `yaml:"image_dir" toml:"image_dir"`
	ImageModel string `yaml:"image_model" toml:"image_model"`

	// DocumentLibraries are the library IDs /doc searches. Empty means
	// every library the API key can see.
	DocumentLibraries []string `yaml:"document_libraries" toml:"document_libraries"`
	DocumentModel     string   `yaml:"document_model" toml:"document_model"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// WorkersConfig sizes the pool and its retry policy
type WorkersConfig struct {
	Count       int `yaml:"count" toml:"count"`
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`

	BackoffBase    time.Duration `yaml:"-" toml:"-"`
	BackoffBaseRaw string        `yaml:"backoff_base" toml:"backoff_base"`
}

// ContextConfig tunes conversation memory and topic detection
type ContextConfig struct {
	MaxMessages         int      `yaml:"max_messages" toml:"max_messages"`
	RecentWindow        int      `yaml:"recent_window" toml:"recent_window"`
	MaxKeywords         int      `yaml:"max_keywords" toml:"max_keywords"`
	DriftThreshold      float64  `yaml:"drift_threshold" toml:"drift_threshold"`
	MinMessagesForReset int      `yaml:"min_messages_for_reset" toml:"min_messages_for_reset"`
	ResetPhrases        []string `yaml:"reset_phrases" toml:"reset_phrases"`
}

// GateConfig holds input validation limits
type GateConfig struct {
	MaxLength      int `yaml:"max_length" toml:"max_length"`
	MinLength      int `yaml:"min_length" toml:"min_length"`
	ShortThreshold int `yaml:"short_threshold" toml:"short_threshold"`
	MaxRepeat      int `yaml:"max_repeat" toml:"max_repeat"`
}

// UsersConfig sets what new users start with
type UsersConfig struct {
	DefaultPlan string  `yaml:"default_plan" toml:"default_plan"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	TopP        float64 `yaml:"top_p" toml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults returns a Config with every tunable at its built-in value.
func Defaults() Config {
	return Config{
		Bridge: BridgeConfig{
			CommandPrefix:    "",
			TypingIndicator:  true,
			MaxMessageLength: 4096,
			DedupeTTLRaw:     "10m",
		},
		Mistral: MistralConfig{
			BaseURL:       "https://api.mistral.ai",
			ImageModel:    plans.ModelPaid,
			DocumentModel: "mistral-medium-2505",
			TimeoutRaw:    "60s",
		},
		Workers: WorkersConfig{
			Count:          8,
			MaxAttempts:    3,
			BackoffBaseRaw: "1s",
		},
		Context: ContextConfig{
			MaxMessages:         12,
			RecentWindow:        4,
			MaxKeywords:         10,
			DriftThreshold:      0.7,
			MinMessagesForReset: 4,
		},
		Gate: GateConfig{
			MaxLength:      4000,
			MinLength:      3,
			ShortThreshold: 20,
			MaxRepeat:      20,
		},
		Users: UsersConfig{
			DefaultPlan: plans.Free,
			Temperature: 0.7,
			TopP:        1.0,
			MaxTokens:   4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// DefaultPath returns where the config file is looked for.
// Priority: NEBULA_CONFIG env var > XDG_CONFIG_HOME/nebula/gateway.yaml > ~/.config/nebula/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("NEBULA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "nebula", "gateway.yaml")
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}
	if c.Matrix.AccessToken == "" {
		if c.Matrix.Username == "" || c.Matrix.Password == "" {
			return fmt.Errorf("matrix.access_token or matrix.username and matrix.password are required")
		}
	} else if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required with matrix.access_token")
	}
	if c.Matrix.CryptoDB != "" && c.Matrix.PickleKey == "" {
		return fmt.Errorf("matrix.pickle_key is required when matrix.crypto_db is set")
	}

	if c.Mistral.APIKey == "" {
		return fmt.Errorf("mistral.api_key is required")
	}

	if c.Bridge.MaxMessageLength < 100 {
		return fmt.Errorf("bridge.max_message_length must be at least 100")
	}

	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Workers.MaxAttempts < 1 {
		return fmt.Errorf("workers.max_attempts must be at least 1")
	}

	if c.Context.MaxMessages < 1 {
		return fmt.Errorf("context.max_messages must be at least 1")
	}
	if c.Context.DriftThreshold <= 0 || c.Context.DriftThreshold > 1 {
		return fmt.Errorf("context.drift_threshold must be in (0, 1]")
	}

	if c.Gate.MinLength < 0 || c.Gate.MaxLength <= c.Gate.MinLength {
		return fmt.Errorf("gate.max_length must be greater than gate.min_length")
	}

	if !c.Policy().Known(c.Users.DefaultPlan) {
		return fmt.Errorf("users.default_plan %q is not a known plan", c.Users.DefaultPlan)
	}

	if !slices.Contains(logLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of %s", strings.Join(logLevels, ", "))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		return fmt.Errorf("logging.format must be one of %s", strings.Join(logFormats, ", "))
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"bridge.dedupe_ttl", cfg.Bridge.DedupeTTLRaw, &cfg.Bridge.DedupeTTL},
		{"mistral.timeout", cfg.Mistral.TimeoutRaw, &cfg.Mistral.Timeout},
		{"workers.backoff_base", cfg.Workers.BackoffBaseRaw, &cfg.Workers.BackoffBase},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// Policy builds the plan policy from the configured tiers.
func (c *Config) Policy() *plans.Policy {
	return plans.NewPolicy(c.Plans)
}
