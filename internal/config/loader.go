package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"launtelha/internal/planmachine"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the config directory
const FileName = "config.yaml"

// DefaultHTTPPort is used when http_port is not set
const DefaultHTTPPort = 8080

// Duration is a time.Duration written as a Go duration string in YAML
type Duration time.Duration

// UnmarshalYAML parses values such as "45s" or "10m"
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", value.Line)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PolicyConfig overrides the polling policy; zero fields keep the default
type PolicyConfig struct {
	StableInterval     Duration `yaml:"stable_interval"`
	PendingInterval    Duration `yaml:"pending_interval"`
	MaxPendingDuration Duration `yaml:"max_pending_duration"`
	BackoffCeiling     Duration `yaml:"backoff_ceiling"`
	FailureThreshold   int      `yaml:"failure_threshold"`
}

// Policy merges the overrides onto planmachine.DefaultPolicy
func (p PolicyConfig) Policy() planmachine.Policy {
	policy := planmachine.DefaultPolicy()
	if p.StableInterval > 0 {
		policy.StableInterval = p.StableInterval.Std()
	}
	if p.PendingInterval > 0 {
		policy.PendingInterval = p.PendingInterval.Std()
	}
	if p.MaxPendingDuration > 0 {
		policy.MaxPendingDuration = p.MaxPendingDuration.Std()
	}
	if p.BackoffCeiling > 0 {
		policy.BackoffCeiling = p.BackoffCeiling.Std()
	}
	if p.FailureThreshold > 0 {
		policy.FailureThreshold = p.FailureThreshold
	}
	return policy
}

// ServiceConfig is one managed service instance
type ServiceConfig struct {
	ID string `yaml:"id"`
	// Prefix names the Home Assistant helpers; defaults to launtel_<id>
	Prefix string `yaml:"prefix"`
	// Debug raises this instance's logger to debug level
	Debug bool `yaml:"debug"`
}

// PortalConfig points at the provider's customer portal
type PortalConfig struct {
	BaseURL  string   `yaml:"base_url"`
	Timeout  Duration `yaml:"timeout"`
	Username string   `yaml:"-"`
	Password string   `yaml:"-"`
}

// NATSConfig enables transition events when URL is set
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HomeAssistantConfig holds the connection, filled from the environment, and
// the name of the input_boolean that triggers a refresh of every service.
type HomeAssistantConfig struct {
	URL            string `yaml:"-"`
	Token          string `yaml:"-"`
	RefreshBoolean string `yaml:"refresh_boolean"`
}

// Config is the whole daemon configuration
type Config struct {
	HTTPPort      int                 `yaml:"http_port"`
	ReadOnly      bool                `yaml:"read_only"`
	Portal        PortalConfig        `yaml:"portal"`
	Policy        PolicyConfig        `yaml:"policy"`
	Services      []ServiceConfig     `yaml:"services"`
	NATS          NATSConfig          `yaml:"nats"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
}

var (
	prefixPattern = regexp.MustCompile(`^[a-z0-9_]+$`)
	nonWord       = regexp.MustCompile(`[^a-z0-9]+`)
)

// Validate checks the loaded values. An empty service list is valid and
// means every service on the account is managed.
func (c *Config) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.Portal.Username == "" || c.Portal.Password == "" {
		return errors.New("LAUNTEL_USERNAME and LAUNTEL_PASSWORD must be set")
	}
	if err := c.Policy.Policy().Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	seen := make(map[string]bool, len(c.Services))
	prefixes := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if svc.ID == "" {
			return fmt.Errorf("services[%d]: id is required", i)
		}
		if seen[svc.ID] {
			return fmt.Errorf("services[%d]: duplicate id %s", i, svc.ID)
		}
		seen[svc.ID] = true
		prefix := svc.EntityPrefix()
		if !prefixPattern.MatchString(prefix) {
			return fmt.Errorf("services[%d]: prefix %q must be lower case letters, digits and underscores", i, prefix)
		}
		if prefixes[prefix] {
			return fmt.Errorf("services[%d]: duplicate prefix %s", i, prefix)
		}
		prefixes[prefix] = true
	}
	return nil
}

// EntityPrefix returns the configured prefix or the default for the service
func (s ServiceConfig) EntityPrefix() string {
	if s.Prefix != "" {
		return s.Prefix
	}
	return DefaultPrefix(s.ID)
}

// DefaultPrefix derives a helper prefix from a service id
func DefaultPrefix(serviceID string) string {
	id := strings.ToLower(serviceID)
	id = nonWord.ReplaceAllString(id, "_")
	return "launtel_" + strings.Trim(id, "_")
}

// Service returns the configuration for id, or the defaults when the
// service was discovered rather than configured.
func (c *Config) Service(id string) ServiceConfig {
	for _, svc := range c.Services {
		if svc.ID == id {
			return svc
		}
	}
	return ServiceConfig{ID: id}
}

// Loader reads config.yaml from a directory and overlays the environment
type Loader struct {
	configDir string
	logger    *zap.Logger
	getenv    func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger.Named("config"),
		getenv:    os.Getenv,
	}
}

// Load reads the file, applies environment overrides and validates the
// result. A missing file is not an error; everything then comes from the
// environment and defaults.
func (l *Loader) Load() (*Config, error) {
	path := filepath.Join(l.configDir, FileName)
	l.logger.Debug("Loading config", zap.String("path", path))

	cfg := &Config{HTTPPort: DefaultHTTPPort}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.logger.Warn("No config file found, using defaults", zap.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l.logger.Info("Config loaded",
		zap.Int("services", len(cfg.Services)),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Bool("read_only", cfg.ReadOnly),
		zap.Bool("events", cfg.NATS.URL != ""))
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	cfg.Portal.Username = l.getenv("LAUNTEL_USERNAME")
	cfg.Portal.Password = l.getenv("LAUNTEL_PASSWORD")
	cfg.HomeAssistant.URL = l.getenv("HA_URL")
	cfg.HomeAssistant.Token = l.getenv("HA_TOKEN")

	if v := l.getenv("READ_ONLY"); v != "" {
		cfg.ReadOnly = v == "true"
	}
	if v := l.getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT %q: %w", v, err)
		}
		cfg.HTTPPort = port
	}
	if v := l.getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	return nil
}
