package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fedboard.yml.
type Config struct {
	Agent struct {
		Host    string        `yaml:"host" json:"host"`
		Port    int           `yaml:"port" json:"port"`
		App     string        `yaml:"app" json:"app"`
		Timeout time.Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"agent" json:"agent"`
	Catalog struct {
		URL     string `yaml:"url,omitempty" json:"url,omitempty"`
		Path    string `yaml:"path,omitempty" json:"path,omitempty"`
		BaseURL string `yaml:"base_url" json:"base_url"`
	} `yaml:"catalog" json:"catalog"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// WebhookConfig forwards event log entries to URL while fb serve runs.
// An empty Events list forwards every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.Host) == "" {
		return fmt.Errorf("config.agent.host is required")
	}
	if err := ValidatePort(c.Agent.Port); err != nil {
		return fmt.Errorf("config.agent.port: %w", err)
	}
	if strings.TrimSpace(c.Agent.App) == "" {
		return fmt.Errorf("config.agent.app is required")
	}
	if strings.Contains(c.Agent.App, "/") {
		return fmt.Errorf("config.agent.app must not contain '/'")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("config.agent.timeout must be positive")
	}
	if c.Catalog.URL != "" && c.Catalog.Path != "" {
		return fmt.Errorf("config.catalog: set url or path, not both")
	}
	if c.Catalog.URL == "" && c.Catalog.Path == "" {
		return fmt.Errorf("config.catalog: url or path is required")
	}
	if c.Catalog.URL != "" {
		u, err := url.Parse(c.Catalog.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.catalog.url must be an http(s) URL")
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with '/'")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// ValidatePort checks that p is a usable TCP port.
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", p)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fedboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left
// out keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Catalog.URL != "" && !catalogPathSet(data) {
		cfg.Catalog.Path = ""
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// catalogPathSet reports whether the document sets catalog.path itself,
// as opposed to inheriting the default.
func catalogPathSet(data []byte) bool {
	var probe struct {
		Catalog struct {
			Path *string `yaml:"path"`
		} `yaml:"catalog"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Catalog.Path != nil
}

const defaultTemplate = `agent:
  host: localhost
  port: 8080
  app: fedreduce
  timeout: 10s

catalog:
  path: ./activity.json
  base_url: http://syftbox.openmined.org/datasites

server:
  addr: 127.0.0.1:8090
  base_path: /v0
`
