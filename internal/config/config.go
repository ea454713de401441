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

// Config models famtasks.yml.
type Config struct {
	Automation struct {
		MaxDepth int `yaml:"max_depth"`
	} `yaml:"automation"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Server        struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type NotificationsConfig struct {
	DedupWindow  time.Duration   `yaml:"dedup_window"`
	QueueSize    int             `yaml:"queue_size"`
	MaxAttempts  int             `yaml:"max_attempts"`
	RetryBackoff time.Duration   `yaml:"retry_backoff"`
	Webhooks     []WebhookConfig `yaml:"webhooks"`
	NATS         NATSConfig      `yaml:"nats"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Load reads config from the workspace. A missing file yields Default().
func Load(workspace string) (*Config, error) {
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
	if c.Automation.MaxDepth < 1 {
		return fmt.Errorf("config.automation.max_depth must be at least 1")
	}
	n := c.Notifications
	if n.QueueSize < 1 {
		return fmt.Errorf("config.notifications.queue_size must be at least 1")
	}
	if n.MaxAttempts < 1 {
		return fmt.Errorf("config.notifications.max_attempts must be at least 1")
	}
	if n.DedupWindow < 0 || n.RetryBackoff < 0 {
		return fmt.Errorf("config.notifications durations must not be negative")
	}
	for i, hook := range n.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.notifications.webhooks[%d] has an empty event type", i)
			}
		}
	}
	if n.NATS.URL != "" && strings.TrimSpace(n.NATS.SubjectPrefix) == "" {
		return fmt.Errorf("config.notifications.nats.subject_prefix is required when nats.url is set")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "famtasks.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
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

const defaultTemplate = `automation:
  max_depth: 8

notifications:
  dedup_window: 5m
  queue_size: 256
  max_attempts: 3
  retry_backoff: 2s
  webhooks: []
  nats:
    url: ""
    subject_prefix: famtasks

server:
  addr: 127.0.0.1:8080
  base_path: /v1
`
