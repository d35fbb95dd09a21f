package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the root config file, applies defaults, and expands ${VAR}
// references from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// WebhookConfig is one external event destination from webhooks.yaml.
type WebhookConfig struct {
	Name     string            `yaml:"name"`
	Adapter  string            `yaml:"adapter"` // webhook | slack | dingtalk | feishu
	Endpoint string            `yaml:"endpoint"`
	Events   []string          `yaml:"events"` // "*", type, or "message_delta:<subtype>"
	Enabled  bool              `yaml:"enabled"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"`

	// RetryCount is the number of retries after the first attempt.
	RetryCount int `yaml:"retry_count"`

	// Template is the payload template for the webhook adapter.
	Template string `yaml:"template,omitempty"`
}

// WebhooksDocument is the top-level shape of webhooks.yaml.
type WebhooksDocument struct {
	Subscriptions []WebhookConfig `yaml:"subscriptions"`
}

// LoadWebhooks reads webhooks.yaml. A missing path yields an empty document.
func LoadWebhooks(path string) (*WebhooksDocument, error) {
	doc := &WebhooksDocument{}
	if strings.TrimSpace(path) == "" {
		return doc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("read webhooks config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), doc); err != nil {
		return nil, fmt.Errorf("parse webhooks config: %w", err)
	}
	return doc, nil
}

