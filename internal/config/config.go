package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models skylane.yml.
type Config struct {
	Provider struct {
		Manager string `yaml:"manager"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"provider"`
	Registry struct {
		BaseURL  string `yaml:"base_url"`
		Audience string `yaml:"audience"`
	} `yaml:"registry"`
	Auth struct {
		TokenURL     string `yaml:"token_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		Scope        string `yaml:"scope"`
	} `yaml:"auth"`
	Deconfliction struct {
		MaxPriority   int  `yaml:"max_priority"`
		EnableNetwork bool `yaml:"enable_network"`
	} `yaml:"deconfliction"`
	Conformance struct {
		MaxSilenceSeconds int `yaml:"max_silence_seconds"`
	} `yaml:"conformance"`
	Notify struct {
		TestDomains []string `yaml:"test_domains"`
	} `yaml:"notify"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sky config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Provider.Manager == "" {
		return fmt.Errorf("config.provider.manager is required")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("config.provider.base_url is required")
	}
	if _, err := url.Parse(c.Provider.BaseURL); err != nil {
		return fmt.Errorf("config.provider.base_url: %w", err)
	}
	if c.Deconfliction.EnableNetwork {
		if c.Registry.BaseURL == "" {
			return fmt.Errorf("config.registry.base_url is required when network participation is enabled")
		}
		if c.Auth.TokenURL == "" {
			return fmt.Errorf("config.auth.token_url is required when network participation is enabled")
		}
	}
	if c.Deconfliction.MaxPriority <= 0 {
		return fmt.Errorf("config.deconfliction.max_priority must be positive")
	}
	if c.Conformance.MaxSilenceSeconds < 0 {
		return fmt.Errorf("config.conformance.max_silence_seconds must not be negative")
	}
	for _, d := range c.Notify.TestDomains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("config.notify.test_domains contains an empty entry")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "skylane.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(manager, baseURL string) string {
	return fmt.Sprintf(defaultTemplate, manager, baseURL)
}

// Default returns the default Config struct for a provider.
func Default(manager, baseURL string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, manager, baseURL)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `provider:
  manager: %s
  base_url: %s

registry:
  base_url: ""
  audience: ""

auth:
  token_url: ""
  client_id: ""
  client_secret: ""
  scope: utm.strategic_coordination

deconfliction:
  max_priority: 100
  enable_network: false

conformance:
  max_silence_seconds: 15

notify:
  test_domains:
    - uss.internal.test

server:
  jwt_secret: ""
`
