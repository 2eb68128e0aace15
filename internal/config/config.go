package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models esmap.yml.
type Config struct {
	Server struct {
		Addr          string `yaml:"addr"`
		BasePath      string `yaml:"base_path"`
		JWTSecret     string `yaml:"jwt_secret"`
		SessionHours  int    `yaml:"session_hours"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"server"`
	Entu struct {
		URL     string            `yaml:"url"`
		Account string            `yaml:"account"`
		Token   string            `yaml:"token"`
		Types   map[string]string `yaml:"types"`
	} `yaml:"entu"`
	Cache struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"cache"`
	Outbox struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"outbox"`
}

// Logical entity kinds resolved to account-specific type names.
const (
	TypeTask     = "task"
	TypeLocation = "location"
	TypeResponse = "response"
	TypeGroup    = "group"
	TypePerson   = "person"
)

var defaultTypes = map[string]string{
	TypeTask:     "ulesanne",
	TypeLocation: "asukoht",
	TypeResponse: "vastus",
	TypeGroup:    "grupp",
	TypePerson:   "person",
}

// EntityType resolves a logical entity kind to the account's type name.
func (c *Config) EntityType(kind string) string {
	if c.Entu.Types != nil {
		if name, ok := c.Entu.Types[kind]; ok && name != "" {
			return name
		}
	}
	return defaultTypes[kind]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Entu.URL) == "" {
		return fmt.Errorf("config.entu.url is required")
	}
	if strings.TrimSpace(c.Entu.Account) == "" {
		return fmt.Errorf("config.entu.account is required")
	}
	if c.Server.SessionHours < 0 {
		return fmt.Errorf("config.server.session_hours must not be negative")
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config.cache.ttl_seconds must not be negative")
	}
	if c.Outbox.MaxAttempts < 0 {
		return fmt.Errorf("config.outbox.max_attempts must not be negative")
	}
	for kind, name := range c.Entu.Types {
		if _, ok := defaultTypes[kind]; !ok {
			return fmt.Errorf("config.entu.types has unknown kind %s", kind)
		}
		if name == "" {
			return fmt.Errorf("config.entu.types.%s is empty", kind)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "esmap.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with esmap config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	applyDefaults(&cfg)
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

// Default returns the default Config for an Entu account.
func Default(account string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(account)), &cfg)
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8085"
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/v1"
	}
	if cfg.Server.SessionHours == 0 {
		cfg.Server.SessionHours = 24
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 300
	}
	if cfg.Outbox.MaxAttempts == 0 {
		cfg.Outbox.MaxAttempts = 5
	}
}

// GenerateDefault returns default config YAML.
func GenerateDefault(account string) string {
	return fmt.Sprintf(defaultTemplate, account)
}

const defaultTemplate = `server:
  addr: ":8085"
  base_path: /v1
  jwt_secret: ""
  session_hours: 24
  webhook_secret: ""

entu:
  url: https://entu.app/api
  account: %s
  token: ""
  types:
    task: ulesanne
    location: asukoht
    response: vastus
    group: grupp
    person: person

cache:
  ttl_seconds: 300

outbox:
  max_attempts: 5
`
