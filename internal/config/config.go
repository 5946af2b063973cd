package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models grovekeeper.yml.
type Config struct {
	Moderator struct {
		Handle string `yaml:"handle"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"moderator"`
	Scoring struct {
		ApprovalPoints int `yaml:"approval_points"`
	} `yaml:"scoring"`
	Defaults struct {
		WaterIntervalDays int `yaml:"water_interval_days"`
		CleanIntervalDays int `yaml:"clean_interval_days"`
	} `yaml:"defaults"`
	Gateway struct {
		URL            string `yaml:"url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"gateway"`
	Report struct {
		Title string `yaml:"title"`
	} `yaml:"report"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Moderator.Handle == "" {
		return fmt.Errorf("config.moderator.handle is required")
	}
	if c.Scoring.ApprovalPoints <= 0 {
		return fmt.Errorf("config.scoring.approval_points must be positive")
	}
	if c.Defaults.WaterIntervalDays <= 0 {
		return fmt.Errorf("config.defaults.water_interval_days must be positive")
	}
	if c.Defaults.CleanIntervalDays <= 0 {
		return fmt.Errorf("config.defaults.clean_interval_days must be positive")
	}
	if c.Gateway.TimeoutSeconds < 0 {
		return fmt.Errorf("config.gateway.timeout_seconds cannot be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "grovekeeper.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with gk config import --file <path>", path)
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

// Default returns the default Config struct for a moderator handle.
func Default(moderator string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, moderator)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(moderator string) string {
	return fmt.Sprintf(defaultTemplate, moderator)
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

// ToYAML serializes the config for storage.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `moderator:
  handle: %s
  chat_id: 0

scoring:
  approval_points: 10

defaults:
  water_interval_days: 3
  clean_interval_days: 7

gateway:
  url: ""
  secret: ""
  timeout_seconds: 5

report:
  title: "Grovekeeper maintenance report"
`
