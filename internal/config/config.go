package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"dealhealth/internal/health"
)

// Config models dealhealth.yml.
type Config struct {
	Health struct {
		Thresholds    health.Thresholds `yaml:"thresholds"`
		DefaultScore  int               `yaml:"default_score"`
		StarterFields []StarterField    `yaml:"starter_fields"`
	} `yaml:"health"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Store struct {
		RetryAttempts  int    `yaml:"retry_attempts"`
		RetryBaseDelay string `yaml:"retry_base_delay"`
	} `yaml:"store"`
	Log LogConfig `yaml:"log"`
}

// StarterField is a missing field seeded on every new deal.
type StarterField struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Impact      int    `yaml:"impact"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type LogConfig struct {
	Level             string `yaml:"level"`
	Encoding          string `yaml:"encoding"`
	Development       bool   `yaml:"development"`
	DisableCaller     bool   `yaml:"disable_caller"`
	DisableStacktrace bool   `yaml:"disable_stacktrace"`
	Sampling          bool   `yaml:"sampling"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dh config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the default one if the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
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
	if err := c.Health.Thresholds.Validate(); err != nil {
		return fmt.Errorf("config.health.thresholds: %w", err)
	}
	if !health.ValidScore(c.Health.DefaultScore) {
		return fmt.Errorf("config.health.default_score must be within [0,100]")
	}
	seen := map[string]struct{}{}
	for i, f := range c.Health.StarterFields {
		if f.Name == "" {
			return fmt.Errorf("config.health.starter_fields[%d].name is required", i)
		}
		if f.Impact < 0 {
			return fmt.Errorf("starter field %s has negative impact", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("starter field %s defined twice", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	if c.Store.RetryAttempts < 0 {
		return fmt.Errorf("config.store.retry_attempts must be >= 0")
	}
	if c.Store.RetryBaseDelay != "" {
		if _, err := time.ParseDuration(c.Store.RetryBaseDelay); err != nil {
			return fmt.Errorf("config.store.retry_base_delay: %w", err)
		}
	}
	switch c.Log.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.encoding must be json or console")
	}
	return nil
}

// RetryBaseDelay returns the parsed base delay for store retries.
func (c *Config) RetryBaseDelay() time.Duration {
	if d, err := time.ParseDuration(c.Store.RetryBaseDelay); err == nil && d > 0 {
		return d
	}
	return 20 * time.Millisecond
}

// RolePermissions returns the permissions granted to role.
func (c *Config) RolePermissions(role string) []string {
	if r, ok := c.RBAC.Roles[role]; ok {
		return r.Permissions
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealhealth.yml")
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	// Maps merge on decode; a file that lists roles replaces the default set.
	var roles struct {
		RBAC struct {
			Roles map[string]RBACRole `yaml:"roles"`
		} `yaml:"rbac"`
	}
	if err := yaml.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if roles.RBAC.Roles != nil {
		cfg.RBAC.Roles = roles.RBAC.Roles
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}


const defaultTemplate = `health:
  thresholds:
    healthy: 80
    watch: 50
  default_score: 50
  starter_fields:
    - name: Next Step
      description: Define the next step in the sales process
      impact: 10
    - name: Close Plan
      description: Document the steps to close this deal
      impact: 15
    - name: Primary Contact
      description: Identify and document primary contact
      impact: 10
    - name: Forecast Category
      description: Assign appropriate forecast category
      impact: 10

rbac:
  roles:
    rep:
      description: "Account executive working their own deals"
      permissions: [deal.create, deal.read, deal.update, deal.delete, field.create, field.resolve, events.read]
    manager:
      description: "Sales manager with full access to the team pipeline"
      permissions: [deal.create, deal.read, deal.update, deal.delete, field.create, field.resolve, events.read, deal.read.any, deal.write.any]
    ops:
      description: "Revenue operations; reads everything and fixes data gaps"
      permissions: [deal.read, field.create, field.resolve, events.read, deal.read.any, field.write.any]

server:
  addr: 127.0.0.1:8080
  base_path: /v1

store:
  retry_attempts: 8
  retry_base_delay: 20ms

log:
  level: info
  encoding: json
`
