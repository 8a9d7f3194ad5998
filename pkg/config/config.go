package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cloudbench/cloudbench/pkg/actions"
	"github.com/cloudbench/cloudbench/pkg/stores"
	"github.com/cloudbench/cloudbench/pkg/telemetry"
	"github.com/cloudbench/cloudbench/pkg/transports/ssh"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "cloudbench.yaml"

// Config is the service configuration file.
type Config struct {
	Database stores.Config `yaml:"database"`

	// Inventory is the node inventory applied by "cloudbench init".
	Inventory string `yaml:"inventory"`

	// PoliciesDir holds custom admission policies. Empty disables them.
	PoliciesDir string `yaml:"policies_dir"`

	Scheduler SchedulerConfig   `yaml:"scheduler"`
	API       APIConfig         `yaml:"api"`
	SSH       ssh.Config        `yaml:"ssh"`
	OpenStack actions.Config    `yaml:"openstack"`
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// SchedulerConfig tunes the scheduler registry.
type SchedulerConfig struct {
	// IdleEviction is how long an idle resource queue is kept.
	IdleEviction time.Duration `yaml:"idle_eviction" validate:"gte=0"`

	// EvictionInterval is how often idle queues are swept. Zero disables
	// the sweep.
	EvictionInterval time.Duration `yaml:"eviction_interval" validate:"gte=0"`

	// ShutdownTimeout bounds the wait for running operations on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// Source is recorded on operations submitted through the API.
	Source string `yaml:"source"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Database:  stores.Config{Path: "cloudbench.db"},
		Inventory: "nodes.yaml",
		Scheduler: SchedulerConfig{
			IdleEviction:     10 * time.Minute,
			EvictionInterval: time.Minute,
			ShutdownTimeout:  30 * time.Second,
		},
		API: APIConfig{
			Listen: ":8080",
			Source: "api",
		},
		SSH:       ssh.DefaultConfig("root"),
		OpenStack: actions.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults. A missing file yields the defaults
// when path is DefaultPath.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	v := validator.New()
	if err := v.Struct(c.Scheduler); err != nil {
		return fieldErrors("scheduler", err)
	}
	if err := v.Struct(c.API); err != nil {
		return fieldErrors("api", err)
	}

	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// fieldErrors renders validator errors as "section.field: tag" pairs.
func fieldErrors(section string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s.%s: failed %q", section, strings.ToLower(fe.Field()), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
