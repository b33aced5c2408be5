// Package config loads and validates the YAML deployment file: the unit
// graph, extractor mappings, artifact store location, and the event and
// tracing endpoints.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/unit"
)

const defaultSubjectPrefix = "daedalus"

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StoreConfig selects the artifact store backing the deployment.
type StoreConfig struct {
	// Root is the local filesystem root for artifacts. Mutually exclusive
	// with the Azure settings.
	Root string `yaml:"root,omitempty"`

	// AzureConnectionString and AzureContainer select an Azure Blob store.
	AzureConnectionString string `yaml:"azure_connection_string,omitempty"`
	AzureContainer        string `yaml:"azure_container,omitempty"`
}

// EventsConfig configures optional NATS lifecycle event publishing.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// TracingConfig configures optional OTLP trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
	SampleRatio  float64 `yaml:"sample_ratio,omitempty"`
}

// OrchestratorConfig tunes run-wide orchestration behavior.
type OrchestratorConfig struct {
	GateTimeout         Duration `yaml:"gate_timeout,omitempty"`
	BackoffBase         Duration `yaml:"backoff_base,omitempty"`
	BackoffMax          Duration `yaml:"backoff_max,omitempty"`
	MaxConcurrentStarts int      `yaml:"max_concurrent_starts,omitempty"`
}

// DependencyConfig is one gate declaration of a unit.
type DependencyConfig struct {
	Unit      string `yaml:"unit"`
	Condition string `yaml:"condition"`
}

// MappingConfig is one extractor mapping: env key, source document, dotted
// field path and an optional JavaScript transform over the extracted value.
type MappingConfig struct {
	Key       string `yaml:"key"`
	Document  string `yaml:"document"`
	Field     string `yaml:"field"`
	Transform string `yaml:"transform,omitempty"`
}

// ExtractorConfig turns a task unit into an in-process extractor run.
type ExtractorConfig struct {
	Output   string          `yaml:"output"`
	Mappings []MappingConfig `yaml:"mappings"`
}

// UnitConfig is one declared unit.
type UnitConfig struct {
	Name        string             `yaml:"name"`
	Kind        string             `yaml:"kind"`
	Command     []string           `yaml:"command,omitempty"`
	Env         map[string]string  `yaml:"env,omitempty"`
	EnvFile     string             `yaml:"env_file,omitempty"`
	ReadyPort   int                `yaml:"ready_port,omitempty"`
	Restart     string             `yaml:"restart,omitempty"`
	MaxAttempts int                `yaml:"max_attempts,omitempty"`
	GracePeriod Duration           `yaml:"grace_period,omitempty"`
	DependsOn   []DependencyConfig `yaml:"depends_on,omitempty"`
	Extractor   *ExtractorConfig   `yaml:"extractor,omitempty"`
}

// Config models the deployment file.
type Config struct {
	Version      int                `yaml:"version"`
	Store        StoreConfig        `yaml:"store"`
	Events       EventsConfig       `yaml:"events,omitempty"`
	Tracing      TracingConfig      `yaml:"tracing,omitempty"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Units        []UnitConfig       `yaml:"units"`
}

// Load reads, parses, defaults and validates the deployment file at path. A
// dependency cycle is a load-time error; nothing runs on a cyclic graph.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates an in-memory deployment file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = defaultSubjectPrefix
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1.0
	}
	for i := range c.Units {
		if c.Units[i].Restart == "" {
			c.Units[i].Restart = string(unit.RestartNever)
		}
		for j := range c.Units[i].DependsOn {
			if c.Units[i].DependsOn[j].Condition == "" {
				c.Units[i].DependsOn[j].Condition = string(unit.ConditionStarted)
			}
		}
	}
}

func (c *Config) validate() error {
	if c.Version < 1 {
		return fmt.Errorf("version must be >= 1")
	}
	if len(c.Units) == 0 {
		return fmt.Errorf("at least one unit is required")
	}
	if c.Store.Root != "" && c.Store.AzureConnectionString != "" {
		return fmt.Errorf("store: root and azure settings are mutually exclusive")
	}
	if c.Store.AzureConnectionString != "" && c.Store.AzureContainer == "" {
		return fmt.Errorf("store: azure_container is required with azure_connection_string")
	}

	for i := range c.Units {
		if err := c.Units[i].validate(); err != nil {
			return fmt.Errorf("units[%d] (%s): %w", i, c.Units[i].Name, err)
		}
	}

	// Building the graph surfaces duplicate names, unknown dependencies and
	// cycles before any unit is started.
	units, err := c.UnitSpecs()
	if err != nil {
		return err
	}
	if _, err := graph.New(units); err != nil {
		return err
	}
	return nil
}

func (u *UnitConfig) validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if u.Extractor != nil {
		if len(u.Command) > 0 {
			return fmt.Errorf("extractor units cannot declare a command")
		}
		if unit.Kind(u.Kind) != unit.KindTask {
			return fmt.Errorf("extractor units must be tasks")
		}
		if strings.TrimSpace(u.Extractor.Output) == "" {
			return fmt.Errorf("extractor output path is required")
		}
		if len(u.Extractor.Mappings) == 0 {
			return fmt.Errorf("extractor requires at least one mapping")
		}
		for i, m := range u.Extractor.Mappings {
			if m.Key == "" || m.Document == "" || m.Field == "" {
				return fmt.Errorf("extractor mapping %d: key, document and field are required", i)
			}
		}
	} else if len(u.Command) == 0 {
		return fmt.Errorf("command is required for non-extractor units")
	}
	return nil
}

// UnitSpecs converts the declared units to the immutable unit model,
// validating each one.
func (c *Config) UnitSpecs() ([]unit.Unit, error) {
	units := make([]unit.Unit, 0, len(c.Units))
	for i := range c.Units {
		uc := &c.Units[i]

		deps := make([]unit.Dependency, 0, len(uc.DependsOn))
		for _, d := range uc.DependsOn {
			deps = append(deps, unit.Dependency{
				Unit:      d.Unit,
				Condition: unit.Condition(d.Condition),
			})
		}

		u := unit.Unit{
			Name:        uc.Name,
			Kind:        unit.Kind(uc.Kind),
			Restart:     unit.RestartPolicy(uc.Restart),
			MaxAttempts: uc.MaxAttempts,
			DependsOn:   deps,
			Command:     uc.Command,
			Env:         uc.Env,
			EnvFile:     uc.EnvFile,
			ReadyPort:   uc.ReadyPort,
			GracePeriod: uc.GracePeriod.Std(),
		}
		if err := u.Validate(); err != nil {
			return nil, fmt.Errorf("units[%d]: %w", i, err)
		}
		units = append(units, u)
	}
	return units, nil
}
