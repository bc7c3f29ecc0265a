package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const FileName = "quiche.yml"

// Cache backends.
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
)

// Version clocks.
const (
	ClockWall    = "wall"
	ClockLogical = "logical"
)

// Config models quiche.yml.
type Config struct {
	Cache struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
	} `yaml:"cache"`
	Clock string `yaml:"clock"`
	Log   struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Events struct {
		Keep int `yaml:"keep"`
	} `yaml:"events"`
	Webhooks []WebhookConfig     `yaml:"webhooks,omitempty"`
	Tasks    map[string]TaskSpec `yaml:"tasks"`
	Aliases  map[string]string   `yaml:"aliases"`
}

// WebhookConfig posts matching events to URL while qc serve runs. An empty
// Events list matches every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// TaskSpec declares one task. Exactly one of Run, Value or Gather says what
// the task is; a task with none of them is an input holding null.
//
// A task name with {slot} placeholders declares a template: a family of run
// tasks whose deps may use the same slots. With Iter set the only slots are
// {iter} and {next}, and the template is a numbered chain.
type TaskSpec struct {
	Run       string   `yaml:"run,omitempty"`
	Deps      []string `yaml:"deps,omitempty"`
	Value     any      `yaml:"value,omitempty"`
	Gather    []string `yaml:"gather,omitempty"`
	Codec     string   `yaml:"codec,omitempty"`
	Ephemeral bool     `yaml:"ephemeral,omitempty"`
	Volatile  bool     `yaml:"volatile,omitempty"`
	Iter      bool     `yaml:"iter,omitempty"`
}

// IsTemplate reports whether name declares a template.
func IsTemplate(name string) bool {
	return strings.Contains(name, "{")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with qc config init", path)
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
	switch c.Cache.Backend {
	case BackendMemory, BackendDisk, BackendSQLite:
	default:
		return fmt.Errorf("config.cache.backend must be one of memory, disk, sqlite; got %q", c.Cache.Backend)
	}
	switch c.Clock {
	case ClockWall, ClockLogical:
	default:
		return fmt.Errorf("config.clock must be wall or logical; got %q", c.Clock)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json; got %q", c.Log.Format)
	}
	if c.Events.Keep < 0 {
		return fmt.Errorf("config.events.keep must not be negative")
	}
	for _, name := range sortedKeys(c.Tasks) {
		if name == "" {
			return fmt.Errorf("config.tasks contains an empty task name")
		}
		spec := c.Tasks[name]
		if spec.Run != "" && spec.Value != nil {
			return fmt.Errorf("task %s sets both run and value", name)
		}
		if spec.Gather != nil && (spec.Run != "" || spec.Value != nil) {
			return fmt.Errorf("task %s sets gather together with run or value", name)
		}
		if spec.Gather != nil && len(spec.Deps) > 0 {
			return fmt.Errorf("task %s sets both gather and deps", name)
		}
		if spec.Run == "" && len(spec.Deps) > 0 {
			return fmt.Errorf("task %s has deps but no run command", name)
		}
		if IsTemplate(name) && spec.Run == "" {
			return fmt.Errorf("template %s needs a run command", name)
		}
		if spec.Iter && !IsTemplate(name) {
			return fmt.Errorf("task %s sets iter but has no {iter} or {next} slot", name)
		}
		if spec.Ephemeral && spec.Volatile {
			return fmt.Errorf("task %s cannot be both ephemeral and volatile", name)
		}
		for _, d := range append(append([]string(nil), spec.Deps...), spec.Gather...) {
			if d == "" {
				return fmt.Errorf("task %s has an empty dependency name", name)
			}
		}
		switch spec.Codec {
		case "", "dynamic", "json", "yaml":
		default:
			return fmt.Errorf("task %s: unknown codec %q", name, spec.Codec)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	for alias, target := range c.Aliases {
		if alias == "" || target == "" {
			return fmt.Errorf("config.aliases entries need both a name and a target")
		}
		if _, ok := c.Tasks[alias]; ok {
			return fmt.Errorf("alias %s shadows a task of the same name", alias)
		}
	}
	return nil
}

// TaskNames lists declared tasks in a stable order.
func (c *Config) TaskNames() []string {
	return sortedKeys(c.Tasks)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
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

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Tasks = nil
	cfg.Aliases = nil
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

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `cache:
  backend: sqlite
  dir: .quiche/cache

clock: wall

log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8421
  base_path: /v0

events:
  keep: 10000

# webhooks:
#   - url: http://127.0.0.1:9000/hooks
#     events: [task.failed, task.persist_failed]

tasks:
  base:
    value: 7
  plus_one:
    deps: [base]
    run: echo $(($1 + 1))
  times_two:
    deps: [plus_one]
    run: echo $(($1 * 2))

aliases:
  answer: times_two
`
