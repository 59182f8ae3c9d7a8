// Package config loads the immutable run configuration: environment
// settings via envconfig and the run file via YAML. Everything is
// validated at load; the loop never re-reads configuration.
package config

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/taskwarden/internal/agent"
	"github.com/kazz187/taskwarden/internal/fixloop"
	"github.com/kazz187/taskwarden/internal/gate"
	"github.com/kazz187/taskwarden/internal/service"
	"github.com/kazz187/taskwarden/pkg/shellcmd"
	"github.com/kazz187/taskwarden/pkg/werr"
)

// Env is the environment-level configuration, loaded from TASKWARDEN_*
// variables. It selects infrastructure, never run semantics.
type Env struct {
	StorageType string `envconfig:"STORAGE_TYPE" default:"local"`
	DataDir     string `envconfig:"DATA_DIR" default:".taskwarden"`
	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3Region    string `envconfig:"S3_REGION"`
	S3Prefix    string `envconfig:"S3_PREFIX"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Local       bool   `envconfig:"LOCAL" default:"true"`
}

// LoadEnv reads and validates the environment configuration.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process("taskwarden", &env); err != nil {
		return nil, werr.New(werr.Invalid, "failed to process environment", err)
	}
	switch env.StorageType {
	case "local":
	case "s3":
		if env.S3Bucket == "" {
			return nil, werr.Newf(werr.Invalid, "TASKWARDEN_S3_BUCKET is required for s3 storage")
		}
	default:
		return nil, werr.Newf(werr.Invalid, "unknown storage type %q", env.StorageType)
	}
	return &env, nil
}

// GateConfig is one quality gate in the run file.
type GateConfig struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	When    string        `yaml:"when,omitempty"`
	Fatal   bool          `yaml:"fatal,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ServiceConfig is one managed service in the run file.
type ServiceConfig struct {
	Name           string            `yaml:"name"`
	Commands       map[string]string `yaml:"commands"`
	Dir            string            `yaml:"dir,omitempty"`
	Port           int               `yaml:"port"`
	HealthPaths    []string          `yaml:"health_paths,omitempty"`
	HealthInterval time.Duration     `yaml:"health_interval,omitempty"`
	HealthTimeout  time.Duration     `yaml:"health_timeout,omitempty"`
	StopGrace      time.Duration     `yaml:"stop_grace,omitempty"`
}

// RoleConfig overrides the static role contract's runtime policy.
type RoleConfig struct {
	Command string        `yaml:"command,omitempty"`
	Model   string        `yaml:"model,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// FamilyConfig is one post-completion check family.
type FamilyConfig struct {
	Name            string       `yaml:"name"`
	Checks          []GateConfig `yaml:"checks"`
	RestartServices []string     `yaml:"restart_services,omitempty"`
}

// Limits bounds every loop in the engine. Zero values take defaults;
// there is no way to configure an unbounded loop.
type Limits struct {
	MaxTaskIterations int `yaml:"max_task_iterations"`
	GlobalBudget      int `yaml:"global_budget"`
	MaxFixIterations  int `yaml:"max_fix_iterations"`
}

// Config is the immutable run configuration.
type Config struct {
	TaskSource     string                `yaml:"task_source"`
	RepoRoot       string                `yaml:"repo_root"`
	Invoker        string                `yaml:"invoker"` // "subprocess" or "claude"
	GuardrailAllow []string              `yaml:"guardrail_allow"`
	GatesFast      []GateConfig          `yaml:"gates_fast"`
	GatesFull      []GateConfig          `yaml:"gates_full"`
	Services       []ServiceConfig       `yaml:"services"`
	Roles          map[string]RoleConfig `yaml:"roles"`
	CheckFamilies  []FamilyConfig        `yaml:"check_families"`
	Limits         Limits                `yaml:"limits"`
	WatchRoot      string                `yaml:"watch_root,omitempty"`
}

const (
	defaultMaxTaskIterations = 5
	defaultGlobalBudget      = 50
	defaultMaxFixIterations  = 3
	defaultGateTimeout       = 10 * time.Minute
)

// Load reads, defaults and validates the run file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, werr.New(werr.NotFound, "failed to read run configuration", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, werr.New(werr.Invalid, "run configuration is not valid YAML", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RepoRoot == "" {
		c.RepoRoot = "."
	}
	if c.Invoker == "" {
		c.Invoker = "claude"
	}
	if len(c.GuardrailAllow) == 0 {
		c.GuardrailAllow = []string{"**/*_test.go", "tests/**"}
	}
	if c.Limits.MaxTaskIterations <= 0 {
		c.Limits.MaxTaskIterations = defaultMaxTaskIterations
	}
	if c.Limits.GlobalBudget <= 0 {
		c.Limits.GlobalBudget = defaultGlobalBudget
	}
	if c.Limits.MaxFixIterations <= 0 {
		c.Limits.MaxFixIterations = defaultMaxFixIterations
	}
	defaultGates := func(gates []GateConfig) {
		for i := range gates {
			if gates[i].Timeout <= 0 {
				gates[i].Timeout = defaultGateTimeout
			}
		}
	}
	defaultGates(c.GatesFast)
	defaultGates(c.GatesFull)
	for i := range c.CheckFamilies {
		defaultGates(c.CheckFamilies[i].Checks)
	}
}

func (c *Config) validate() error {
	if c.TaskSource == "" {
		return werr.Newf(werr.Invalid, "task_source is required")
	}
	switch c.Invoker {
	case "subprocess", "claude":
	default:
		return werr.Newf(werr.Invalid, "unknown invoker %q", c.Invoker)
	}
	checkGates := func(set string, gates []GateConfig) error {
		for _, g := range gates {
			if g.Name == "" {
				return werr.Newf(werr.Invalid, "%s gate without a name", set)
			}
			if err := shellcmd.Validate(g.Command); err != nil {
				return werr.Newf(werr.Invalid, "%s gate %q has an invalid command: %v", set, g.Name, err)
			}
		}
		return nil
	}
	if err := checkGates("fast", c.GatesFast); err != nil {
		return err
	}
	if err := checkGates("full", c.GatesFull); err != nil {
		return err
	}
	for _, fam := range c.CheckFamilies {
		if fam.Name == "" {
			return werr.Newf(werr.Invalid, "check family without a name")
		}
		if err := checkGates(fam.Name, fam.Checks); err != nil {
			return err
		}
	}
	for _, svc := range c.Services {
		if svc.Name == "" {
			return werr.Newf(werr.Invalid, "service without a name")
		}
		if svc.Port <= 0 {
			return werr.Newf(werr.Invalid, "service %q needs a port", svc.Name)
		}
		for mode, command := range svc.Commands {
			if err := shellcmd.Validate(command); err != nil {
				return werr.Newf(werr.Invalid, "service %q mode %q has an invalid command: %v", svc.Name, mode, err)
			}
		}
	}
	for name, rc := range c.Roles {
		if _, ok := roleByName(name); !ok {
			return werr.Newf(werr.Invalid, "unknown role %q in configuration", name)
		}
		if rc.Command != "" {
			if err := shellcmd.Validate(rc.Command); err != nil {
				return werr.Newf(werr.Invalid, "role %q has an invalid command: %v", name, err)
			}
		}
		if c.Invoker == "subprocess" && rc.Command == "" {
			return werr.Newf(werr.Invalid, "role %q needs a command with the subprocess invoker", name)
		}
	}
	return nil
}

func roleByName(name string) (agent.Role, bool) {
	for _, r := range []agent.Role{agent.RoleImplement, agent.RoleTestAuthor, agent.RoleReview, agent.RolePlan, agent.RoleFix} {
		if r.String() == name {
			return r, true
		}
	}
	return 0, false
}

// Gates converts a gate config slice to the gate package's type.
func Gates(configs []GateConfig) []gate.Gate {
	gates := make([]gate.Gate, 0, len(configs))
	for _, g := range configs {
		gates = append(gates, gate.Gate{
			Name:    g.Name,
			Command: g.Command,
			When:    g.When,
			Fatal:   g.Fatal,
			Timeout: g.Timeout,
		})
	}
	return gates
}

// ServiceDefinitions converts service configs to the service package's type.
func (c *Config) ServiceDefinitions() []service.Definition {
	defs := make([]service.Definition, 0, len(c.Services))
	for _, s := range c.Services {
		dir := s.Dir
		if dir == "" {
			dir = c.RepoRoot
		}
		defs = append(defs, service.Definition{
			Name:           s.Name,
			Commands:       s.Commands,
			Dir:            dir,
			Port:           s.Port,
			HealthPaths:    s.HealthPaths,
			HealthInterval: s.HealthInterval,
			HealthTimeout:  s.HealthTimeout,
			StopGrace:      s.StopGrace,
		})
	}
	return defs
}

// RoleSettings converts role configs to the agent package's table.
func (c *Config) RoleSettings() map[agent.Role]agent.RoleSettings {
	settings := make(map[agent.Role]agent.RoleSettings, len(c.Roles))
	for name, rc := range c.Roles {
		role, ok := roleByName(name)
		if !ok {
			continue // rejected in validate
		}
		settings[role] = agent.RoleSettings{
			Command: rc.Command,
			Model:   rc.Model,
			Timeout: rc.Timeout,
		}
	}
	return settings
}

// Families converts check family configs to the fixloop package's type.
func (c *Config) Families() []fixloop.Family {
	families := make([]fixloop.Family, 0, len(c.CheckFamilies))
	for _, fam := range c.CheckFamilies {
		families = append(families, fixloop.Family{
			Name:            fam.Name,
			Checks:          Gates(fam.Checks),
			RestartServices: fam.RestartServices,
		})
	}
	return families
}
