package synckit

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/facility-sync/logging"
)

// Config is the YAML-loadable configuration for a Manager.
type Config struct {
	Poll        PollConfig      `json:"poll" yaml:"poll"`
	SendTimeout time.Duration   `json:"send_timeout" yaml:"send_timeout"`
	Reconcile   ReconcileConfig `json:"reconcile" yaml:"reconcile"`
	Rules       []RuleConfig    `json:"rules,omitempty" yaml:"rules,omitempty"`
	Logging     logging.Config  `json:"logging" yaml:"logging"`
}

// PollConfig controls the connection monitor.
type PollConfig struct {
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Strategy    string        `json:"strategy" yaml:"strategy"` // constant, exponential
	MaxInterval time.Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
}

// ReconcileConfig controls the reconciliation sweep.
type ReconcileConfig struct {
	// Concurrency bounds how many entities are reconciled at once.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// RuleConfig is the declarative form of a Rule. Empty condition lists match
// everything.
type RuleConfig struct {
	Name        string   `json:"name" yaml:"name"`
	EntityTypes []string `json:"entity_types,omitempty" yaml:"entity_types,omitempty"`
	Kinds       []string `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Fields      []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Strategy    string   `json:"strategy" yaml:"strategy"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Poll: PollConfig{
			Interval: DefaultPollInterval,
			Strategy: PollConstant,
		},
		SendTimeout: 10 * time.Second,
		Reconcile:   ReconcileConfig{Concurrency: 4},
		Logging:     logging.DefaultConfig,
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML config file and applies environment overrides.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := LoadConfig(f)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SYNC_POLL_INTERVAL, SYNC_POLL_STRATEGY and
// SYNC_SEND_TIMEOUT when set.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("SYNC_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SYNC_POLL_INTERVAL: %w", err)
		}
		c.Poll.Interval = d
	}
	if v := os.Getenv("SYNC_POLL_STRATEGY"); v != "" {
		c.Poll.Strategy = strings.ToLower(v)
	}
	if v := os.Getenv("SYNC_SEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SYNC_SEND_TIMEOUT: %w", err)
		}
		c.SendTimeout = d
	}
	return c.Validate()
}

// Validate checks value ranges and rule strategies.
func (c Config) Validate() error {
	if c.Poll.Interval < 0 {
		return fmt.Errorf("poll.interval must not be negative")
	}
	switch c.Poll.Strategy {
	case "", PollConstant, PollExponential:
	default:
		return fmt.Errorf("poll.strategy %q: want %s or %s", c.Poll.Strategy, PollConstant, PollExponential)
	}
	if c.Reconcile.Concurrency < 0 {
		return fmt.Errorf("reconcile.concurrency must not be negative")
	}
	for i, r := range c.Rules {
		s := Strategy(r.Strategy)
		if !s.Valid() {
			return fmt.Errorf("rules[%d] %q: unknown strategy %q", i, r.Name, r.Strategy)
		}
		if s == StrategyManual || s == StrategyFieldLevel {
			return fmt.Errorf("rules[%d] %q: strategy %s needs caller input and cannot run automatically", i, r.Name, s)
		}
		for _, k := range r.Kinds {
			switch ConflictKind(k) {
			case KindUpdateUpdate, KindUpdateDelete, KindDeleteDelete:
			default:
				return fmt.Errorf("rules[%d] %q: unknown kind %q", i, r.Name, k)
			}
		}
	}
	return nil
}

// MonitorOptions returns the connection monitor settings.
func (c Config) MonitorOptions() MonitorOptions {
	return MonitorOptions{
		Interval:    c.Poll.Interval,
		Strategy:    c.Poll.Strategy,
		MaxInterval: c.Poll.MaxInterval,
	}
}

// Policy compiles the configured rules.
func (c Config) Policy() *Policy {
	p := NewPolicy()
	for _, rc := range c.Rules {
		m := Always()
		if len(rc.EntityTypes) > 0 {
			m = And(m, EntityTypeIs(rc.EntityTypes...))
		}
		if len(rc.Kinds) > 0 {
			kinds := make([]ConflictKind, len(rc.Kinds))
			for i, k := range rc.Kinds {
				kinds[i] = ConflictKind(k)
			}
			m = And(m, KindIs(kinds...))
		}
		if len(rc.Fields) > 0 {
			m = And(m, AnyFieldIn(rc.Fields...))
		}
		p.AddRule(Rule{Name: rc.Name, Matcher: m, Strategy: Strategy(rc.Strategy)})
	}
	return p
}
