package synapta

import (
	"fmt"
	"os"

	"github.com/Aqilrmm/Synapta/agent"
	"github.com/Aqilrmm/Synapta/pkg/security"
)

// Config is the top-level framework configuration.
type Config struct {
	MessageBus MessageBusConfig `yaml:"message_bus,omitempty"`
	Scheduler  SchedulerConfig  `yaml:"scheduler,omitempty"`
	Settings   SettingsConfig   `yaml:"settings,omitempty"`
	Agents     AgentsConfig     `yaml:"agents,omitempty"`
	Security   SecurityConfig   `yaml:"security,omitempty"`
}

// MessageBusConfig configures the bus. Durations are in seconds.
type MessageBusConfig struct {
	// MaxMessageSize bounds a message's serialized payload in bytes.
	MaxMessageSize int `yaml:"max_message_size,omitempty"`

	// MessageTimeout is the default Receive timeout in seconds used by
	// the supervisor's message pump.
	MessageTimeout int `yaml:"message_timeout,omitempty"`

	// QueueCapacity bounds each agent's inbox.
	QueueCapacity int `yaml:"queue_capacity,omitempty"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	// MaxConcurrentTasks is the admission cap on simultaneously running
	// callbacks.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty"`

	// TaskTimeout bounds each callback run, in seconds.
	TaskTimeout int `yaml:"task_timeout,omitempty"`
}

// SettingsConfig holds shared-context settings.
type SettingsConfig struct {
	// SharedContextCleanupInterval is the expiry sweep period in seconds.
	SharedContextCleanupInterval int `yaml:"shared_context_cleanup_interval,omitempty"`

	// ContextStore selects the backend: "memory" (default) or "redis".
	ContextStore string `yaml:"context_store,omitempty"`

	Redis RedisSettings `yaml:"redis,omitempty"`
}

// RedisSettings configures the optional Redis context backend.
type RedisSettings struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// AgentsConfig holds the restart policy and agent definitions.
type AgentsConfig struct {
	RestartOnFailure   bool        `yaml:"restart_on_failure,omitempty"`
	MaxRestartAttempts int         `yaml:"max_restart_attempts,omitempty"`
	Definitions        []agent.Def `yaml:"definitions,omitempty"`
}

// SecurityConfig holds advisory resource limits.
type SecurityConfig struct {
	// MaxMemoryPerAgent is an advisory per-agent heap budget in bytes.
	MaxMemoryPerAgent int64 `yaml:"max_memory_per_agent,omitempty"`

	// SendRateLimit caps per-sender bus sends per second. Zero disables
	// rate limiting.
	SendRateLimit float64 `yaml:"send_rate_limit,omitempty"`
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MessageBus.MaxMessageSize <= 0 {
		c.MessageBus.MaxMessageSize = 1 << 20
	}
	if c.MessageBus.MessageTimeout <= 0 {
		c.MessageBus.MessageTimeout = 1
	}
	if c.MessageBus.QueueCapacity <= 0 {
		c.MessageBus.QueueCapacity = 1000
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		c.Scheduler.MaxConcurrentTasks = 10
	}
	if c.Scheduler.TaskTimeout <= 0 {
		c.Scheduler.TaskTimeout = 300
	}
	if c.Settings.SharedContextCleanupInterval <= 0 {
		c.Settings.SharedContextCleanupInterval = 3600
	}
	if c.Settings.ContextStore == "" {
		c.Settings.ContextStore = "memory"
	}
	if c.Agents.MaxRestartAttempts <= 0 {
		c.Agents.MaxRestartAttempts = 3
	}
}

func (c *Config) validate() error {
	switch c.Settings.ContextStore {
	case "memory":
	case "redis":
		if c.Settings.Redis.Addr == "" {
			return fmt.Errorf("context_store is redis but settings.redis.addr is empty")
		}
	default:
		return fmt.Errorf("unknown context_store %q", c.Settings.ContextStore)
	}

	seen := make(map[string]struct{}, len(c.Agents.Definitions))
	for _, def := range c.Agents.Definitions {
		if def.Name == "" {
			return fmt.Errorf("agent definition with empty name")
		}
		if _, ok := seen[def.Name]; ok {
			return fmt.Errorf("duplicate agent definition %q", def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	return nil
}

// FileReader abstracts config file access for tests.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader reads config files from the filesystem.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path comes from the operator
}

// ConfigLoader parses YAML config files with size and depth limits.
type ConfigLoader struct {
	fileReader FileReader
	parser     *security.SafeYAMLParser
}

// NewConfigLoader builds a loader with default YAML limits.
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		parser:     security.NewSafeYAMLParser(security.DefaultYAMLLimits()),
	}
}

// Load reads, parses, defaults, and validates a config file.
func (cl *ConfigLoader) Load(path string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := cl.parser.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
