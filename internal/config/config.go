package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Backends  BackendsConfig   `json:"backends"`
	Pipeline  PipelineConfig   `json:"pipeline"`
	Database  DatabaseConfig   `json:"database"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Notify    NotifyConfig     `json:"notify"`
	// ToolServers are external tool servers whose tools tasks may be assigned.
	ToolServers []ToolServerConfig `json:"tool_servers,omitempty"`
	// DocumentRoot restricts server-side document paths. Empty disables path input.
	DocumentRoot string `json:"document_root"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	// RateLimit caps requests per second against this provider. Zero means unlimited.
	RateLimit float64  `json:"rate_limit,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
}

// BackendsConfig binds each pipeline role to a provider ID.
type BackendsConfig struct {
	Extraction string `json:"extraction"`
	Planning   string `json:"planning"`
	ToolTask   string `json:"tool_task"`
	LightTask  string `json:"light_task"`
	Synthesis  string `json:"synthesis"`
	// Fallbacks lists provider IDs tried in order when a role's primary fails.
	Fallbacks map[string][]string `json:"fallbacks,omitempty"`
	// Models overrides the model name sent for a role.
	Models map[string]string `json:"models,omitempty"`
}

type PipelineConfig struct {
	Concurrency       int         `json:"concurrency"`
	MaxToolRounds     int         `json:"max_tool_rounds"`
	MinTasks          int         `json:"min_tasks"`
	MaxTasks          int         `json:"max_tasks"`
	CallTimeout       Duration    `json:"call_timeout"`
	ToolTimeout       Duration    `json:"tool_timeout"`
	TaskTimeout       Duration    `json:"task_timeout"`
	CheckpointTimeout Duration    `json:"checkpoint_timeout"`
	PreviewLimit      int         `json:"preview_limit"`
	Retry             RetryConfig `json:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ToolServerConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Duration is a time.Duration that unmarshals from "30s"-style strings or nanosecond numbers.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw JSON config bytes. See Load.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPipeline returns the pipeline settings used when the config omits them.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		Concurrency:       5,
		MaxToolRounds:     5,
		MinTasks:          3,
		MaxTasks:          10,
		CallTimeout:       Duration(120 * time.Second),
		ToolTimeout:       Duration(30 * time.Second),
		TaskTimeout:       Duration(5 * time.Minute),
		CheckpointTimeout: Duration(5 * time.Second),
		PreviewLimit:      300,
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: Duration(500 * time.Millisecond),
			MaxInterval:     Duration(8 * time.Second),
		},
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	def := DefaultPipeline()
	p := &c.Pipeline
	if p.Concurrency <= 0 {
		p.Concurrency = def.Concurrency
	}
	if p.MaxToolRounds <= 0 {
		p.MaxToolRounds = def.MaxToolRounds
	}
	if p.MinTasks <= 0 {
		p.MinTasks = def.MinTasks
	}
	if p.MaxTasks <= 0 {
		p.MaxTasks = def.MaxTasks
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = def.CallTimeout
	}
	if p.ToolTimeout <= 0 {
		p.ToolTimeout = def.ToolTimeout
	}
	if p.TaskTimeout <= 0 {
		p.TaskTimeout = def.TaskTimeout
	}
	if p.CheckpointTimeout <= 0 {
		p.CheckpointTimeout = def.CheckpointTimeout
	}
	if p.PreviewLimit <= 0 {
		p.PreviewLimit = def.PreviewLimit
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if p.Retry.InitialInterval <= 0 {
		p.Retry.InitialInterval = def.Retry.InitialInterval
	}
	if p.Retry.MaxInterval <= 0 {
		p.Retry.MaxInterval = def.Retry.MaxInterval
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}

	// Unbound roles fall back to the first provider.
	if len(c.Providers) > 0 {
		first := c.Providers[0].ID
		for _, role := range []*string{
			&c.Backends.Extraction, &c.Backends.Planning, &c.Backends.ToolTask,
			&c.Backends.LightTask, &c.Backends.Synthesis,
		} {
			if *role == "" {
				*role = first
			}
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Pipeline.MinTasks > c.Pipeline.MaxTasks {
		return fmt.Errorf("pipeline.min_tasks (%d) exceeds pipeline.max_tasks (%d)",
			c.Pipeline.MinTasks, c.Pipeline.MaxTasks)
	}

	known := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider without id")
		}
		if known[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		known[p.ID] = true
	}
	servers := make(map[string]bool, len(c.ToolServers))
	for _, ts := range c.ToolServers {
		if ts.Name == "" || ts.URL == "" {
			return fmt.Errorf("tool server needs a name and url")
		}
		if servers[ts.Name] {
			return fmt.Errorf("duplicate tool server %q", ts.Name)
		}
		servers[ts.Name] = true
	}
	if len(c.Providers) == 0 {
		return nil
	}
	roles := map[string]string{
		"extraction": c.Backends.Extraction,
		"planning":   c.Backends.Planning,
		"tool_task":  c.Backends.ToolTask,
		"light_task": c.Backends.LightTask,
		"synthesis":  c.Backends.Synthesis,
	}
	for role, id := range roles {
		if !known[id] {
			return fmt.Errorf("backends.%s references unknown provider %q", role, id)
		}
	}
	for role, ids := range c.Backends.Fallbacks {
		for _, id := range ids {
			if !known[id] {
				return fmt.Errorf("backends.fallbacks.%s references unknown provider %q", role, id)
			}
		}
	}
	return nil
}
