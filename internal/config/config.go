package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Completion  CompletionConfig          `json:"completion" yaml:"completion"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address" yaml:"server_address"`
	PublicBaseURL     string   `json:"public_base_url" yaml:"public_base_url"`
	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins"`
	LogLevel          string   `json:"log_level" yaml:"log_level"`
	LogDevelopment    bool     `json:"log_development" yaml:"log_development"`
	TokenTTLHours     int      `json:"token_ttl_hours" yaml:"token_ttl_hours"`
	TokenCleanMinutes int      `json:"token_clean_minutes" yaml:"token_clean_minutes"`
	MinWorkers        int      `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int      `json:"max_workers" yaml:"max_workers"`
	QueueSize         int      `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// CompletionConfig selects the upstream provider and the two models used by
// the completion gateway.
type CompletionConfig struct {
	Provider       string  `json:"provider" yaml:"provider"`
	TextModel      string  `json:"text_model" yaml:"text_model"`
	VisionModel    string  `json:"vision_model" yaml:"vision_model"`
	SystemPrompt   string  `json:"system_prompt" yaml:"system_prompt"`
	ImagePrompt    string  `json:"image_prompt" yaml:"image_prompt"`
	FallbackText   string  `json:"fallback_text" yaml:"fallback_text"`
	Temperature    float32 `json:"temperature" yaml:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

const (
	DefaultProvider     = "openai"
	DefaultTextModel    = "llama-3.3-70b-versatile"
	DefaultVisionModel  = "llama-3.2-11b-vision-preview"
	DefaultGroqBaseURL  = "https://api.groq.com/openai/v1"
	DefaultSystemPrompt = "You are a helpful assistant. Answer clearly, kindly and concisely. " +
		"If you are shown an image, describe and analyze it in detail."
	DefaultImagePrompt  = "What do you see in this image?"
	DefaultFallbackText = "Sorry, something went wrong. Please try again."
)

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && db.DSN != ":memory:" &&
			!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration usable without any file: a local sqlite
// database and the groq-compatible completion provider.
func Default() *Config {
	cfg := &Config{
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "roomchat.db"},
		},
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return cfg
}

// ApplyEnv overlays environment variables on top of file values.
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("ROOMCHAT_ADDR"); addr != "" {
		c.BasicConfig.ServerAddress = addr
	} else if port := os.Getenv("PORT"); port != "" && c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":" + port
	}
	if base := os.Getenv("ROOMCHAT_PUBLIC_URL"); base != "" {
		c.BasicConfig.PublicBaseURL = base
	}
	if level := os.Getenv("ROOMCHAT_LOG_LEVEL"); level != "" {
		c.BasicConfig.LogLevel = level
	}
	if host := os.Getenv("ROOMCHAT_REDIS_HOST"); host != "" {
		c.Redis.Host = host
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	key := os.Getenv("COMPLETION_API_KEY")
	if key == "" {
		key = os.Getenv("GROQ_API_KEY")
	}
	if key != "" {
		name := c.Completion.Provider
		if name == "" {
			name = DefaultProvider
		}
		prov := c.Providers[name]
		prov.APIKey = key
		c.Providers[name] = prov
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":3000"
	}
	if c.BasicConfig.LogLevel == "" {
		c.BasicConfig.LogLevel = "info"
	}
	if len(c.BasicConfig.CORSOrigins) == 0 {
		c.BasicConfig.CORSOrigins = []string{"*"}
	}
	if c.BasicConfig.TokenTTLHours <= 0 {
		c.BasicConfig.TokenTTLHours = 24
	}
	if c.BasicConfig.TokenCleanMinutes <= 0 {
		c.BasicConfig.TokenCleanMinutes = 60
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 1
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = 8
		if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
			c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers
		}
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.BasicConfig.WorkerIdleTimeout <= 0 {
		c.BasicConfig.WorkerIdleTimeout = 5
	}

	comp := &c.Completion
	if comp.Provider == "" {
		comp.Provider = DefaultProvider
	}
	if comp.TextModel == "" {
		comp.TextModel = DefaultTextModel
		if prov, ok := c.Providers[comp.Provider]; ok && prov.Model != "" {
			comp.TextModel = prov.Model
		}
	}
	if comp.VisionModel == "" {
		comp.VisionModel = DefaultVisionModel
	}
	if comp.SystemPrompt == "" {
		comp.SystemPrompt = DefaultSystemPrompt
	}
	if comp.ImagePrompt == "" {
		comp.ImagePrompt = DefaultImagePrompt
	}
	if comp.FallbackText == "" {
		comp.FallbackText = DefaultFallbackText
	}
	if comp.Temperature == 0 {
		comp.Temperature = 0.7
	}
	if comp.MaxTokens <= 0 {
		comp.MaxTokens = 1000
	}
	if comp.TimeoutSeconds <= 0 {
		comp.TimeoutSeconds = 60
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if comp.Provider == DefaultProvider {
		prov := c.Providers[DefaultProvider]
		if prov.BaseURL == "" {
			prov.BaseURL = DefaultGroqBaseURL
		}
		c.Providers[DefaultProvider] = prov
	}
}

// Provider returns the configuration of the active completion provider.
func (c *Config) Provider() ProviderConfig {
	return c.Providers[c.Completion.Provider]
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
