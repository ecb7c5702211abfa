// Package config provides configuration management for the chatbot backend.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Bus     BusConfig     `mapstructure:"bus"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Intents IntentsConfig `mapstructure:"intents"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Prompts PromptsConfig `mapstructure:"prompts"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SessionConfig holds session store behavior configuration.
type SessionConfig struct {
	TTL        int               `mapstructure:"ttl"`        // seconds from last activity
	MaxHistory int               `mapstructure:"maxHistory"` // conversation messages kept per session
	Greetings  map[string]string `mapstructure:"greetings"`  // language code -> greeting text
}

// RedisConfig holds session store connection configuration.
// An empty Addr selects the in-memory store (development mode).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BusConfig holds message bus configuration.
// An empty URL selects the in-memory bus (development mode).
type BusConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	Group         string `mapstructure:"group"`         // consumer group for response topics
	MaxReconnects int    `mapstructure:"maxReconnects"` // -1 retries forever
	FlushTimeout  int    `mapstructure:"flushTimeout"`  // producer flush deadline, in seconds
	Workers       int    `mapstructure:"workers"`       // response handler pool size
	QueueSize     int    `mapstructure:"queueSize"`     // bounded handler queue
	ForwardTopic  string `mapstructure:"forwardTopic"`  // cross-instance push forwarding subject
}

// LLMConfig holds the ordered provider chain.
type LLMConfig struct {
	Providers      []ProviderConfig `mapstructure:"providers"`
	BreakerCooloff int              `mapstructure:"breakerCooloff"` // seconds a rate-limited provider sits out
}

// ProviderConfig describes one LLM backend.
// Kind selects the client implementation: "anthropic" or "openai"
// (the latter covers any OpenAI-compatible endpoint via BaseURL).
type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"`
	APIKey  string `mapstructure:"apiKey"`
	BaseURL string `mapstructure:"baseUrl"`
	Model   string `mapstructure:"model"`
	RPM     int    `mapstructure:"rpm"`     // token bucket, requests per minute
	Timeout int    `mapstructure:"timeout"` // per-call deadline, in seconds
}

// IntentsConfig points at the pattern rule file.
type IntentsConfig struct {
	RulesFile string `mapstructure:"rulesFile"`
}

// AgentsConfig holds the intent -> agent topic routing table.
type AgentsConfig struct {
	Routes []RouteConfig `mapstructure:"routes"`
}

// RouteConfig describes one agent route.
type RouteConfig struct {
	Intent        string `mapstructure:"intent"`
	RequestTopic  string `mapstructure:"requestTopic"`
	ResponseTopic string `mapstructure:"responseTopic"`
	TaskType      string `mapstructure:"taskType"`
	Timeout       int    `mapstructure:"timeout"` // agent hard deadline, in seconds
	Placeholder   string `mapstructure:"placeholder"`
}

// PromptsConfig points at the prompt template directory.
type PromptsConfig struct {
	Dir string `mapstructure:"dir"`
}

// LimitsConfig holds request limits.
type LimitsConfig struct {
	MaxMessageChars int `mapstructure:"maxMessageChars"`
	ChatPerMinute   int `mapstructure:"chatPerMinute"` // per-user POST /chat budget
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TTLDuration returns the session TTL as a time.Duration.
func (s *SessionConfig) TTLDuration() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// FlushTimeoutDuration returns the producer flush deadline as a time.Duration.
func (b *BusConfig) FlushTimeoutDuration() time.Duration {
	return time.Duration(b.FlushTimeout) * time.Second
}

// TimeoutDuration returns the per-call deadline as a time.Duration.
func (p *ProviderConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// TimeoutDuration returns the agent hard deadline as a time.Duration.
func (r *RouteConfig) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// BreakerCooloffDuration returns the circuit breaker cool-off as a time.Duration.
func (l *LLMConfig) BreakerCooloffDuration() time.Duration {
	return time.Duration(l.BreakerCooloff) * time.Second
}

// detectDefaultLogFormat returns "json" in Kubernetes or production
// environments and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BITHEALTH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Session defaults
	v.SetDefault("session.ttl", 3600)
	v.SetDefault("session.maxHistory", 50)
	v.SetDefault("session.greetings", map[string]string{
		"en": "Hello! I'm your hospital assistant. How can I help you today?",
		"id": "Halo! Saya asisten rumah sakit Anda. Ada yang bisa saya bantu?",
	})

	// Redis defaults - empty addr means use the in-memory session store
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Bus defaults - empty URL means use the in-memory bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clientId", "backend-orchestrator")
	v.SetDefault("bus.group", "orchestrator")
	v.SetDefault("bus.maxReconnects", -1)
	v.SetDefault("bus.flushTimeout", 2)
	v.SetDefault("bus.workers", 8)
	v.SetDefault("bus.queueSize", 256)
	v.SetDefault("bus.forwardTopic", "push.forward.all")

	// LLM defaults: Anthropic primary, Gemini (OpenAI-compatible endpoint) fallback.
	// API keys are env-expanded after unmarshal.
	v.SetDefault("llm.breakerCooloff", 30)
	v.SetDefault("llm.providers", []map[string]interface{}{
		{
			"name":    "anthropic",
			"kind":    "anthropic",
			"apiKey":  "${ANTHROPIC_API_KEY}",
			"model":   "claude-3-5-haiku-latest",
			"rpm":     60,
			"timeout": 30,
		},
		{
			"name":    "gemini",
			"kind":    "openai",
			"apiKey":  "${GEMINI_API_KEY}",
			"baseUrl": "https://generativelanguage.googleapis.com/v1beta/openai/",
			"model":   "gemini-2.0-flash",
			"rpm":     60,
			"timeout": 30,
		},
	})

	// Intent rules
	v.SetDefault("intents.rulesFile", "configs/intent_rules.yaml")

	// Agent routes: the default hospital agent topology
	v.SetDefault("agents.routes", []map[string]interface{}{
		{
			"intent":        "general_info",
			"requestTopic":  "general-info-requests",
			"responseTopic": "general-info-responses",
			"taskType":      "general_info_request",
			"timeout":       15,
			"placeholder":   "Looking that up for you...",
		},
		{
			"intent":        "appointment_booking",
			"requestTopic":  "appointment-agent-requests",
			"responseTopic": "appointment-agent-responses",
			"taskType":      "appointment_booking",
			"timeout":       30,
			"placeholder":   "Checking available slots...",
		},
		{
			"intent":        "appointment_modify",
			"requestTopic":  "appointment-agent-requests",
			"responseTopic": "appointment-agent-responses",
			"taskType":      "appointment_modify",
			"timeout":       30,
			"placeholder":   "Pulling up your appointment...",
		},
		{
			"intent":        "pre_admission",
			"requestTopic":  "info-dissemination-requests",
			"responseTopic": "info-dissemination-responses",
			"taskType":      "pre_admission_info",
			"timeout":       25,
			"placeholder":   "Gathering your admission information...",
		},
		{
			"intent":        "post_discharge",
			"requestTopic":  "info-dissemination-requests",
			"responseTopic": "info-dissemination-responses",
			"taskType":      "post_discharge_info",
			"timeout":       25,
			"placeholder":   "Reviewing your discharge notes...",
		},
	})

	// Prompts
	v.SetDefault("prompts.dir", "configs/prompts")

	// Limits
	v.SetDefault("limits.maxMessageChars", 2000)
	v.SetDefault("limits.chatPerMinute", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BITHEALTH_ with snake_case naming.
// The config file should be named config.yaml and placed in the current
// directory, ./configs, or /etc/bithealth-chatbot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BITHEALTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("redis.addr", "BITHEALTH_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("bus.url", "BITHEALTH_BUS_URL", "NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/bithealth-chatbot/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandSecrets(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandSecrets resolves ${VAR} references in credential fields, so keys
// can live in the environment while the provider list lives in YAML.
func expandSecrets(cfg *Config) {
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
	}
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Session.TTL <= 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if cfg.Session.MaxHistory <= 0 {
		errs = append(errs, "session.maxHistory must be positive")
	}

	if cfg.Bus.Group == "" {
		errs = append(errs, "bus.group is required")
	}
	if cfg.Bus.FlushTimeout <= 0 {
		errs = append(errs, "bus.flushTimeout must be positive")
	}
	if cfg.Bus.Workers <= 0 {
		errs = append(errs, "bus.workers must be positive")
	}

	if len(cfg.LLM.Providers) == 0 {
		errs = append(errs, "llm.providers must list at least one provider")
	}
	for _, p := range cfg.LLM.Providers {
		if p.Name == "" || p.Kind == "" || p.Model == "" {
			errs = append(errs, fmt.Sprintf("llm provider '%s' must set name, kind and model", p.Name))
		}
		if p.Kind != "anthropic" && p.Kind != "openai" {
			errs = append(errs, fmt.Sprintf("llm provider '%s' has unknown kind '%s'", p.Name, p.Kind))
		}
	}

	if len(cfg.Agents.Routes) == 0 {
		errs = append(errs, "agents.routes must list at least one route")
	}
	for _, r := range cfg.Agents.Routes {
		if r.Intent == "" || r.RequestTopic == "" || r.ResponseTopic == "" || r.TaskType == "" {
			errs = append(errs, fmt.Sprintf("agent route '%s' must set intent, topics and taskType", r.Intent))
		}
		if r.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("agent route '%s' must set a positive timeout", r.Intent))
		}
	}

	if cfg.Limits.MaxMessageChars <= 0 {
		errs = append(errs, "limits.maxMessageChars must be positive")
	}
	if cfg.Limits.ChatPerMinute <= 0 {
		errs = append(errs, "limits.chatPerMinute must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
