package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the optional YAML file read beneath environment overrides
const ConfigFileEnv = "PARTSBUDDY_CONFIG"

type Config struct {
	// Service configuration
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json or console

	// NATS configuration
	NatsURL            string        `yaml:"nats_url"`
	NatsRequestSubject string        `yaml:"nats_request_subject"`
	NatsTimeout        time.Duration `yaml:"nats_timeout"`

	// HTTP configuration
	HTTPAddr string `yaml:"http_addr"`

	// LLM provider configuration
	LLMProvider    string        `yaml:"llm_provider"` // anthropic, openai, ollama, gemini, offline
	LLMModel       string        `yaml:"llm_model"`
	LLMAPIKey      string        `yaml:"llm_api_key"`
	LLMBaseURL     string        `yaml:"llm_base_url"`
	LLMTimeout     time.Duration `yaml:"llm_timeout"`
	LLMMaxRetries  int           `yaml:"llm_max_retries"`
	LLMBackoffBase time.Duration `yaml:"llm_backoff_base"`
	LLMRetryBudget time.Duration `yaml:"llm_retry_budget"`

	// Embeddings for the search index
	EmbeddingProvider string `yaml:"embedding_provider"` // hash, ollama, gemini
	EmbeddingModel    string `yaml:"embedding_model"`

	// Cache configuration
	RedisURL        string        `yaml:"redis_url"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefusalTTL      time.Duration `yaml:"refusal_ttl"`
	CacheKeyScope   string        `yaml:"cache_key_scope"` // global or session
	CacheRetryAfter time.Duration `yaml:"cache_retry_after"`
	HistoryLimit    int           `yaml:"history_limit"`
	HistoryWindow   int           `yaml:"history_window"`
	SessionTTL      time.Duration `yaml:"session_ttl"`

	// Pipeline configuration
	ProductTopK      int           `yaml:"product_top_k"`
	TroubleshootTopK int           `yaml:"troubleshoot_top_k"`
	SearchTimeout    time.Duration `yaml:"search_timeout"`
	AgentTimeout     time.Duration `yaml:"agent_timeout"`
	MaxMessageLen    int           `yaml:"max_message_len"`

	// Catalog configuration
	CatalogDir   string `yaml:"catalog_dir"`
	WatchCatalog bool   `yaml:"watch_catalog"`
}

var defaultModels = map[string]string{
	"anthropic": "claude-3-5-haiku-20241022",
	"openai":    "gpt-4o-mini",
	"ollama":    "llama3.2",
	"gemini":    "gemini-2.0-flash",
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		ServiceName: "partsbuddy",
		LogLevel:    "info",
		LogFormat:   "json",

		NatsURL:            "",
		NatsRequestSubject: "chat.ask",
		NatsTimeout:        30 * time.Second,

		HTTPAddr: ":8000",

		LLMProvider:    "anthropic",
		LLMTimeout:     4 * time.Second,
		LLMMaxRetries:  3,
		LLMBackoffBase: 500 * time.Millisecond,
		LLMRetryBudget: 9 * time.Second,

		EmbeddingProvider: "hash",

		RedisURL:        "redis://localhost:6379/0",
		CacheTTL:        15 * time.Minute,
		RefusalTTL:      2 * time.Minute,
		CacheKeyScope:   "global",
		CacheRetryAfter: 30 * time.Second,
		HistoryLimit:    20,
		HistoryWindow:   6,
		SessionTTL:      30 * time.Minute,

		ProductTopK:      5,
		TroubleshootTopK: 3,
		SearchTimeout:    2 * time.Second,
		AgentTimeout:     3 * time.Second,
		MaxMessageLen:    2000,
	}
}

// Load builds the config from defaults, the optional YAML file and the environment
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// Service settings
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	// NATS settings
	c.NatsURL = getEnv("NATS_URL", c.NatsURL)
	c.NatsRequestSubject = getEnv("NATS_REQUEST_SUBJECT", c.NatsRequestSubject)
	c.NatsTimeout = getDurationEnv("NATS_TIMEOUT", c.NatsTimeout)

	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)

	// LLM settings
	c.LLMProvider = strings.ToLower(getEnv("LLM_PROVIDER", c.LLMProvider))
	c.LLMModel = getEnv("LLM_MODEL", c.LLMModel)
	c.LLMAPIKey = getEnv("LLM_API_KEY", c.LLMAPIKey)
	c.LLMBaseURL = getEnv("LLM_BASE_URL", c.LLMBaseURL)
	c.LLMTimeout = getDurationEnv("LLM_TIMEOUT", c.LLMTimeout)
	c.LLMMaxRetries = getIntEnv("LLM_MAX_RETRIES", c.LLMMaxRetries)
	c.LLMBackoffBase = getDurationEnv("LLM_BACKOFF_BASE", c.LLMBackoffBase)
	c.LLMRetryBudget = getDurationEnv("LLM_RETRY_BUDGET", c.LLMRetryBudget)

	c.EmbeddingProvider = strings.ToLower(getEnv("EMBEDDING_PROVIDER", c.EmbeddingProvider))
	c.EmbeddingModel = getEnv("EMBEDDING_MODEL", c.EmbeddingModel)

	// Cache settings
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.CacheTTL = getDurationEnv("CACHE_TTL", c.CacheTTL)
	c.RefusalTTL = getDurationEnv("REFUSAL_TTL", c.RefusalTTL)
	c.CacheKeyScope = strings.ToLower(getEnv("CACHE_KEY_SCOPE", c.CacheKeyScope))
	c.CacheRetryAfter = getDurationEnv("CACHE_RETRY_AFTER", c.CacheRetryAfter)
	c.HistoryLimit = getIntEnv("HISTORY_LIMIT", c.HistoryLimit)
	c.HistoryWindow = getIntEnv("HISTORY_WINDOW", c.HistoryWindow)
	c.SessionTTL = getDurationEnv("SESSION_TTL", c.SessionTTL)

	// Pipeline settings
	c.ProductTopK = getIntEnv("PRODUCT_TOP_K", c.ProductTopK)
	c.TroubleshootTopK = getIntEnv("TROUBLESHOOT_TOP_K", c.TroubleshootTopK)
	c.SearchTimeout = getDurationEnv("SEARCH_TIMEOUT", c.SearchTimeout)
	c.AgentTimeout = getDurationEnv("AGENT_TIMEOUT", c.AgentTimeout)
	c.MaxMessageLen = getIntEnv("MAX_MESSAGE_LEN", c.MaxMessageLen)

	c.CatalogDir = getEnv("CATALOG_DIR", c.CatalogDir)
	c.WatchCatalog = getBoolEnv("WATCH_CATALOG", c.WatchCatalog)

	if c.LLMModel == "" {
		c.LLMModel = defaultModels[c.LLMProvider]
	}

	// Provider specific key names win over nothing at all
	if c.LLMAPIKey == "" {
		switch c.LLMProvider {
		case "anthropic":
			c.LLMAPIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.LLMAPIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.LLMAPIKey = os.Getenv("GOOGLE_API_KEY")
		}
	}
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case "anthropic", "openai", "gemini":
		if c.LLMAPIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required for provider %q", c.LLMProvider)
		}
	case "ollama", "offline":
	default:
		return fmt.Errorf("unknown LLM provider %q", c.LLMProvider)
	}

	switch c.EmbeddingProvider {
	case "hash", "ollama":
	case "gemini":
		if c.LLMAPIKey == "" && os.Getenv("GOOGLE_API_KEY") == "" {
			return fmt.Errorf("gemini embeddings need LLM_API_KEY or GOOGLE_API_KEY")
		}
	default:
		return fmt.Errorf("unknown embedding provider %q", c.EmbeddingProvider)
	}

	switch c.CacheKeyScope {
	case "global", "session":
	default:
		return fmt.Errorf("CACHE_KEY_SCOPE must be global or session, got %q", c.CacheKeyScope)
	}

	if c.LLMMaxRetries < 1 {
		return fmt.Errorf("LLM_MAX_RETRIES must be at least 1")
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("HISTORY_LIMIT must be at least 1")
	}
	if c.ProductTopK < 1 || c.TroubleshootTopK < 1 {
		return fmt.Errorf("top-k settings must be at least 1")
	}
	if c.CacheTTL <= 0 || c.RefusalTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.MaxMessageLen < 1 {
		return fmt.Errorf("MAX_MESSAGE_LEN must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
