// Package config provides runtime configuration management.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// TokenStoreBackend selects which Store implementation backs the account.
type TokenStoreBackend string

const (
	TokenStoreBackendJSON   TokenStoreBackend = "json"
	TokenStoreBackendSQLite TokenStoreBackend = "sqlite"
)

// Config represents the runtime configuration.
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey string `json:"apiKey"`

	// Logging and debugging
	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"`
	LogLevel string `json:"logLevel"`

	// Retry configuration
	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	// Cooldown configuration
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	// Rate limit handling
	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	MaxCapacityRetries     int   `json:"maxCapacityRetries"`

	// Model mapping (for hiding/aliasing models)
	ModelMapping map[string]string `json:"modelMapping"`

	// Token store
	TokenStoreBackend TokenStoreBackend `json:"tokenStoreBackend"`
	TokenStorePath    string            `json:"tokenStorePath"`

	// Heuristic tool-argument repair (off by default; best-effort and lossy)
	EnableHeuristicRepair bool `json:"enableHeuristicRepair"`

	// Redis configuration (optional; proxy runs in-memory when RedisAddr is empty)
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	// Server configuration
	Port int    `json:"port"`
	Host string `json:"host"`

	// Fallback configuration
	FallbackEnabled bool `json:"fallbackEnabled"`

	// Gemini-side output token cap applied to all outbound requests
	GeminiMaxOutputTokens int `json:"geminiMaxOutputTokens"`

	// Model Router targets for the haiku/sonnet/opus aliases (§4.9).
	HaikuModel  string `json:"haikuModel"`
	SonnetModel string `json:"sonnetModel"`
	OpusModel   string `json:"opusModel"`

	// AllowRemoteHosts disables the default loopback-only Host header check.
	AllowRemoteHosts bool `json:"allowRemoteHosts"`
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	return &Config{
		APIKey:                 "",
		Debug:                  false,
		DevMode:                false,
		LogLevel:               "info",
		MaxRetries:             MaxUpstream5xxRetries,
		RetryBaseMs:            MinBackoffMs,
		RetryMaxMs:             60000,
		DefaultCooldownMs:      DefaultCooldownMs,
		MaxWaitBeforeErrorMs:   MaxWaitBeforeErrorMs,
		RateLimitDedupWindowMs: RateLimitDedupWindowMs,
		MaxConsecutiveFailures: 3,
		ExtendedCooldownMs:     60000,
		MaxCapacityRetries:     5,
		ModelMapping:           make(map[string]string),
		TokenStoreBackend:      TokenStoreBackendJSON,
		TokenStorePath:         DefaultTokenStorePath(),
		EnableHeuristicRepair:  true,
		RedisAddr:              "",
		RedisPassword:          "",
		RedisDB:                0,
		Port:                   DefaultPort,
		Host:                   "0.0.0.0",
		FallbackEnabled:        false,
		GeminiMaxOutputTokens:  GeminiMaxOutputTokens,
		HaikuModel:             "gemini-3-flash",
		SonnetModel:            "claude-sonnet-4-5-thinking",
		OpusModel:              "claude-opus-4-6-thinking",
		AllowRemoteHosts:       false,
	}
}

var (
	configDir  string
	configFile string
)

func init() {
	home := utils.GetHomeDir()
	configDir = filepath.Join(home, ".config", "antigravity-bridge")
	configFile = filepath.Join(configDir, "config.json")
}

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the global config instance, loading it on first use.
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load loads configuration from an optional on-disk JSON file, then applies
// environment overrides. File and environment are both optional; defaults
// alone are a valid configuration.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureDir(configDir); err != nil {
		utils.Warn("Failed to create config directory: %v", err)
	}

	if utils.FileExists(configFile) {
		if err := c.loadFromFile(configFile); err != nil {
			utils.Warn("Failed to load config from %s: %v", configFile, err)
		}
	} else {
		localConfig := filepath.Join(".", "config.json")
		if utils.FileExists(localConfig) {
			if err := c.loadFromFile(localConfig); err != nil {
				utils.Warn("Failed to load local config: %v", err)
			}
		}
	}

	c.loadFromEnv()

	if c.Debug && !c.DevMode {
		c.DevMode = true
	}

	utils.SetDebug(c.Debug || c.DevMode)

	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tempConfig := DefaultConfig()
	if err := json.Unmarshal(data, tempConfig); err != nil {
		return err
	}

	c.APIKey = tempConfig.APIKey
	c.Debug = tempConfig.Debug
	c.DevMode = tempConfig.DevMode
	c.LogLevel = tempConfig.LogLevel
	c.MaxRetries = tempConfig.MaxRetries
	c.RetryBaseMs = tempConfig.RetryBaseMs
	c.RetryMaxMs = tempConfig.RetryMaxMs
	c.DefaultCooldownMs = tempConfig.DefaultCooldownMs
	c.MaxWaitBeforeErrorMs = tempConfig.MaxWaitBeforeErrorMs
	c.RateLimitDedupWindowMs = tempConfig.RateLimitDedupWindowMs
	c.MaxConsecutiveFailures = tempConfig.MaxConsecutiveFailures
	c.ExtendedCooldownMs = tempConfig.ExtendedCooldownMs
	c.MaxCapacityRetries = tempConfig.MaxCapacityRetries
	c.ModelMapping = tempConfig.ModelMapping
	c.TokenStoreBackend = tempConfig.TokenStoreBackend
	c.TokenStorePath = tempConfig.TokenStorePath
	c.EnableHeuristicRepair = tempConfig.EnableHeuristicRepair
	c.RedisAddr = tempConfig.RedisAddr
	c.RedisPassword = tempConfig.RedisPassword
	c.RedisDB = tempConfig.RedisDB
	c.Port = tempConfig.Port
	c.Host = tempConfig.Host
	c.FallbackEnabled = tempConfig.FallbackEnabled
	c.GeminiMaxOutputTokens = tempConfig.GeminiMaxOutputTokens
	c.HaikuModel = tempConfig.HaikuModel
	c.SonnetModel = tempConfig.SonnetModel
	c.OpusModel = tempConfig.OpusModel
	c.AllowRemoteHosts = tempConfig.AllowRemoteHosts

	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisDB = n
		}
	}
	if v := os.Getenv("TOKEN_STORE_PATH"); v != "" {
		c.TokenStorePath = v
	}
	if v := os.Getenv("TOKEN_STORE_BACKEND"); v != "" {
		c.TokenStoreBackend = TokenStoreBackend(v)
	}
	if v := os.Getenv("ENABLE_HEURISTIC_REPAIR"); v != "" {
		c.EnableHeuristicRepair = v != "false" && v != "0"
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
	if v := os.Getenv("HAIKU_MODEL"); v != "" {
		c.HaikuModel = v
	}
	if v := os.Getenv("SONNET_MODEL"); v != "" {
		c.SonnetModel = v
	}
	if v := os.Getenv("OPUS_MODEL"); v != "" {
		c.OpusModel = v
	}
	if os.Getenv("ALLOW_REMOTE_HOSTS") == "true" {
		c.AllowRemoteHosts = true
	}
}

// ResolveModel maps a client-requested model alias to a concrete upstream
// model id per the Model Router rules: an "antigravity-" prefixed alias
// passes through verbatim (with the prefix stripped); otherwise the alias is
// matched against *haiku*/*sonnet*/*opus* substrings (case-insensitive) and
// mapped to the configured target. Returns ok=false if nothing matches.
func (c *Config) ResolveModel(alias string) (string, bool) {
	if strings.HasPrefix(alias, "antigravity-") {
		return strings.TrimPrefix(alias, "antigravity-"), true
	}

	lower := strings.ToLower(alias)
	switch {
	case strings.Contains(lower, "haiku"):
		return c.HaikuModel, true
	case strings.Contains(lower, "sonnet"):
		return c.SonnetModel, true
	case strings.Contains(lower, "opus"):
		return c.OpusModel, true
	default:
		return "", false
	}
}

// Save saves the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := utils.EnsureDir(configDir); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configFile, data, 0644)
}

// GetPublic returns a copy of the config with sensitive fields redacted.
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":                 redact(c.APIKey),
		"debug":                  c.Debug,
		"devMode":                c.DevMode,
		"logLevel":               c.LogLevel,
		"maxRetries":             c.MaxRetries,
		"retryBaseMs":            c.RetryBaseMs,
		"retryMaxMs":             c.RetryMaxMs,
		"defaultCooldownMs":      c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs":   c.MaxWaitBeforeErrorMs,
		"rateLimitDedupWindowMs": c.RateLimitDedupWindowMs,
		"maxConsecutiveFailures": c.MaxConsecutiveFailures,
		"extendedCooldownMs":     c.ExtendedCooldownMs,
		"maxCapacityRetries":     c.MaxCapacityRetries,
		"modelMapping":           c.ModelMapping,
		"tokenStoreBackend":      c.TokenStoreBackend,
		"enableHeuristicRepair":  c.EnableHeuristicRepair,
		"redisAddr":              c.RedisAddr,
		"redisPassword":          redact(c.RedisPassword),
		"redisDB":                c.RedisDB,
		"port":                   c.Port,
		"host":                   c.Host,
		"fallbackEnabled":        c.FallbackEnabled,
		"geminiMaxOutputTokens":  c.GeminiMaxOutputTokens,
	}
}

// IsDevMode returns whether dev mode is enabled.
func (c *Config) IsDevMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DevMode
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// GetPort returns the server port from global config.
func GetPort() int {
	return GetConfig().Port
}

// GetHost returns the server host from global config.
func GetHost() string {
	return GetConfig().Host
}

// IsDebug returns whether debug mode is enabled.
func IsDebug() bool {
	cfg := GetConfig()
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.Debug
}

// IsDevModeEnabled returns whether dev mode is enabled.
func IsDevModeEnabled() bool {
	return GetConfig().IsDevMode()
}
