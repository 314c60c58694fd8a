package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MinSecretLength is the minimum accepted length for ENCRYPTION_KEY and TOKEN_SIGNING_SECRET.
const MinSecretLength = 32

// Config holds all configuration for the broker
type Config struct {
	// Server
	Port string
	Env  string

	// Logging
	LogLevel  string
	LogFormat string

	// Optional backing stores
	DatabaseURL string
	RedisURL    string

	// Upstream provider
	ProviderAPIKey  string
	UpstreamBaseURL string
	UpstreamTimeout time.Duration
	UpstreamRPS     float64
	RealtimeModel   string

	// Secrets
	EncryptionKey      string
	TokenSigningSecret string

	// CORS
	AllowedOrigins []string

	// Proxies whose X-Forwarded-For is trusted (IPs or CIDRs)
	TrustedProxies []string

	// Rate limiting
	RateLimitRequestsPerMinute int
	ProxyRequestsPerMinute     int
	RateLimitProfile           string
	RateLimitWhitelist         []string

	// Ephemeral tokens (seconds)
	TokenDuration    int
	TokenMinDuration int
	TokenMaxDuration int

	// Proxy
	CacheTTLSeconds int
	MaxBodyBytes    int64
	ReplayWindow    time.Duration

	// Vault
	KeyMaxAge        time.Duration
	RotationInterval time.Duration

	EnableDemoMode bool
}

// fileOverlay is the optional YAML file named by BROKER_CONFIG_FILE.
// Values present in the file override the environment.
type fileOverlay struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	RateLimit      struct {
		RequestsPerMinute int      `yaml:"requests_per_minute"`
		ProxyPerMinute    int      `yaml:"proxy_requests_per_minute"`
		Profile           string   `yaml:"profile"`
		Whitelist         []string `yaml:"whitelist"`
	} `yaml:"rate_limit"`
	Token struct {
		Duration    int `yaml:"duration"`
		MinDuration int `yaml:"min_duration"`
		MaxDuration int `yaml:"max_duration"`
	} `yaml:"token"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	env := getEnv("ENV", "development")
	defaultProfile := "permissive"
	if env == "production" {
		defaultProfile = "strict"
	}

	cfg := &Config{
		Port:                       getEnv("PORT", "8080"),
		Env:                        env,
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		LogFormat:                  getEnv("LOG_FORMAT", "json"),
		DatabaseURL:                getEnv("DATABASE_URL", ""),
		RedisURL:                   getEnv("REDIS_URL", ""),
		ProviderAPIKey:             getEnv("PROVIDER_API_KEY", getEnv("OPENAI_API_KEY", "")),
		UpstreamBaseURL:            getEnv("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
		UpstreamTimeout:            getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		UpstreamRPS:                getEnvFloat("UPSTREAM_RPS", 20),
		RealtimeModel:              getEnv("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		EncryptionKey:              getEnv("ENCRYPTION_KEY", ""),
		TokenSigningSecret:         getEnv("TOKEN_SIGNING_SECRET", ""),
		AllowedOrigins:             getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		TrustedProxies:             getEnvList("TRUSTED_PROXIES", nil),
		RateLimitRequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 10),
		ProxyRequestsPerMinute:     getEnvInt("PROXY_REQUESTS_PER_MINUTE", 60),
		RateLimitProfile:           getEnv("RATE_LIMIT_PROFILE", defaultProfile),
		RateLimitWhitelist:         getEnvList("RATE_LIMIT_WHITELIST", nil),
		TokenDuration:              getEnvInt("TOKEN_DURATION", 300),
		TokenMinDuration:           getEnvInt("TOKEN_MIN_DURATION", 60),
		TokenMaxDuration:           getEnvInt("TOKEN_MAX_DURATION", 3600),
		CacheTTLSeconds:            getEnvInt("CACHE_TTL_SECONDS", 300),
		MaxBodyBytes:               int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),
		ReplayWindow:               getEnvDuration("REPLAY_WINDOW", 5*time.Minute),
		KeyMaxAge:                  getEnvDuration("KEY_MAX_AGE", 90*24*time.Hour),
		RotationInterval:           getEnvDuration("KEY_ROTATION_INTERVAL", 0),
		EnableDemoMode:             getEnvBool("ENABLE_DEMO_MODE", false),
	}

	if path := getEnv("BROKER_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.TokenSigningSecret == "" && cfg.EncryptionKey != "" {
		// Independent from the vault key material even when not configured explicitly.
		sum := sha256.Sum256([]byte("token-signing:" + cfg.EncryptionKey))
		cfg.TokenSigningSecret = hex.EncodeToString(sum[:])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	if len(c.EncryptionKey) < MinSecretLength {
		return fmt.Errorf("ENCRYPTION_KEY is required and must be at least %d characters", MinSecretLength)
	}
	if len(c.TokenSigningSecret) < MinSecretLength {
		return fmt.Errorf("TOKEN_SIGNING_SECRET must be at least %d characters", MinSecretLength)
	}
	if c.ProviderAPIKey == "" && !c.EnableDemoMode {
		return fmt.Errorf("PROVIDER_API_KEY is required unless ENABLE_DEMO_MODE=true")
	}
	if c.RateLimitRequestsPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS_PER_MINUTE must be positive")
	}
	if c.ProxyRequestsPerMinute <= 0 {
		return fmt.Errorf("PROXY_REQUESTS_PER_MINUTE must be positive")
	}
	if c.RateLimitProfile != "strict" && c.RateLimitProfile != "permissive" {
		return fmt.Errorf("RATE_LIMIT_PROFILE must be strict or permissive, got %q", c.RateLimitProfile)
	}
	if c.IsProduction() && len(c.RateLimitWhitelist) > 0 {
		return fmt.Errorf("RATE_LIMIT_WHITELIST is not allowed in production")
	}
	for _, p := range c.TrustedProxies {
		if !validProxyAddr(p) {
			return fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP or CIDR", p)
		}
	}
	if c.TokenMinDuration <= 0 || c.TokenMaxDuration < c.TokenMinDuration {
		return fmt.Errorf("token duration bounds are invalid (min %d, max %d)", c.TokenMinDuration, c.TokenMaxDuration)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	return nil
}

func validProxyAddr(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// IsProduction reports whether the broker runs with the production profile.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(overlay.AllowedOrigins) > 0 {
		c.AllowedOrigins = overlay.AllowedOrigins
	}
	if len(overlay.TrustedProxies) > 0 {
		c.TrustedProxies = overlay.TrustedProxies
	}
	if overlay.RateLimit.RequestsPerMinute > 0 {
		c.RateLimitRequestsPerMinute = overlay.RateLimit.RequestsPerMinute
	}
	if overlay.RateLimit.ProxyPerMinute > 0 {
		c.ProxyRequestsPerMinute = overlay.RateLimit.ProxyPerMinute
	}
	if overlay.RateLimit.Profile != "" {
		c.RateLimitProfile = overlay.RateLimit.Profile
	}
	if len(overlay.RateLimit.Whitelist) > 0 {
		c.RateLimitWhitelist = overlay.RateLimit.Whitelist
	}
	if overlay.Token.Duration > 0 {
		c.TokenDuration = overlay.Token.Duration
	}
	if overlay.Token.MinDuration > 0 {
		c.TokenMinDuration = overlay.Token.MinDuration
	}
	if overlay.Token.MaxDuration > 0 {
		c.TokenMaxDuration = overlay.Token.MaxDuration
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
