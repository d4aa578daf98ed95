package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location relative to the working dir.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	AMQPURL       string `yaml:"amqpURL"`

	// MasterKey is the base64-encoded 32-byte answer encryption key.
	MasterKey string `yaml:"masterKey"`
	// CredentialSecret signs session credentials (HS256).
	CredentialSecret string `yaml:"credentialSecret"`

	TokenTTL      string `yaml:"tokenTTL"`
	CredentialTTL string `yaml:"credentialTTL"`
	SweepInterval string `yaml:"sweepInterval"`

	LogLevel string `yaml:"logLevel"`

	MagicLinkRateLimitPerMinute int      `yaml:"magicLinkRateLimitPerMinute"`
	TrustedProxies              []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides. Secrets are expected through the environment in
// production; the YAML slots exist for local development.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("ANSWER_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := os.Getenv("CREDENTIAL_SECRET"); v != "" {
		cfg.CredentialSecret = v
	}
	if v := os.Getenv("MAGIC_LINK_TOKEN_TTL"); v != "" {
		cfg.TokenTTL = v
	}
	if v := os.Getenv("CREDENTIAL_TTL"); v != "" {
		cfg.CredentialTTL = v
	}
	if v := os.Getenv("TOKEN_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAGIC_LINK_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MagicLinkRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting and credential revocation")
	}
	if strings.TrimSpace(cfg.MasterKey) == "" {
		return errors.New("config: masterKey is required (set ANSWER_MASTER_KEY)")
	}
	if strings.TrimSpace(cfg.CredentialSecret) == "" {
		return errors.New("config: credentialSecret is required (set CREDENTIAL_SECRET)")
	}
	if cfg.MagicLinkRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseTokenTTL parses the optional magic-link token TTL duration string.
func ParseTokenTTL(ttlStr string) (time.Duration, error) {
	return parseOptionalDuration(ttlStr, "tokenTTL")
}

// ParseCredentialTTL parses the optional session credential TTL duration string.
func ParseCredentialTTL(ttlStr string) (time.Duration, error) {
	return parseOptionalDuration(ttlStr, "credentialTTL")
}

// ParseSweepInterval parses the optional expired-token sweep interval string.
func ParseSweepInterval(raw string) (time.Duration, error) {
	return parseOptionalDuration(raw, "sweepInterval")
}

func parseOptionalDuration(raw, field string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s duration: must be positive", field)
	}
	return dur, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
