package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the server and client options plus the policy artifacts once they are loaded.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Client ClientConfig `koanf:"client"`

	// PolicySource records which file contributed the active policy set. It is
	// excluded from koanf so the value only reflects runtime discovery.
	PolicySource string `koanf:"-"`
	// Policies is the resolved policy document, empty when the built-in
	// defaults apply.
	Policies PolicyDocument `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the API server.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Store    StoreConfig    `koanf:"store"`
	Auth     AuthConfig     `koanf:"auth"`
	Policies PoliciesConfig `koanf:"policies"`
	Uploads  UploadsConfig  `koanf:"uploads"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
	// ShutdownTimeout bounds how long in-flight requests may drain.
	ShutdownTimeout string `koanf:"shutdownTimeout"`
}

// ShutdownDuration parses the drain timeout, returning zero when unset or invalid.
func (l ListenConfig) ShutdownDuration() time.Duration {
	return parseDuration(l.ShutdownTimeout)
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

type StoreConfig struct {
	Backend   string           `koanf:"backend"`
	Namespace string           `koanf:"namespace"`
	Redis     StoreRedisConfig `koanf:"redis"`
}

type StoreRedisConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      StoreRedisTLSConfig `koanf:"tls"`
	// ConnectRetries is how many times a failed initial connection is retried.
	ConnectRetries int `koanf:"connectRetries"`
}

type StoreRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// AuthConfig maps static bearer tokens to the subject they authenticate.
type AuthConfig struct {
	Tokens map[string]SubjectConfig `koanf:"tokens"`
}

type SubjectConfig struct {
	ID    string   `koanf:"id"`
	Name  string   `koanf:"name"`
	Roles []string `koanf:"roles"`
}

// PoliciesConfig points at an optional policy document replacing the built-in policies.
type PoliciesConfig struct {
	PolicyFile string `koanf:"policyFile"`
}

type UploadsConfig struct {
	MaxBytes int64 `koanf:"maxBytes"`
}

// ClientConfig drives the API client and its resource cache.
type ClientConfig struct {
	BaseURL string `koanf:"baseURL"`
	Token   string `koanf:"token"`
	Timeout string `koanf:"timeout"`
	// RateLimit caps outgoing requests per second; zero disables it.
	RateLimit float64           `koanf:"rateLimit"`
	RateBurst int               `koanf:"rateBurst"`
	Cache     ClientCacheConfig `koanf:"cache"`
}

type ClientCacheConfig struct {
	KeepUnused         string `koanf:"keepUnused"`
	RefetchConcurrency int    `koanf:"refetchConcurrency"`
}

// TimeoutDuration parses the client timeout, returning zero when unset or invalid.
func (c ClientConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout)
}

// KeepUnusedDuration parses how long an unsubscribed cache entry survives.
func (c ClientCacheConfig) KeepUnusedDuration() time.Duration {
	return parseDuration(c.KeepUnused)
}

func parseDuration(value string) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0
	}
	return d
}

// PolicyDocument is the on-disk shape of a policy file: model class -> action -> rule.
type PolicyDocument struct {
	Policies map[string]map[string]PolicyRuleConfig `koanf:"policies"`
}

// PolicyRuleConfig grants an action to the listed roles, optionally narrowed by a CEL condition.
type PolicyRuleConfig struct {
	Roles     []string `koanf:"roles"`
	Condition string   `koanf:"condition"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if err := validateDuration("server.listen.shutdownTimeout", c.Server.Listen.ShutdownTimeout); err != nil {
		return err
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Store.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Store.Redis.Address) == "" {
			return errors.New("config: server.store.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.store.backend unsupported: %s", c.Server.Store.Backend)
	}
	if c.Server.Uploads.MaxBytes < 0 {
		return fmt.Errorf("config: server.uploads.maxBytes invalid: %d", c.Server.Uploads.MaxBytes)
	}
	for token, subject := range c.Server.Auth.Tokens {
		if strings.TrimSpace(token) == "" {
			return errors.New("config: server.auth.tokens contains an empty token")
		}
		if strings.TrimSpace(subject.ID) == "" {
			return fmt.Errorf("config: server.auth.tokens subject id required for token %q", maskToken(token))
		}
	}
	if raw := strings.TrimSpace(c.Client.BaseURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("config: client.baseURL invalid: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("config: client.baseURL scheme unsupported: %q", parsed.Scheme)
		}
	}
	if err := validateDuration("client.timeout", c.Client.Timeout); err != nil {
		return err
	}
	if err := validateDuration("client.cache.keepUnused", c.Client.Cache.KeepUnused); err != nil {
		return err
	}
	if c.Client.RateLimit < 0 || c.Client.RateBurst < 0 {
		return fmt.Errorf("config: client rate limit invalid: %v/%d", c.Client.RateLimit, c.Client.RateBurst)
	}
	if c.Client.Cache.RefetchConcurrency < 0 {
		return fmt.Errorf("config: client.cache.refetchConcurrency invalid: %d", c.Client.Cache.RefetchConcurrency)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address:         "0.0.0.0",
				Port:            8080,
				ShutdownTimeout: "5s",
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Store: StoreConfig{
				Backend:   "memory",
				Namespace: "immogest",
			},
			Uploads: UploadsConfig{
				MaxBytes: 32 << 20,
			},
		},
		Client: ClientConfig{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: "10s",
			Cache: ClientCacheConfig{
				KeepUnused:         "60s",
				RefetchConcurrency: 4,
			},
		},
	}
}

func validateDuration(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("config: %s must not be negative", field)
	}
	return nil
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
