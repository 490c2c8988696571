package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot and resolves the policy document, if any.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.policies.policyfile":       "server.policies.policyFile",
			"server.uploads.maxbytes":          "server.uploads.maxBytes",
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"server.store.redis.tls.cafile":    "server.store.redis.tls.caFile",
			"client.baseurl":                   "client.baseURL",
			"client.cache.keepunused":          "client.cache.keepUnused",
			"client.cache.refetchconcurrency":  "client.cache.refetchConcurrency",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if path := strings.TrimSpace(cfg.Server.Policies.PolicyFile); path != "" {
		doc, err := LoadPolicyDocument(ctx, path)
		if err != nil {
			return Config{}, err
		}
		cfg.Policies = doc
		cfg.PolicySource = path
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address":         cfg.Server.Listen.Address,
				"port":            cfg.Server.Listen.Port,
				"shutdownTimeout": cfg.Server.Listen.ShutdownTimeout,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"store": map[string]any{
				"backend":   cfg.Server.Store.Backend,
				"namespace": cfg.Server.Store.Namespace,
				"redis": map[string]any{
					"address":        cfg.Server.Store.Redis.Address,
					"username":       cfg.Server.Store.Redis.Username,
					"password":       cfg.Server.Store.Redis.Password,
					"db":             cfg.Server.Store.Redis.DB,
					"connectRetries": cfg.Server.Store.Redis.ConnectRetries,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Store.Redis.TLS.CAFile,
					},
				},
			},
			"policies": map[string]any{
				"policyFile": cfg.Server.Policies.PolicyFile,
			},
			"uploads": map[string]any{
				"maxBytes": cfg.Server.Uploads.MaxBytes,
			},
		},
		"client": map[string]any{
			"baseURL":   cfg.Client.BaseURL,
			"token":     cfg.Client.Token,
			"timeout":   cfg.Client.Timeout,
			"rateLimit": cfg.Client.RateLimit,
			"rateBurst": cfg.Client.RateBurst,
			"cache": map[string]any{
				"keepUnused":         cfg.Client.Cache.KeepUnused,
				"refetchConcurrency": cfg.Client.Cache.RefetchConcurrency,
			},
		},
	}
}
