package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
	// Namespace prefixes every key so several deployments can share a database.
	Namespace string
}

// Each kind lives in one hash (<ns>:records:<kind>); id sequences live in the
// <ns>:seq hash and the set of known kinds in <ns>:kinds.
type redisBackend struct {
	client    valkey.Client
	namespace string
}

func NewRedis(cfg RedisConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "immogest"
	}
	return &redisBackend{client: client, namespace: namespace}, nil
}

func (b *redisBackend) recordsKey(kind string) string {
	return b.namespace + ":records:" + kind
}

func (b *redisBackend) Get(ctx context.Context, kind, id string) ([]byte, error) {
	resp := b.client.Do(ctx, b.client.B().Hget().Key(b.recordsKey(kind)).Field(id).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
		}
		return nil, fmt.Errorf("store: redis hget: %w", err)
	}
	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("store: redis hget bytes: %w", err)
	}
	return data, nil
}

func (b *redisBackend) Put(ctx context.Context, kind, id string, data []byte) error {
	cmds := valkey.Commands{
		b.client.B().Hset().Key(b.recordsKey(kind)).FieldValue().FieldValue(id, string(data)).Build(),
		b.client.B().Sadd().Key(b.namespace + ":kinds").Member(kind).Build(),
	}
	for _, resp := range b.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("store: redis put: %w", err)
		}
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, kind, id string) error {
	removed, err := b.client.Do(ctx, b.client.B().Hdel().Key(b.recordsKey(kind)).Field(id).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("store: redis hdel: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	return nil
}

func (b *redisBackend) List(ctx context.Context, kind string) (map[string][]byte, error) {
	values, err := b.client.Do(ctx, b.client.B().Hgetall().Key(b.recordsKey(kind)).Build()).AsStrMap()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return map[string][]byte{}, nil
		}
		return nil, fmt.Errorf("store: redis hgetall: %w", err)
	}
	out := make(map[string][]byte, len(values))
	for id, data := range values {
		out[id] = []byte(data)
	}
	return out, nil
}

func (b *redisBackend) NextID(ctx context.Context, kind string) (string, error) {
	next, err := b.client.Do(ctx, b.client.B().Hincrby().Key(b.namespace+":seq").Field(kind).Increment(1).Build()).AsInt64()
	if err != nil {
		return "", fmt.Errorf("store: redis hincrby: %w", err)
	}
	return strconv.FormatInt(next, 10), nil
}

func (b *redisBackend) Size(ctx context.Context) (int64, error) {
	kinds, err := b.client.Do(ctx, b.client.B().Smembers().Key(b.namespace+":kinds").Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("store: redis smembers: %w", err)
	}
	var total int64
	for _, kind := range kinds {
		n, err := b.client.Do(ctx, b.client.B().Hlen().Key(b.recordsKey(kind)).Build()).AsInt64()
		if err != nil {
			return 0, fmt.Errorf("store: redis hlen: %w", err)
		}
		total += n
	}
	return total, nil
}

func (b *redisBackend) Close(context.Context) error {
	b.client.Close()
	return nil
}
