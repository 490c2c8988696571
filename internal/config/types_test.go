package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	redisWithoutAddress := cfg
	redisWithoutAddress.Server.Store.Backend = "redis"
	require.Error(t, redisWithoutAddress.Validate())

	redisWithAddress := redisWithoutAddress
	redisWithAddress.Server.Store.Redis.Address = "127.0.0.1:6379"
	require.NoError(t, redisWithAddress.Validate())

	negativeUpload := cfg
	negativeUpload.Server.Uploads.MaxBytes = -1
	require.Error(t, negativeUpload.Validate())

	t.Run("token without subject id", func(t *testing.T) {
		invalid := DefaultConfig()
		invalid.Server.Auth.Tokens = map[string]SubjectConfig{
			"abcdef": {Name: "nobody"},
		}
		err := invalid.Validate()
		require.Error(t, err)
		require.NotContains(t, err.Error(), "abcdef")
	})

	t.Run("client base url scheme", func(t *testing.T) {
		invalid := DefaultConfig()
		invalid.Client.BaseURL = "ftp://example.test"
		require.Error(t, invalid.Validate())
	})

	t.Run("durations", func(t *testing.T) {
		invalid := DefaultConfig()
		invalid.Client.Cache.KeepUnused = "soon"
		require.Error(t, invalid.Validate())

		negative := DefaultConfig()
		negative.Client.Timeout = "-1s"
		require.Error(t, negative.Validate())
	})

	t.Run("rate limit", func(t *testing.T) {
		invalid := DefaultConfig()
		invalid.Client.RateLimit = -1
		require.Error(t, invalid.Validate())

		limited := DefaultConfig()
		limited.Client.RateLimit = 2.5
		limited.Client.RateBurst = 5
		require.NoError(t, limited.Validate())
	})

	t.Run("refetch concurrency", func(t *testing.T) {
		invalid := DefaultConfig()
		invalid.Client.Cache.RefetchConcurrency = -2
		require.Error(t, invalid.Validate())
	})
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, 5*time.Second, cfg.Server.Listen.ShutdownDuration())
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.Equal(t, "memory", cfg.Server.Store.Backend)
	require.Equal(t, int64(32<<20), cfg.Server.Uploads.MaxBytes)
	require.Equal(t, 10*time.Second, cfg.Client.TimeoutDuration())
	require.Equal(t, 60*time.Second, cfg.Client.Cache.KeepUnusedDuration())
	require.Equal(t, 4, cfg.Client.Cache.RefetchConcurrency)
}
