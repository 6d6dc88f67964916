package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnv_Defaults(t *testing.T) {
	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, 30*time.Second, cfg.ResolveTimeout)
	assert.Equal(t, 120*time.Second, cfg.DownloadTimeout)
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestValidateEnv_RedisRequiresValidAddr(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not-a-host-port")
	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("localhost:notaport"))
}
