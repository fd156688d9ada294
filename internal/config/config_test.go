// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8484, cfg.Port)
	assert.Equal(t, "/ws/encoder", cfg.EncoderPath)
	assert.Equal(t, 30*time.Second, cfg.AssignedTimeout)
	assert.Equal(t, 2*time.Minute, cfg.StallTimeout)
	assert.Equal(t, 3, cfg.HeartbeatMisses)
	assert.Equal(t, 3, cfg.DefaultMaxAttempts)
	assert.Empty(t, cfg.RedisAddr)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("FETCHD_PORT", "9000")
	t.Setenv("FETCHD_STALL_TIMEOUT", "5m")
	t.Setenv("FETCHD_HEARTBEAT_MISSES", "5")
	t.Setenv("FETCHD_PATH_MAPPINGS", "enc1:/srv/media=/mnt/media, enc1:/srv/raw=/mnt/raw ,enc2:/srv=/data")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.StallTimeout)
	assert.Equal(t, 5, cfg.HeartbeatMisses)
	require.Len(t, cfg.PathMappings, 3)
	assert.Equal(t, PathMapEntry{EncoderID: "enc1", ServerPrefix: "/srv/media", EncoderPrefix: "/mnt/media"}, cfg.PathMappings[0])
	assert.Equal(t, "enc2", cfg.PathMappings[2].EncoderID)
}

func TestFromEnvInvalidValuesFallBack(t *testing.T) {
	t.Setenv("FETCHD_PORT", "not-a-number")
	t.Setenv("FETCHD_STALL_TIMEOUT", "soon")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 8484, cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.StallTimeout)
}

func TestPathMappingParseErrors(t *testing.T) {
	t.Setenv("FETCHD_PATH_MAPPINGS", "missing-separator")
	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("FETCHD_PATH_MAPPINGS", "enc1:/srv/media")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = FromEnv()
	cfg.EncoderPath = "ws/encoder"
	assert.Error(t, cfg.Validate())
}
