package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/examlive/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port int32
	}

	Session struct {
		DefaultDuration time.Duration
	}

	Redis struct {
		Prefix string
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("http:\n  port: 9000\nsession:\n  defaultduration: 15m\n"), 0o600))

	t.Setenv("REDIS_PREFIX", "test")

	var c testConfig
	c.HTTP.Port = 8080
	c.Redis.Prefix = "local"

	require.NoError(t, config.Load(file, &c))
	require.EqualValues(t, 9000, c.HTTP.Port)
	require.Equal(t, 15*time.Minute, c.Session.DefaultDuration)
	require.Equal(t, "test", c.Redis.Prefix, "environment overrides defaults")
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("HTTP_PORT", "9100")

	var c testConfig
	c.HTTP.Port = 8080

	require.NoError(t, config.Load("", &c))
	require.EqualValues(t, 9100, c.HTTP.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	var c testConfig
	require.Error(t, config.Load(filepath.Join(t.TempDir(), "missing.yaml"), &c))
}
