package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:3333", cfg.Addr())
	assert.Equal(t, "llama-server", cfg.EngineKind)
	assert.Equal(t, "http://127.0.0.1:8080/v1", cfg.EngineURL)
	assert.Equal(t, 32, cfg.MaxSessions)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.BaseDir)
}

func TestLoadMergesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 4545\nengineKind: mock\nlogLevel: debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4545, cfg.Port)
	assert.Equal(t, "mock", cfg.EngineKind)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Host)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 4545\n"), 0o600))

	t.Setenv("PORT", "5656")
	t.Setenv("PRIVATE_AI_ENGINE", "mock")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5656, cfg.Port)
	assert.Equal(t, "mock", cfg.EngineKind)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()

	badPort := filepath.Join(dir, "port.yaml")
	require.NoError(t, os.WriteFile(badPort, []byte("port: 99999\n"), 0o600))
	_, err := Load(badPort)
	assert.Error(t, err)

	badSessions := filepath.Join(dir, "sessions.yaml")
	require.NoError(t, os.WriteFile(badSessions, []byte("maxSessions: 0\n"), 0o600))
	_, err = Load(badSessions)
	assert.Error(t, err)

	notYAML := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(notYAML, []byte("port: [unclosed"), 0o600))
	_, err = Load(notYAML)
	assert.Error(t, err)
}
