// Package config resolves server configuration from an optional YAML file and
// environment variables. Environment variables win over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the server reads at startup.
type Config struct {
	BaseDir     string `yaml:"baseDir"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ModelPath   string `yaml:"modelPath"`
	BundledDir  string `yaml:"bundledDir"`
	EngineURL   string `yaml:"engineUrl"`
	EngineKind  string `yaml:"engineKind"`
	MaxSessions int    `yaml:"maxSessions"`
	LogLevel    string `yaml:"logLevel"`
}

// ConfigFileName is looked up under <baseDir>/Config unless an explicit path
// is given to Load.
const ConfigFileName = "server.yaml"

// Load builds the configuration: defaults, then the YAML file (if present),
// then environment variables. filePath may be empty, in which case the file
// is looked up in the default storage location.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		BaseDir:     defaultBaseDir(),
		Host:        "127.0.0.1",
		Port:        3333,
		BundledDir:  "Models",
		EngineURL:   "http://127.0.0.1:8080/v1",
		EngineKind:  "llama-server",
		MaxSessions: 32,
		LogLevel:    "info",
	}

	if filePath == "" {
		filePath = filepath.Join(envStr("PRIVATE_AI_BASE_DIR", cfg.BaseDir), "Config", ConfigFileName)
	}
	if err := cfg.mergeFile(filePath); err != nil {
		return nil, err
	}
	cfg.mergeEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() {
	c.BaseDir = envStr("PRIVATE_AI_BASE_DIR", c.BaseDir)
	c.Host = envStr("HOST", c.Host)
	c.Port = envInt("PORT", c.Port)
	c.ModelPath = envStr("PRIVATE_AI_MODEL_PATH", c.ModelPath)
	c.EngineURL = envStr("PRIVATE_AI_ENGINE_URL", c.EngineURL)
	c.EngineKind = envStr("PRIVATE_AI_ENGINE", c.EngineKind)
	c.MaxSessions = envInt("PRIVATE_AI_MAX_SESSIONS", c.MaxSessions)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base storage directory must not be empty")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("maxSessions must be positive, got %d", c.MaxSessions)
	}
	return nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "PrivateAI"
	}
	return filepath.Join(home, "PrivateAI")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
