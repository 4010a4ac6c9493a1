// Package config handles GlitchCube configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/glitchcube/config.yaml, /etc/glitchcube/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "glitchcube", "config.yaml"))
	}

	paths = append(paths, "/etc/glitchcube/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all GlitchCube configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	LLM           LLMConfig           `yaml:"llm"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Personas      PersonasConfig      `yaml:"personas"`
	Worker        WorkerConfig        `yaml:"worker"`
	DataDir       string              `yaml:"data_dir"`
	Timezone      string              `yaml:"timezone"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// WatchDomains limits the prompt state snapshot to these entity
	// domains. Empty disables the snapshot block entirely.
	WatchDomains []string `yaml:"watch_domains"`
}

// LLMConfig defines the narrative model provider settings.
type LLMConfig struct {
	// BaseURL is an OpenAI-compatible chat completions endpoint
	// (e.g., https://openrouter.ai/api/v1).
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// DefaultModel handles the structured conversation pass.
	DefaultModel string `yaml:"default_model"`
	// AmendModel handles the speech amendment pass. Falls back to
	// DefaultModel when empty.
	AmendModel string `yaml:"amend_model"`
	// TimeoutSec is the per-call timeout budget in seconds (default 60).
	TimeoutSec int `yaml:"timeout_sec"`
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// PersonasConfig defines where persona files live and which one is active.
type PersonasConfig struct {
	Dir string `yaml:"dir"`
	// Current selects the active persona by id. Empty means no persona
	// is configured, which fails the first turn of every new session.
	Current string `yaml:"current"`
}

// WorkerConfig defines the async intent executor settings.
type WorkerConfig struct {
	// QueueSize bounds the delegated intent queue (default 64).
	QueueSize int `yaml:"queue_size"`
	// IntentTimeoutSec is the per-intent execution budget (default 30).
	IntentTimeoutSec int `yaml:"intent_timeout_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 4567},
		LLM: LLMConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "anthropic/claude-3.5-haiku",
			TimeoutSec:   60,
		},
		Worker: WorkerConfig{
			QueueSize:        64,
			IntentTimeoutSec: 30,
		},
		Personas: PersonasConfig{Dir: "personas"},
		DataDir:  "data",
	}
}
