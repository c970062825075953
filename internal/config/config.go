// Package config loads counsel's configuration: defaults, then the JSON
// file backend, then COUNSEL_* environment overrides.
package config

import (
	"strings"
)

type Config struct {
	Server    ServerConfig
	Providers ProvidersConfig
	Search    SearchConfig
	Storage   StorageConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string
}

// ProviderConfig is one model provider's settings. API keys come from the
// environment only.
type ProviderConfig struct {
	Model   string
	APIKey  string
	BaseURL string
}

type ProvidersConfig struct {
	Active     string
	Order      []string
	OpenAI     ProviderConfig
	Anthropic  ProviderConfig
	OpenRouter ProviderConfig
}

type SearchProviderConfig struct {
	APIKey  string
	BaseURL string
}

type SearchConfig struct {
	Order  []string
	Brave  SearchProviderConfig
	Serper SearchProviderConfig
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4100,
			MCPPort: 4101,
		},
		Providers: ProvidersConfig{
			Active: "openai",
			Order:  []string{"openai", "anthropic", "openrouter"},
			OpenAI: ProviderConfig{
				Model: "gpt-4o",
			},
			Anthropic: ProviderConfig{
				Model: "claude-sonnet-4-20250514",
			},
			OpenRouter: ProviderConfig{
				Model: "anthropic/claude-opus-4",
			},
		},
		Search: SearchConfig{
			Order: []string{"brave", "serper"},
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/counsel/config.json, then applies COUNSEL_* environment
// overrides. Missing credentials are not an error here; serving fails fast
// later if no model provider resolves.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Provider returns the named provider's configuration.
func (p ProvidersConfig) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case "openai":
		return p.OpenAI, true
	case "anthropic":
		return p.Anthropic, true
	case "openrouter":
		return p.OpenRouter, true
	default:
		return ProviderConfig{}, false
	}
}

// HasModelCredential reports whether at least one configured provider has
// an API key.
func (c Config) HasModelCredential() bool {
	for _, name := range c.Providers.Order {
		if p, ok := c.Providers.Provider(name); ok && p.APIKey != "" {
			return true
		}
	}
	return false
}

// splitList parses a comma-separated config value into trimmed entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
