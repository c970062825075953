package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kList
)

// keySpec drives backend reads, env overrides, and `config show`.
// Secret keys (API keys) never touch the file backend; they are
// environment-only.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "COUNSEL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "COUNSEL_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "COUNSEL_API_TOKEN",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "providers.active", typ: kString, env: "COUNSEL_PROVIDERS_ACTIVE",
		apply:   func(cfg *Config, v any) { cfg.Providers.Active = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Active },
	},
	{
		key: "providers.order", typ: kList, env: "COUNSEL_PROVIDERS_ORDER",
		apply:   func(cfg *Config, v any) { cfg.Providers.Order = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Providers.Order, ",") },
	},
	{
		key: "providers.openai.model", typ: kString, env: "COUNSEL_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAI.Model },
	},
	{
		key: "providers.openai.api_key", typ: kString, env: "COUNSEL_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAI.APIKey },
	},
	{
		key: "providers.openai.base_url", typ: kString, env: "COUNSEL_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAI.BaseURL },
	},
	{
		key: "providers.anthropic.model", typ: kString, env: "COUNSEL_ANTHROPIC_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Providers.Anthropic.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Anthropic.Model },
	},
	{
		key: "providers.anthropic.api_key", typ: kString, env: "COUNSEL_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Anthropic.APIKey },
	},
	{
		key: "providers.openrouter.model", typ: kString, env: "COUNSEL_OPENROUTER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenRouter.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenRouter.Model },
	},
	{
		key: "providers.openrouter.api_key", typ: kString, env: "COUNSEL_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenRouter.APIKey },
	},
	{
		key: "search.order", typ: kList, env: "COUNSEL_SEARCH_ORDER",
		apply:   func(cfg *Config, v any) { cfg.Search.Order = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Search.Order, ",") },
	},
	{
		key: "search.brave.api_key", typ: kString, env: "COUNSEL_BRAVE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Search.Brave.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Brave.APIKey },
	},
	{
		key: "search.serper.api_key", typ: kString, env: "COUNSEL_SERPER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Search.Serper.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Serper.APIKey },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COUNSEL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "COUNSEL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString, kList:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok {
				continue
			}
			if s.typ == kList {
				s.apply(cfg, splitList(v))
			} else {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kList:
			s.apply(cfg, splitList(raw))
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
