package provider

import "log/slog"

// Credential is a configured provider entry before resolution.
type Credential struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string // optional override, used by tests and proxies
}

// Resolve turns configured credentials into an ordered candidate list: the
// active provider first, then the rest in configured order, filtered to
// entries that actually have an API key. Each candidate's client is decided
// here, once.
func Resolve(active string, creds []Credential) []Candidate {
	ordered := make([]Credential, 0, len(creds))
	for _, c := range creds {
		if c.Provider == active {
			ordered = append(ordered, c)
			break
		}
	}
	for _, c := range creds {
		if c.Provider != active {
			ordered = append(ordered, c)
		}
	}

	var candidates []Candidate
	for _, c := range ordered {
		if c.APIKey == "" {
			continue
		}
		client := newClient(c)
		if client == nil {
			slog.Warn("skipping unknown provider", "provider", c.Provider)
			continue
		}
		candidates = append(candidates, Candidate{
			Provider: c.Provider,
			Model:    c.Model,
			Client:   client,
		})
	}
	return candidates
}

func newClient(c Credential) Client {
	switch c.Provider {
	case OpenAI:
		return NewOpenAIClient(c.APIKey, c.BaseURL)
	case Anthropic:
		return NewAnthropicClient(c.APIKey, c.BaseURL)
	case OpenRouter:
		baseURL := c.BaseURL
		if baseURL == "" {
			baseURL = defaultOpenRouterBaseURL
		}
		return NewOpenAIClient(c.APIKey, baseURL)
	default:
		return nil
	}
}
