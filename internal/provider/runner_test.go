package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type stubClient struct {
	fn func(ctx context.Context, model string, req Request) (string, error)
}

func (s *stubClient) Complete(ctx context.Context, model string, req Request) (string, error) {
	return s.fn(ctx, model, req)
}

func newTestRunner(candidates []Candidate) *Runner {
	r := NewRunner(candidates)
	r.sleep = func(time.Duration) {} // no real backoff in tests
	return r
}

func failing(provider string) Candidate {
	return Candidate{
		Provider: provider,
		Model:    "m",
		Client: &stubClient{fn: func(context.Context, string, Request) (string, error) {
			return "", errors.New("boom")
		}},
	}
}

func TestRunnerNoCandidatesFailsImmediately(t *testing.T) {
	r := newTestRunner(nil)
	_, _, err := r.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrNoProviders) {
		t.Errorf("err = %v, want ErrNoProviders", err)
	}
}

// N permanently failing candidates must produce exactly N*2 attempts and an
// aggregate error with N*2 labeled entries.
func TestRunnerExhaustsAllCandidates(t *testing.T) {
	attempts := 0
	mk := func(name string) Candidate {
		return Candidate{
			Provider: name,
			Model:    "m",
			Client: &stubClient{fn: func(context.Context, string, Request) (string, error) {
				attempts++
				return "", fmt.Errorf("outage %d", attempts)
			}},
		}
	}

	r := newTestRunner([]Candidate{mk("openai"), mk("anthropic"), mk("openrouter")})
	_, _, err := r.Complete(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if attempts != 6 {
		t.Errorf("attempts = %d, want 6", attempts)
	}
	for _, label := range []string{"openai#1", "openai#2", "anthropic#1", "anthropic#2", "openrouter#1", "openrouter#2"} {
		if !strings.Contains(err.Error(), label) {
			t.Errorf("aggregate error missing %q: %v", label, err)
		}
	}
}

func TestRunnerReturnsFirstSuccess(t *testing.T) {
	secondCalls := 0
	r := newTestRunner([]Candidate{
		failing("openai"),
		{
			Provider: "anthropic",
			Model:    "m",
			Client: &stubClient{fn: func(context.Context, string, Request) (string, error) {
				secondCalls++
				return "answer", nil
			}},
		},
		failing("openrouter"),
	})

	result, prov, err := r.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result != "answer" || prov != "anthropic" {
		t.Errorf("result=%q provider=%q", result, prov)
	}
	if secondCalls != 1 {
		t.Errorf("winning candidate called %d times, want 1", secondCalls)
	}
}

func TestRunnerRetriesSameCandidateOnce(t *testing.T) {
	calls := 0
	r := newTestRunner([]Candidate{{
		Provider: "openai",
		Model:    "m",
		Client: &stubClient{fn: func(context.Context, string, Request) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("transient")
			}
			return "recovered", nil
		}},
	}})

	result, prov, err := r.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result != "recovered" || prov != "openai" || calls != 2 {
		t.Errorf("result=%q provider=%q calls=%d", result, prov, calls)
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRunner([]Candidate{failing("openai")})
	_, _, err := r.Complete(ctx, Request{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestResolveActiveFirstCredentialedOnly(t *testing.T) {
	creds := []Credential{
		{Provider: OpenAI, Model: "gpt", APIKey: "k1"},
		{Provider: Anthropic, Model: "claude", APIKey: ""},
		{Provider: OpenRouter, Model: "router", APIKey: "k3"},
	}

	candidates := Resolve(OpenRouter, creds)
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2 (uncredentialed filtered)", len(candidates))
	}
	if candidates[0].Provider != OpenRouter {
		t.Errorf("active provider should come first, got %q", candidates[0].Provider)
	}
	if candidates[1].Provider != OpenAI {
		t.Errorf("remaining providers should keep configured order, got %q", candidates[1].Provider)
	}
}

func TestResolveUnknownProviderSkipped(t *testing.T) {
	candidates := Resolve("", []Credential{{Provider: "mystery", Model: "m", APIKey: "k"}})
	if len(candidates) != 0 {
		t.Errorf("unknown provider should be skipped, got %d candidates", len(candidates))
	}
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"Sure! Here you go:\n```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prefix {\"a\":1} suffix", `{"a":1}`},
	}
	for _, tc := range cases {
		got, err := ExtractJSONObject(tc.in)
		if err != nil {
			t.Errorf("ExtractJSONObject(%q): %v", tc.in, err)
			continue
		}
		if strings.TrimSpace(string(got)) != tc.want {
			t.Errorf("ExtractJSONObject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := ExtractJSONObject("no json here"); err == nil {
		t.Error("expected error when no object present")
	}
}
