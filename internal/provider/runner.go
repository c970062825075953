package provider

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// attemptsPerCandidate is how many times one candidate is tried before the
// runner advances to the next.
const attemptsPerCandidate = 2

// baseBackoff is the nominal wait between attempts on the same candidate;
// the actual wait is jittered around it.
const baseBackoff = 250 * time.Millisecond

// Operation is one model-calling step executed against a resolved candidate.
type Operation func(ctx context.Context, c Candidate) (string, error)

// Runner executes an operation against an ordered candidate list, returning
// the first success. It is a pure control-flow wrapper: intake analysis,
// query planning, synthesis, classification, and summarization all run
// through the same Runner.
type Runner struct {
	candidates []Candidate

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// NewRunner builds a Runner over candidates in priority order.
func NewRunner(candidates []Candidate) *Runner {
	return &Runner{
		candidates: candidates,
		sleep:      time.Sleep,
	}
}

// Candidates returns the runner's candidate list in order.
func (r *Runner) Candidates() []Candidate {
	return r.candidates
}

// Run tries op against each candidate in order, up to 2 attempts per
// candidate with a short jittered backoff between attempts. It returns the
// first successful result with the provider identity that produced it. When
// every candidate is exhausted, the error aggregates all labeled failures.
func (r *Runner) Run(ctx context.Context, op Operation) (string, string, error) {
	if len(r.candidates) == 0 {
		return "", "", ErrNoProviders
	}

	var failures []string
	for _, c := range r.candidates {
		for attempt := 1; attempt <= attemptsPerCandidate; attempt++ {
			if err := ctx.Err(); err != nil {
				return "", "", err
			}

			result, err := op(ctx, c)
			if err == nil {
				return result, c.Provider, nil
			}
			failures = append(failures, fmt.Sprintf("%s#%d: %v", c.Provider, attempt, err))

			if attempt < attemptsPerCandidate {
				r.sleep(jitteredBackoff())
			}
		}
	}

	return "", "", fmt.Errorf("all providers failed: %s", strings.Join(failures, "; "))
}

// Complete runs a completion request through the fallback chain using each
// candidate's resolved client and model.
func (r *Runner) Complete(ctx context.Context, req Request) (string, string, error) {
	return r.Run(ctx, func(ctx context.Context, c Candidate) (string, error) {
		return c.Client.Complete(ctx, c.Model, req)
	})
}

// jitteredBackoff spreads retries across roughly half to one-and-a-half
// times the base backoff.
func jitteredBackoff() time.Duration {
	return baseBackoff/2 + time.Duration(rand.Int64N(int64(baseBackoff)))
}
