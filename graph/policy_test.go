package graph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := &RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		BackoffFactor:   2,
		MaxInterval:     time.Second,
		MaxAttempts:     10,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // capped
		{9, time.Second},
	}
	for _, tc := range cases {
		if got := p.delay(tc.attempt, nil); got != tc.want {
			t.Errorf("delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryPolicy_DelayJitter(t *testing.T) {
	p := &RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		BackoffFactor:   2,
		MaxAttempts:     3,
		Jitter:          true,
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := p.delay(0, rng)
		if d < 50*time.Millisecond || d > 100*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 100ms]", d)
		}
	}
}

func TestRetryPolicy_FactorBelowOne(t *testing.T) {
	p := &RetryPolicy{InitialInterval: 10 * time.Millisecond, BackoffFactor: 0.5, MaxAttempts: 5}
	if got := p.delay(3, nil); got != 10*time.Millisecond {
		t.Errorf("factor below 1 should mean constant delay, got %v", got)
	}
}

type httpError struct {
	code int
}

func (e *httpError) Error() string   { return fmt.Sprintf("http %d", e.code) }
func (e *httpError) StatusCode() int { return e.code }

func TestDefaultRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), true},
		{"config error", &ConfigError{Op: "route", Detail: "bad"}, false},
		{"conflict error", &ConflictError{Channel: "v"}, false},
		{"context canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("call: %w", context.Canceled), false},
		{"http 500", &httpError{code: 500}, true},
		{"http 503", &httpError{code: 503}, true},
		{"http 429", &httpError{code: 429}, false},
		{"http 404", &httpError{code: 404}, false},
		{"wrapped http 502", fmt.Errorf("upstream: %w", &httpError{code: 502}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DefaultRetryable(tc.err); got != tc.want {
				t.Errorf("DefaultRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRunRetries_NonRetryableShortCircuits(t *testing.T) {
	calls := 0
	spec := &nodeSpec{
		id: "n",
		node: NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
			calls++
			return NodeResult{}, &httpError{code: 400}
		}),
		retry: &RetryPolicy{InitialInterval: time.Millisecond, BackoffFactor: 2, MaxAttempts: 5},
	}

	_, err := runRetries(context.Background(), spec, Values{}, rand.New(rand.NewSource(1)), nil)
	var he *httpError
	if !errors.As(err, &he) {
		t.Fatalf("expected the raw error, got %v", err)
	}
	if errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Error("non-retryable error should not report exhaustion")
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
}

func TestRunRetries_AttemptsSeeOriginalSnapshot(t *testing.T) {
	// A failing attempt that mutated its state copy must not leak the
	// mutation into the next attempt.
	calls := 0
	spec := &nodeSpec{
		id: "n",
		node: NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
			calls++
			if _, ok := state["scratch"]; ok {
				return NodeResult{}, fmt.Errorf("saw earlier attempt's mutation")
			}
			state["scratch"] = true
			if calls < 2 {
				return NodeResult{}, fmt.Errorf("transient")
			}
			return NodeResult{Delta: Values{"ok": true}}, nil
		}),
		retry: &RetryPolicy{InitialInterval: time.Millisecond, BackoffFactor: 2, MaxAttempts: 3},
	}

	res, err := runRetries(context.Background(), spec, Values{}, rand.New(rand.NewSource(1)), nil)
	if err != nil {
		t.Fatalf("runRetries: %v", err)
	}
	if res.Delta["ok"] != true {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRunRetries_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	spec := &nodeSpec{
		id: "n",
		node: NodeFunc(func(ctx context.Context, state Values) (NodeResult, error) {
			cancel()
			return NodeResult{}, fmt.Errorf("transient")
		}),
		retry: &RetryPolicy{InitialInterval: time.Hour, BackoffFactor: 2, MaxAttempts: 3},
	}

	start := time.Now()
	_, err := runRetries(ctx, spec, Values{}, rand.New(rand.NewSource(1)), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation should cut the backoff wait short")
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	cases := []struct {
		name   string
		policy RetryPolicy
		ok     bool
	}{
		{"default", *DefaultRetryPolicy(), true},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, false},
		{"negative interval", RetryPolicy{MaxAttempts: 1, InitialInterval: -1}, false},
		{"initial above max", RetryPolicy{MaxAttempts: 1, InitialInterval: time.Minute, MaxInterval: time.Second}, false},
		{"uncapped", RetryPolicy{MaxAttempts: 2, InitialInterval: time.Second}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
