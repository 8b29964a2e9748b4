package keypool

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fedutinova/smartlabel/internal/common"
	"github.com/fedutinova/smartlabel/internal/config"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompleter answers per credential from a script.
type fakeCompleter struct {
	mu      sync.Mutex
	results map[string][]error // credential -> successive errors, nil = success
	calls   []Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	script := f.results[req.Credential]
	var err error
	if len(script) > 0 {
		err = script[0]
		f.results[req.Credential] = script[1:]
	}
	if err != nil {
		return nil, err
	}
	return &Response{Text: "ok from " + req.Credential, Model: req.Model}, nil
}

func (f *fakeCompleter) credentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Credential)
	}
	return out
}

var (
	errRateLimit = &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}
	errBadInput  = &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "bad request"}
)

func newTestClient(t *testing.T, providers []config.ProviderConfig, opts Options, f *fakeCompleter) *Client {
	t.Helper()
	c, err := NewClient(providers, opts, f, NewWindowLimiter())
	require.NoError(t, err)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func defaultOpts() Options {
	return Options{
		RequestsPerMinute:   10,
		MaxTokensPerRequest: 256,
		FallbackEnabled:     true,
		MaxAttempts:         1,
		Cooldown:            time.Minute,
		RequestTimeout:      time.Second,
	}
}

func providerA(keys ...string) config.ProviderConfig {
	return config.ProviderConfig{Name: "provider_a", DefaultModel: "a-model", Keys: keys}
}

func TestComplete_FirstSuccessWins(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{}}
	c := newTestClient(t, []config.ProviderConfig{providerA("k1", "k2")}, defaultOpts(), f)

	res, err := c.Complete(context.Background(), Prompt{Provider: ProviderA, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok from k1", res.Text)
	assert.Equal(t, []string{"k1"}, f.credentials())
	assert.Equal(t, "a-model", res.Model)
}

func TestComplete_TransientFailuresCoolDownAndFallThrough(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{
		"k1": {errRateLimit},
		"k2": {context.DeadlineExceeded},
		"k3": {&openai.APIError{HTTPStatusCode: http.StatusBadGateway}},
	}}
	c := newTestClient(t, []config.ProviderConfig{providerA("k1", "k2", "k3", "k4")}, defaultOpts(), f)

	res, err := c.Complete(context.Background(), Prompt{Provider: ProviderA, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok from k4", res.Text)
	assert.Equal(t, "provider_a#3", res.EntryID)

	stats := c.Stats(context.Background())
	require.Len(t, stats, 4)
	for _, s := range stats[:3] {
		assert.False(t, s.DisabledUntil.IsZero(), "%s should be cooled down", s.ID)
	}
	assert.True(t, stats[3].DisabledUntil.IsZero())
	assert.Equal(t, 1, stats[3].UsedThisMinute)
}

func TestComplete_NonTransientDoesNotCoolDown(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{"k1": {errBadInput}}}
	c := newTestClient(t, []config.ProviderConfig{providerA("k1", "k2")}, defaultOpts(), f)

	res, err := c.Complete(context.Background(), Prompt{Provider: ProviderA, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok from k2", res.Text)
	assert.True(t, c.Stats(context.Background())[0].DisabledUntil.IsZero())
}

func TestComplete_SkipsCredentialAtCeiling(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{}}
	opts := defaultOpts()
	opts.RequestsPerMinute = 2
	c := newTestClient(t, []config.ProviderConfig{providerA("k1", "k2")}, opts, f)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Complete(ctx, Prompt{Provider: ProviderA, Text: "hi"})
		require.NoError(t, err)
	}
	res, err := c.Complete(ctx, Prompt{Provider: ProviderA, Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "ok from k2", res.Text)
	assert.Equal(t, []string{"k1", "k1", "k2"}, f.credentials(), "k1 skipped without a call once at ceiling")
}

func TestComplete_CooldownExpires(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{"k1": {errRateLimit}}}
	c := newTestClient(t, []config.ProviderConfig{providerA("k1", "k2")}, defaultOpts(), f)
	now := time.Now()
	c.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := c.Complete(ctx, Prompt{Provider: ProviderA, Text: "hi"})
	require.NoError(t, err)

	res, err := c.Complete(ctx, Prompt{Provider: ProviderA, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok from k2", res.Text, "k1 still cooling down")

	now = now.Add(2 * time.Minute)
	res, err = c.Complete(ctx, Prompt{Provider: ProviderA, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok from k1", res.Text)
}

func TestComplete_FallbackAcrossProviders(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{"b1": {errRateLimit}}}
	providers := []config.ProviderConfig{
		providerA("a1"),
		{Name: "provider_b", DefaultModel: "b-model", Keys: []string{"b1"}},
		{Name: "provider_c", DefaultModel: "c-model", Keys: []string{"c1"}},
	}
	c := newTestClient(t, providers, defaultOpts(), f)
	f.results["a1"] = []error{errRateLimit}

	res, err := c.Complete(context.Background(), Prompt{Provider: ProviderB, Model: "b-large", Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, ProviderC, res.Provider)
	assert.Equal(t, "c-model", res.Model, "requested model only applies to the requested provider")
	assert.Equal(t, []string{"b1", "a1", "c1"}, f.credentials())
	assert.Equal(t, "b-large", f.calls[0].Model)
}

func TestComplete_FallbackDisabled(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{"b1": {errRateLimit}}}
	providers := []config.ProviderConfig{
		providerA("a1"),
		{Name: "provider_b", DefaultModel: "b-model", Keys: []string{"b1"}},
	}
	opts := defaultOpts()
	opts.FallbackEnabled = false
	c := newTestClient(t, providers, opts, f)

	_, err := c.Complete(context.Background(), Prompt{Provider: ProviderB, Text: "hi"})
	require.Error(t, err)
	assert.True(t, common.IsExhausted(err))
	assert.Equal(t, []string{"b1"}, f.credentials())
}

func TestComplete_RetriesSweeps(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{"k1": {errBadInput, errBadInput}}}
	opts := defaultOpts()
	opts.MaxAttempts = 3
	c := newTestClient(t, []config.ProviderConfig{providerA("k1")}, opts, f)

	var slept []time.Duration
	opts.SweepBackoff = 10 * time.Millisecond
	c.opts.SweepBackoff = opts.SweepBackoff
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res, err := c.Complete(context.Background(), Prompt{Provider: ProviderA, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
}

func TestComplete_AllExhausted(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{
		"k1": {errBadInput, errBadInput},
		"k2": {errBadInput, errBadInput},
	}}
	opts := defaultOpts()
	opts.MaxAttempts = 2
	c := newTestClient(t, []config.ProviderConfig{providerA("k1", "k2")}, opts, f)

	_, err := c.Complete(context.Background(), Prompt{Provider: ProviderA, Text: "hi"})
	require.Error(t, err)
	assert.True(t, common.IsExhausted(err))

	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "provider_a#1", ce.EntryID)
	assert.Len(t, f.calls, 4)
}

func TestComplete_NoCredentials(t *testing.T) {
	c := newTestClient(t, nil, defaultOpts(), &fakeCompleter{})
	_, err := c.Complete(context.Background(), Prompt{Provider: ProviderA, Text: "hi"})
	assert.ErrorIs(t, err, common.ErrAllProvidersExhausted)
	assert.ErrorIs(t, err, common.ErrNoCredentials)
}

func TestComplete_ContextCancelled(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{}}
	c := newTestClient(t, []config.ProviderConfig{providerA("k1")}, defaultOpts(), f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Complete(ctx, Prompt{Provider: ProviderA, Text: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.calls)
}

func TestComplete_TruncatesToTokenCeiling(t *testing.T) {
	f := &fakeCompleter{results: map[string][]error{}}
	opts := defaultOpts()
	opts.MaxTokensPerRequest = 2
	c := newTestClient(t, []config.ProviderConfig{providerA("k1")}, opts, f)

	_, err := c.Complete(context.Background(), Prompt{Provider: ProviderA, Text: strings.Repeat("é", 10)})
	require.NoError(t, err)
	sent := f.calls[0].Prompt
	assert.LessOrEqual(t, len(sent), 8)
	assert.True(t, strings.HasPrefix(strings.Repeat("é", 10), sent))
	assert.Equal(t, 2, f.calls[0].MaxTokens)
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient([]config.ProviderConfig{{Name: "other", Keys: []string{"x"}}}, defaultOpts(), &fakeCompleter{}, nil)
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", errRateLimit, true},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, true},
		{"bad request", errBadInput, false},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, false},
		{"request error", &openai.RequestError{HTTPStatusCode: 500}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"empty", ErrEmptyResponse, true},
		{"call error", &CallError{Transient: true, Err: errors.New("x")}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestWindowLimiter_Rolls(t *testing.T) {
	l := NewWindowLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "k"))
	now = now.Add(30 * time.Second)
	require.NoError(t, l.Record(ctx, "k"))

	n, _ := l.Count(ctx, "k")
	assert.Equal(t, 2, n)

	now = now.Add(31 * time.Second)
	n, _ = l.Count(ctx, "k")
	assert.Equal(t, 1, n)
}
