// Package keypool routes completion requests through a pool of provider
// credentials with per-credential rate limiting, cooldown after transient
// failures, fallback across keys and providers, and whole-sweep retries.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fedutinova/smartlabel/internal/common"
	"github.com/fedutinova/smartlabel/internal/config"
	"github.com/fedutinova/smartlabel/internal/logger"
)

// charsPerToken is the rough estimate used to apply the token ceiling
// before sending.
const charsPerToken = 4

type Options struct {
	RequestsPerMinute   int
	MaxTokensPerRequest int
	FallbackEnabled     bool
	MaxAttempts         int
	SweepBackoff        time.Duration
	Cooldown            time.Duration
	RequestTimeout      time.Duration
}

// OptionsFromConfig copies the key-pool section of the process config.
func OptionsFromConfig(cfg config.KeyPoolConfig) Options {
	return Options{
		RequestsPerMinute:   cfg.RequestsPerMinute,
		MaxTokensPerRequest: cfg.MaxTokensPerRequest,
		FallbackEnabled:     cfg.FallbackEnabled,
		MaxAttempts:         cfg.MaxAttempts,
		SweepBackoff:        cfg.SweepBackoff,
		Cooldown:            cfg.Cooldown,
		RequestTimeout:      cfg.RequestTimeout,
	}
}

// Prompt is a completion request against a nominal provider.
type Prompt struct {
	Provider Provider
	Model    string // empty uses the entry default model
	System   string
	Text     string
}

// Completion is the first successful result of a sweep.
type Completion struct {
	Text       string
	Provider   Provider
	Model      string
	EntryID    string
	TokensUsed int
	Attempts   int
}

type Client struct {
	opts      Options
	completer Completer
	limiter   Limiter
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	byProvider map[Provider][]*Entry
}

// NewClient loads the credential set once. Credentials keep their
// configured order inside each provider.
func NewClient(providers []config.ProviderConfig, opts Options, completer Completer, limiter Limiter) (*Client, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if limiter == nil {
		limiter = NewWindowLimiter()
	}

	c := &Client{
		opts:       opts,
		completer:  completer,
		limiter:    limiter,
		now:        time.Now,
		sleep:      sleepCtx,
		byProvider: make(map[Provider][]*Entry),
	}

	for _, pc := range providers {
		p, err := ParseProvider(pc.Name)
		if err != nil {
			return nil, err
		}
		for _, key := range pc.Keys {
			c.byProvider[p] = append(c.byProvider[p], &Entry{
				ID:           fmt.Sprintf("%s#%d", p, len(c.byProvider[p])),
				Provider:     p,
				Credential:   key,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
		}
	}

	total := 0
	for _, p := range Priority {
		total += len(c.byProvider[p])
		slog.Info("key pool provider loaded", "provider", p, "credentials", len(c.byProvider[p]))
	}
	if total == 0 {
		slog.Warn("key pool has no credentials, every completion will fail")
	}
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// candidates returns the requested provider's entries followed, when
// fallback is enabled, by the remaining providers in priority order.
func (c *Client) candidates(requested Provider) []*Entry {
	out := append([]*Entry(nil), c.byProvider[requested]...)
	if !c.opts.FallbackEnabled {
		return out
	}
	for _, p := range Priority {
		if p != requested {
			out = append(out, c.byProvider[p]...)
		}
	}
	return out
}

func (c *Client) coolingDown(e *Entry, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.disabledUntil.IsZero() {
		return false
	}
	if now.Before(e.disabledUntil) {
		return true
	}
	e.disabledUntil = time.Time{}
	return false
}

func (c *Client) coolDown(e *Entry) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.disabledUntil = c.now().Add(c.opts.Cooldown)
	return e.disabledUntil
}

func (c *Client) truncate(text string) string {
	if c.opts.MaxTokensPerRequest <= 0 {
		return text
	}
	limit := c.opts.MaxTokensPerRequest * charsPerToken
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	slog.Debug("prompt truncated to token ceiling", "original_chars", len(text), "kept_chars", cut)
	return text[:cut]
}

// CompleteText is the plain form of Complete: prompt in, text out.
func (c *Client) CompleteText(ctx context.Context, text string, provider Provider) (string, error) {
	res, err := c.Complete(ctx, Prompt{Provider: provider, Text: text})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Complete sweeps the candidate entries until one succeeds. Full sweeps are
// retried up to MaxAttempts with a linear backoff. When everything fails
// the error wraps common.ErrAllProvidersExhausted.
func (c *Client) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	candidates := c.candidates(p.Provider)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %w for %s", common.ErrAllProvidersExhausted, common.ErrNoCredentials, p.Provider)
	}
	text := c.truncate(p.Text)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, time.Duration(attempt-1)*c.opts.SweepBackoff); err != nil {
				return nil, err
			}
			slog.Info("retrying provider sweep", "attempt", attempt, "max_attempts", c.opts.MaxAttempts, "error", lastErr)
		}

		res, err := c.sweep(ctx, candidates, p, text)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", common.ErrAllProvidersExhausted, c.opts.MaxAttempts, lastErr)
}

// sweep is one pass over the candidates in priority order.
func (c *Client) sweep(ctx context.Context, candidates []*Entry, p Prompt, text string) (*Completion, error) {
	var lastErr error
	for _, e := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log := slog.With("provider", e.Provider, "entry", e.ID, "key", logger.MaskSecret(e.Credential))

		if c.coolingDown(e, c.now()) {
			log.Debug("skipping cooled down credential")
			lastErr = &CallError{Provider: e.Provider, EntryID: e.ID, Transient: true, Err: errors.New("cooling down")}
			continue
		}

		if c.opts.RequestsPerMinute > 0 {
			used, err := c.limiter.Count(ctx, e.ID)
			if err != nil {
				log.Warn("rate limiter unavailable, allowing request", "error", err)
			} else if used >= c.opts.RequestsPerMinute {
				log.Debug("skipping credential at rate limit", "used", used, "limit", c.opts.RequestsPerMinute)
				lastErr = &CallError{Provider: e.Provider, EntryID: e.ID, Transient: true, Err: common.ErrRateLimited}
				continue
			}
		}

		model := e.DefaultModel
		if e.Provider == p.Provider && p.Model != "" {
			model = p.Model
		}
		if model == "" {
			log.Warn("no model configured for credential")
			lastErr = &CallError{Provider: e.Provider, EntryID: e.ID, Err: errors.New("no model configured")}
			continue
		}

		resp, err := c.call(ctx, e, Request{
			Provider:   e.Provider,
			Credential: e.Credential,
			BaseURL:    e.BaseURL,
			Model:      model,
			System:     p.System,
			Prompt:     text,
			MaxTokens:  c.opts.MaxTokensPerRequest,
		})
		if err == nil {
			if err := c.limiter.Record(ctx, e.ID); err != nil {
				log.Warn("failed to record request", "error", err)
			}
			used := model
			if resp.Model != "" {
				used = resp.Model
			}
			return &Completion{
				Text:       resp.Text,
				Provider:   e.Provider,
				Model:      used,
				EntryID:    e.ID,
				TokensUsed: resp.TokensUsed,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		ce := &CallError{Provider: e.Provider, EntryID: e.ID, Transient: IsTransient(err), Err: err}
		lastErr = ce
		if ce.Transient {
			until := c.coolDown(e)
			log.Warn("provider call failed, cooling down credential", "error", err, "disabled_until", until)
		} else {
			log.Warn("provider call rejected", "error", err)
		}
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, e *Entry, req Request) (*Response, error) {
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	return c.completer.Complete(ctx, req)
}

// Stats snapshots every entry in priority order.
func (c *Client) Stats(ctx context.Context) []EntryStats {
	var out []EntryStats
	for _, p := range Priority {
		for _, e := range c.byProvider[p] {
			used, _ := c.limiter.Count(ctx, e.ID)
			c.mu.Lock()
			until := e.disabledUntil
			c.mu.Unlock()
			out = append(out, EntryStats{
				ID:             e.ID,
				Provider:       e.Provider,
				UsedThisMinute: used,
				DisabledUntil:  until,
			})
		}
	}
	return out
}

// Available reports whether at least one credential is neither cooling
// down nor at its rate ceiling.
func (c *Client) Available(ctx context.Context) bool {
	now := c.now()
	for _, s := range c.Stats(ctx) {
		if !s.DisabledUntil.IsZero() && now.Before(s.DisabledUntil) {
			continue
		}
		if c.opts.RequestsPerMinute > 0 && s.UsedThisMinute >= c.opts.RequestsPerMinute {
			continue
		}
		return true
	}
	return false
}
