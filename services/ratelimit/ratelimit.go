// Package ratelimit admits callers against a shared sliding-log window and
// degrades to a stricter per-process window when the store is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/pkg/metrics"
	"attribution-pipeline/pkg/rediskey"
	"attribution-pipeline/pkg/store"
	"attribution-pipeline/services/breaker"
)

const (
	SourceStore     = "store"
	SourceFallback  = "fallback"
	SourceWhitelist = "whitelist"
)

type Request struct {
	Key         string
	IP          string
	UserID      string
	BypassToken string
}

// callerKey prefers the explicit key, then the user, then the address.
func (r Request) callerKey() string {
	switch {
	case r.Key != "":
		return r.Key
	case r.UserID != "":
		return "user:" + r.UserID
	default:
		return "ip:" + r.IP
	}
}

type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Source     string
}

// Err converts a denied decision into a capacity error carrying retry-after.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errutil.Capacity(fmt.Sprintf("rate limit of %d exceeded", d.Limit), d.RetryAfter)
}

type Config struct {
	Window       time.Duration
	Max          int
	FallbackMax  int
	WhitelistIPs []string
	WhitelistIDs []string
	BypassTokens map[string]int
}

type Limiter struct {
	cfg          Config
	store        store.Store
	breaker      *breaker.Breaker
	local        *store.Memory
	whitelistIPs map[string]struct{}
	whitelistIDs map[string]struct{}
	now          func() time.Time
	recorder     *metrics.Recorder
	logger       *zap.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithRecorder(r *metrics.Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(cfg Config, s store.Store, b *breaker.Breaker, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:          cfg,
		store:        s,
		breaker:      b,
		whitelistIPs: toSet(cfg.WhitelistIPs),
		whitelistIDs: toSet(cfg.WhitelistIDs),
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.local = store.NewMemory(store.WithClock(l.now))
	l.logger = l.logger.With(zap.String("component", "ratelimit"))
	return l
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// Allow records one hit for the caller and reports whether it is admitted.
// It returns an error only when the context is done.
func (l *Limiter) Allow(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	if l.whitelisted(req) {
		l.recorder.RateLimitDecision(ctx, true, SourceWhitelist)
		return Decision{Allowed: true, Limit: l.cfg.Max, Remaining: l.cfg.Max, Source: SourceWhitelist}, nil
	}

	limit := l.cfg.Max
	key := req.callerKey()
	if elevated, ok := l.cfg.BypassTokens[req.BypassToken]; ok && req.BypassToken != "" {
		limit = elevated
		key += ":bypass"
	}
	key = rediskey.BuildRateLimitKey(key)
	now := l.now()

	res, err := l.acquire(ctx, key, now, limit)
	source := SourceStore
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		l.logger.Warn("rate limit store unavailable, using local window",
			zap.String("key", key),
			zap.Error(err),
		)
		limit = l.cfg.FallbackMax
		source = SourceFallback
		res, _ = l.local.WindowAcquire(ctx, key, now, l.cfg.Window, limit)
	}

	d := decide(res, now, l.cfg.Window, limit)
	d.Source = source
	l.recorder.RateLimitDecision(ctx, d.Allowed, source)
	return d, nil
}

func (l *Limiter) acquire(ctx context.Context, key string, now time.Time, limit int) (store.WindowResult, error) {
	if l.breaker == nil {
		return l.store.WindowAcquire(ctx, key, now, l.cfg.Window, limit)
	}
	return breaker.Execute(ctx, l.breaker, func(ctx context.Context) (store.WindowResult, error) {
		return l.store.WindowAcquire(ctx, key, now, l.cfg.Window, limit)
	})
}

func (l *Limiter) whitelisted(req Request) bool {
	if _, ok := l.whitelistIPs[req.IP]; ok && req.IP != "" {
		return true
	}
	_, ok := l.whitelistIDs[req.UserID]
	return ok && req.UserID != ""
}

func decide(res store.WindowResult, now time.Time, window time.Duration, limit int) Decision {
	remaining := limit - int(res.Count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   res.Allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   res.Oldest.Add(window),
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Millisecond
		}
	}
	return d
}
