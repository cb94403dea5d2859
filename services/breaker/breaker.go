// Package breaker guards calls to shared dependencies (store, event source)
// with a three-state circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/errutil"
)

type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

type Settings struct {
	FailureRatio float64
	MinRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.5
	}
	if s.MinRequests == 0 {
		s.MinRequests = 10
	}
	if s.Interval <= 0 {
		s.Interval = 60 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return s
}

// Listener observes state changes. A panicking listener is recovered and
// does not affect the transition or other listeners.
type Listener func(name string, from, to State)

type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker[any]
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func New(name string, s Settings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	s = s.withDefaults()
	b := &Breaker{
		name:   name,
		logger: logger.With(zap.String("component", "breaker"), zap.String("breaker", name)),
	}
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < s.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= s.FailureRatio
		},
		OnStateChange: b.notify,
		IsSuccessful:  isSuccessful,
	})
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State { return b.cb.State() }

func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }

func (b *Breaker) OnStateChange(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Breaker) notify(name string, from, to State) {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("breaker listener panicked", zap.Any("panic", r))
				}
			}()
			l(name, from, to)
		}()
	}
}

// Do runs fn through the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn through b. Rejections by an open or saturated half-open
// breaker are reported as dependency errors.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	v, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, errutil.Dependency(fmt.Sprintf("circuit %s is %s", b.name, b.cb.State()), err,
				errutil.WithRetryAfter(time.Second))
		}
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

// IsRejection reports whether err came from an open breaker rather than the call.
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// isSuccessful keeps caller-side errors out of the failure ratio.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch errutil.KindOf(err) {
	case errutil.KindValidation, errutil.KindTemporalOrder, errutil.KindCapacity:
		return true
	}
	return false
}
