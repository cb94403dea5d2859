package breaker

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/metrics"
)

// Breakers shared across components.
const (
	NameStore       = "store"
	NameEventSource = "eventsource"
	NameBroker      = "broker"
)

var Module = fx.Module("breaker",
	fx.Provide(NewFactory),
)

type FactoryParams struct {
	fx.In
	Config   *config.Config
	Logger   *zap.Logger
	Recorder *metrics.Recorder `optional:"true"`
}

// Factory creates named breakers sharing one configuration and keeps them
// for readiness reporting.
type Factory struct {
	settings Settings
	logger   *zap.Logger
	recorder *metrics.Recorder

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewFactory(p FactoryParams) *Factory {
	return &Factory{
		settings: Settings{
			FailureRatio: p.Config.Breaker.FailureRatio,
			MinRequests:  p.Config.Breaker.MinRequests,
			Interval:     p.Config.Breaker.Interval,
			Timeout:      p.Config.Breaker.Timeout,
		},
		logger:   p.Logger,
		recorder: p.Recorder,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (f *Factory) Get(name string) *Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[name]; ok {
		return b
	}

	b := New(name, f.settings, f.logger)
	b.OnStateChange(func(name string, from, to State) {
		f.logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		f.recorder.BreakerTransition(context.Background(), name, from.String(), to.String())
	})
	f.breakers[name] = b
	return b
}

// States snapshots every breaker created so far, by name.
func (f *Factory) States() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.breakers))
	for name, b := range f.breakers {
		out[name] = b.State().String()
	}
	return out
}

// Open lists breakers currently open, sorted.
func (f *Factory) Open() []string {
	var open []string
	for name, state := range f.States() {
		if state == StateOpen.String() {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}
