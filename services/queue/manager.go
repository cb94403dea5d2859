package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Queue names.
const (
	Events      = "events"
	Attribution = "attribution"
	Analytics   = "analytics"
)

// Manager owns the named queues of one process.
type Manager struct {
	queues map[string]*Queue
	order  []string
}

func NewManager(queues ...*Queue) *Manager {
	m := &Manager{queues: make(map[string]*Queue, len(queues))}
	for _, q := range queues {
		m.queues[q.Name()] = q
		m.order = append(m.order, q.Name())
	}
	return m
}

func (m *Manager) Get(name string) (*Queue, bool) {
	q, ok := m.queues[name]
	return q, ok
}

func (m *Manager) Enqueue(ctx context.Context, name string, job Job) error {
	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("unknown queue %q", name)
	}
	return q.Enqueue(ctx, job)
}

// Replay re-enqueues a dead-lettered job on its queue with fresh counters.
func (m *Manager) Replay(ctx context.Context, name string, job Job) error {
	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("unknown queue %q", name)
	}
	return q.Replay(ctx, job)
}

func (m *Manager) Stats() map[string]Stats {
	out := make(map[string]Stats, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.Stats()
	}
	return out
}

func (m *Manager) Start(ctx context.Context) error {
	for _, name := range m.order {
		if err := m.queues[name].Start(ctx); err != nil {
			return fmt.Errorf("start queue %s: %w", name, err)
		}
	}
	return nil
}

// Stop drains queues in registration order, so a queue that feeds another
// hands off its backlog before the downstream queue drains.
func (m *Manager) Stop(ctx context.Context) error {
	var errs []error
	for _, name := range m.order {
		if err := m.queues[name].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop queue %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

var Module = fx.Module("queue",
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[Queue] draining queues")
			return m.Stop(ctx)
		},
	})
}
