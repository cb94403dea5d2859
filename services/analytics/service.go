// Package analytics keeps per-channel daily event counters.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/pkg/rediskey"
	"attribution-pipeline/pkg/store"
	"attribution-pipeline/services/cache"
	"attribution-pipeline/services/event"
	"attribution-pipeline/services/eventstore"
)

const (
	// CounterTTL keeps a day's counters readable through the next day.
	CounterTTL = 48 * time.Hour
	DefaultTTL = 5 * time.Minute
)

// ChannelCounter aggregates persisted events per channel.
type ChannelCounter interface {
	CountByChannel(ctx context.Context, tr event.TimeRange) ([]eventstore.ChannelCount, error)
}

type Service struct {
	store    store.Store
	cache    *cache.Cache
	counter  ChannelCounter
	channels func() []string
	ttl      time.Duration
	logger   *zap.Logger
}

type ServiceParams struct {
	Store store.Store
	Cache *cache.Cache
	// Counter is read when the store cannot serve the counters.
	Counter  ChannelCounter
	Channels func() []string
	TTL      time.Duration
	Logger   *zap.Logger
}

func NewService(p ServiceParams) *Service {
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Service{
		store:    p.Store,
		cache:    p.Cache,
		counter:  p.Counter,
		channels: p.Channels,
		ttl:      p.TTL,
		logger:   p.Logger.With(zap.String("component", "analytics")),
	}
}

// Record counts one event for channel on the UTC day of at.
func (s *Service) Record(ctx context.Context, at time.Time, channel string) (int64, error) {
	n, err := store.IncrWithExpiry(ctx, s.store, rediskey.BuildChannelDayKey(at, channel), CounterTTL)
	if err != nil {
		return 0, errutil.Dependency("record channel counter", err)
	}
	return n, nil
}

type countParams struct {
	Day string `json:"day"`
}

// ChannelCounts returns the event count per channel for the UTC day of day.
// Channels with no events are omitted.
func (s *Service) ChannelCounts(ctx context.Context, day time.Time) (map[string]int64, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	key, err := cache.Key("channel_counts", countParams{Day: day.Format("2006-01-02")}, "")
	if err != nil {
		return nil, err
	}
	return cache.GetOrComputeJSON(ctx, s.cache, key, s.ttl, func(ctx context.Context) (map[string]int64, error) {
		counts, err := s.fromCounters(ctx, day)
		if err == nil || s.counter == nil {
			return counts, err
		}
		s.logger.Warn("channel counters unavailable, counting from event store", zap.Error(err))
		return s.fromEventStore(ctx, day)
	})
}

func (s *Service) fromCounters(ctx context.Context, day time.Time) (map[string]int64, error) {
	out := map[string]int64{}
	if s.channels == nil {
		return out, nil
	}
	for _, ch := range s.channels() {
		raw, err := s.store.Get(ctx, rediskey.BuildChannelDayKey(day, ch))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errutil.Dependency("read channel counter", err)
		}
		n, err := parseCount(raw)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out[ch] = n
		}
	}
	return out, nil
}

func (s *Service) fromEventStore(ctx context.Context, day time.Time) (map[string]int64, error) {
	rows, err := s.counter.CountByChannel(ctx, event.TimeRange{From: day, To: day.Add(24 * time.Hour)})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Channel] = r.Count
	}
	return out, nil
}

func parseCount(raw []byte) (int64, error) {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("channel counter %q is not an integer: %w", raw, err)
	}
	return n, nil
}
