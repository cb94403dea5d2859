package deadletter

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
)

// Scheduler purges expired dead letters once a day.
type Scheduler struct {
	service *Service
	hour    int
	stop    context.CancelFunc
	done    chan struct{}
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	return &Scheduler{service: svc, hour: cfg.DeadLetter.SweepHour}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			s.stop = cancel
			s.done = make(chan struct{})
			go s.run(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.stop()
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	zap.L().Info("[Scheduler] started dead-letter retention scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, s.hour, 0)

		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", next.Sub(now)),
		)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			s.runDaily(ctx)
		case <-ctx.Done():
			timer.Stop()
			zap.L().Info("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	start := time.Now()
	n, err := s.service.PurgeExpired(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] dead-letter purge failed", zap.Error(err))
		return
	}
	zap.L().Info("[Scheduler] dead-letter purge finished",
		zap.Int64("purged", n),
		zap.Duration("duration", time.Since(start)),
	)
}

// nextRunTime returns the next occurrence of hour:minute after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
