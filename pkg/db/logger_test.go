package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm/logger"
)

func observed(level logger.LogLevel) (*queryLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return newQueryLogger(zap.New(core), level, 100*time.Millisecond), logs
}

func query() (string, int64) { return "SELECT 1", 1 }

func TestQueryLoggerLevels(t *testing.T) {
	l, logs := observed(logger.Warn)

	l.Trace(context.Background(), time.Now(), query, nil)
	require.Zero(t, logs.Len(), "fast queries stay quiet below info")

	l.Trace(context.Background(), time.Now().Add(-time.Second), query, nil)
	require.Equal(t, 1, logs.FilterMessage("gorm.slow_query").Len())

	l.Trace(context.Background(), time.Now(), query, logger.ErrRecordNotFound)
	require.Equal(t, 1, logs.Len(), "not found is not an error")

	l.Trace(context.Background(), time.Now(), query, errors.New("deadlock detected"))
	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, entries, 1)
	require.Equal(t, "SELECT 1", entries[0].ContextMap()["sql"])
}

func TestQueryLoggerSilent(t *testing.T) {
	l, logs := observed(logger.Info)
	l.LogMode(logger.Silent).Trace(context.Background(), time.Now(), query, errors.New("boom"))
	require.Zero(t, logs.Len())
}

func TestQueryLoggerAddsTraceID(t *testing.T) {
	l, logs := observed(logger.Info)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b},
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Trace(ctx, time.Now(), query, nil)
	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, sc.TraceID().String(), entries[0].ContextMap()["trace_id"])
}
