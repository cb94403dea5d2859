package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// queryLogger routes gorm logs to zap. Query lines carry the trace id of the
// span otelgorm opened, so slow event-store reads can be matched to the
// attribution call that issued them.
type queryLogger struct {
	zap   *zap.Logger
	level logger.LogLevel
	slow  time.Duration
}

func newQueryLogger(z *zap.Logger, level logger.LogLevel, slow time.Duration) *queryLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &queryLogger{zap: z.With(zap.String("component", "gorm")), level: level, slow: slow}
}

func (l *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *queryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.zap.Info(fmt.Sprintf(msg, data...), traceFields(ctx)...)
	}
}

func (l *queryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.zap.Warn(fmt.Sprintf(msg, data...), traceFields(ctx)...)
	}
}

func (l *queryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.zap.Error(fmt.Sprintf(msg, data...), traceFields(ctx)...)
	}
}

func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	var (
		lvl = zap.DebugLevel
		msg = "gorm.query"
	)
	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound) && l.level >= logger.Error:
		lvl = zap.ErrorLevel
	case l.slow > 0 && elapsed > l.slow && l.level >= logger.Warn:
		lvl, msg = zap.WarnLevel, "gorm.slow_query"
	case l.level >= logger.Info:
	default:
		return
	}

	ce := l.zap.Check(lvl, msg)
	if ce == nil {
		return
	}
	sql, rows := fc()
	fields := append(traceFields(ctx),
		zap.String("file", utils.FileWithLineNum()),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)
	if lvl == zap.ErrorLevel {
		fields = append(fields, zap.Error(err))
	}
	if msg == "gorm.slow_query" {
		fields = append(fields, zap.Duration("threshold", l.slow))
	}
	ce.Write(fields...)
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{zap.String("trace_id", sc.TraceID().String())}
}
