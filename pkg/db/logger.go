package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const defaultSlowQuery = 200 * time.Millisecond

// ZapGormLogger writes gorm statements to zap. Statements carry the trace id
// of the request that issued them so a ledger write can be followed from the
// HTTP or gRPC span down to its SQL.
type ZapGormLogger struct {
	Zap           *zap.Logger
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
	ShowSQL       bool
}

// NewZapGormLogger builds the logger. A zero slow threshold falls back to 200ms.
func NewZapGormLogger(z *zap.Logger, logLevel logger.LogLevel, showSQL bool, slow time.Duration) *ZapGormLogger {
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return &ZapGormLogger{
		Zap:           z.Named("gorm"),
		LogLevel:      logLevel,
		ShowSQL:       showSQL,
		SlowThreshold: slow,
	}
}

func (l *ZapGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *ZapGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		l.Zap.Info(fmt.Sprintf(msg, data...), traceField(ctx)...)
	}
}

func (l *ZapGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		l.Zap.Warn(fmt.Sprintf(msg, data...), traceField(ctx)...)
	}
}

func (l *ZapGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		l.Zap.Error(fmt.Sprintf(msg, data...), traceField(ctx)...)
	}
}

func (l *ZapGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := append(traceField(ctx),
		zap.String("file", utils.FileWithLineNum()),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)

	switch {
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		// lookups report misses as nil results
	case err != nil && errors.Is(err, gorm.ErrDuplicatedKey):
		// concurrent appends racing for the same ledger seq; the caller retries
		if l.LogLevel >= logger.Warn {
			l.Zap.Warn("query.conflict", append(fields, zap.Error(err))...)
		}
	case err != nil:
		if l.LogLevel >= logger.Error {
			l.Zap.Error("query.failed", append(fields, zap.Error(err))...)
		}
	case elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		l.Zap.Warn("query.slow", append(fields, zap.Duration("threshold", l.SlowThreshold))...)
	case l.LogLevel == logger.Info && l.ShowSQL:
		l.Zap.Info("query", fields...)
	}
}

func traceField(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	return []zap.Field{zap.String("trace_id", sc.TraceID().String())}
}
