package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	connIDKey   ctxKey = "conn_id"
	questionKey ctxKey = "question"
)

// New builds the process logger. Development mode switches to the
// console encoder with caller and stack traces on warnings.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

func WithQuestion(ctx context.Context, question uint32) context.Context {
	return context.WithValue(ctx, questionKey, question)
}

// WithCtx returns logger annotated with the connection and question
// carried by ctx, if any.
func WithCtx(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if v, ok := ctx.Value(connIDKey).(string); ok {
		fields = append(fields, zap.String("conn_id", v))
	}
	if v, ok := ctx.Value(questionKey).(uint32); ok {
		fields = append(fields, zap.Uint32("question", v))
	}

	return logger.With(fields...)
}
