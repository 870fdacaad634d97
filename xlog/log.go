// Package xlog is the core's thin structured-logging wrapper, carrying
// key/value pairs alongside a message, backed by zerolog.
package xlog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with an always-even key/value call style.
type Logger struct {
	z zerolog.Logger
}

// New builds a console-friendly logger writing to os.Stderr at level.
func New(level zerolog.Level) *Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	z := zerolog.New(w).With().Timestamp().Logger().Level(level)
	return &Logger{z: z}
}

// With returns a child logger that always includes the given key/value
// pairs, for attaching a subtask or band identity to every line it logs.
func (l *Logger) With(kv ...any) *Logger {
	ctx := l.z.With()
	ctx = applyKV(ctx, kv)
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Debug(msg string, kv ...any) { emit(l.z.Debug(), msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { emit(l.z.Info(), msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { emit(l.z.Warn(), msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { emit(l.z.Error(), msg, kv) }

func emit(e *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

func applyKV(ctx zerolog.Context, kv []any) zerolog.Context {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, kv[i+1])
	}
	return ctx
}

var defaultLogger = New(zerolog.InfoLevel)

// Default returns the package-level logger used where no band/subtask
// scoped logger has been built yet (e.g. process startup).
func Default() *Logger { return defaultLogger }
