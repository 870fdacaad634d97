package xlog

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerDoesNotPanic(t *testing.T) {
	l := New(zerolog.DebugLevel)
	child := l.With("subtask_id", "s1")
	child.Info("running", "band", "w1/numa-0")
	child.Warn("retrying", "attempt", 2)
	child.Error("failed", "err", "boom")
}
