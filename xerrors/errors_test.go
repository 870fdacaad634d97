package xerrors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTransientSurvivesWrapping(t *testing.T) {
	base := errors.New("connection reset by peer")
	wrapped := MarkTransient(base)
	require.True(t, IsTransient(wrapped))
	require.False(t, IsTransient(base))

	double := NewUnhandledException(wrapped)
	require.True(t, IsTransient(double))
}

func TestIsCancellation(t *testing.T) {
	require.True(t, IsCancellation(Cancelled))
	require.True(t, IsCancellation(context.Canceled))
	require.False(t, IsCancellation(errors.New("boom")))
}

func TestExceedMaxRerunUnwraps(t *testing.T) {
	base := errors.New("disk full")
	e := NewExceedMaxRerun(3, base)
	require.ErrorIs(t, e, base)
	require.Contains(t, e.Error(), "3 retries")
}

func TestUnretryableExceptionNamesOps(t *testing.T) {
	e := NewUnretryableException([]string{"op-1", "op-2"}, errors.New("bad state"))
	require.Contains(t, e.Error(), "op-1")
	require.Contains(t, e.Error(), "op-2")
}
