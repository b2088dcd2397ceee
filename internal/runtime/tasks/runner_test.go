package tasks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRunner(buf *bytes.Buffer) *Runner {
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewRunner(logger, nil)
}

func TestRunnerGoDoesNotBlockCaller(t *testing.T) {
	var buf bytes.Buffer
	runner := newTestRunner(&buf)
	release := make(chan struct{})
	var ran atomic.Bool

	start := time.Now()
	require.NoError(t, runner.Go("slow", func(ctx context.Context) error {
		<-release
		ran.Store(true)
		return nil
	}))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.False(t, ran.Load())

	close(release)
	require.True(t, runner.Wait(time.Second))
	require.True(t, ran.Load())
}

func TestRunnerReportsFailuresAndPanics(t *testing.T) {
	var buf bytes.Buffer
	runner := newTestRunner(&buf)

	require.NoError(t, runner.Go("fails", func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, runner.Go("panics", func(context.Context) error { panic("kaboom") }))
	require.True(t, runner.Wait(time.Second))

	out := buf.String()
	require.Contains(t, out, `"task":"fails"`)
	require.Contains(t, out, "boom")
	require.Contains(t, out, `"task":"panics"`)
	require.Contains(t, out, "kaboom")
}

func TestRunnerShutdownCancelsOnDeadline(t *testing.T) {
	var buf bytes.Buffer
	runner := newTestRunner(&buf)
	require.NoError(t, runner.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := runner.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.ErrorIs(t, runner.Go("late", func(context.Context) error { return nil }), ErrStopped)
}

func TestRunnerRunIsSynchronous(t *testing.T) {
	var buf bytes.Buffer
	runner := newTestRunner(&buf)
	var ran bool
	runner.Run(context.Background(), "sync", func(context.Context) error {
		ran = true
		return errors.New("logged")
	})
	require.True(t, ran)
	require.Contains(t, buf.String(), "logged")
}
