package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
)

func testLogger() *logger.Logger {
	l, _ := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	return l
}

func TestSpawnAwait_CollectsOutputAndClosesPipes(t *testing.T) {
	s := New(2*time.Second, testLogger())
	h, err := s.Spawn(context.Background(), []string{"/bin/echo", "hello"}, PipePolicy{Stdout: true, Stderr: true})
	require.NoError(t, err)

	exitCode, stdout, _, err := s.Await(context.Background(), h, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, "hello\n", stdout)
	assert.Equal(t, 1, 1) // Reaped state asserted below via State()
	assert.Equal(t, "reaped", h.State().String())
}

func TestAwait_TimeoutForcesKill(t *testing.T) {
	s := New(200*time.Millisecond, testLogger())
	h, err := s.Spawn(context.Background(), []string{"/bin/sleep", "30"}, PipePolicy{Stdout: true, Stderr: true})
	require.NoError(t, err)

	start := time.Now()
	_, _, _, err = s.Await(context.Background(), h, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 5*time.Second, "forceful kill must bound the wait")
}

func TestReapAllCompleted_ClosesPipesAndRemovesHandle(t *testing.T) {
	s := New(time.Second, testLogger())
	h, err := s.Spawn(context.Background(), []string{"/bin/echo", "hi"}, PipePolicy{Stdout: true})
	require.NoError(t, err)

	assert.Equal(t, 1, s.LiveCount())

	// Give the child time to exit on its own, without the caller ever
	// calling Await — this is exactly the gap ReapAllCompleted closes.
	<-h.exited

	stats := s.ReapAllCompleted()
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Reaped)
	assert.Equal(t, 0, s.LiveCount(), "FD conservation: steady state with no live children -> live-set empty")
}

func TestReapAllCompleted_IsIdempotentAfterAwait(t *testing.T) {
	s := New(time.Second, testLogger())
	h, err := s.Spawn(context.Background(), []string{"/bin/echo", "hi"}, PipePolicy{Stdout: true})
	require.NoError(t, err)

	_, _, _, err = s.Await(context.Background(), h, 5*time.Second)
	require.NoError(t, err)

	// Calling reap after the caller already reaped via Await must not panic
	// or double-close.
	assert.NotPanics(t, func() {
		s.ReapAllCompleted()
	})
}

func TestSpawn_MissingBinaryFailsWithSpawnFailed(t *testing.T) {
	s := New(time.Second, testLogger())
	_, err := s.Spawn(context.Background(), []string{"/no/such/binary-xyz"}, PipePolicy{})
	require.Error(t, err)
	var de *model.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, model.ErrSpawnFailed, de.Kind)
}
