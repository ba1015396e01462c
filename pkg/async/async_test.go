package async_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorondv/project-management-tool-sub002/pkg/async"
)

func TestAsync_Await(t *testing.T) {
	t.Parallel()

	f := async.Async(context.Background(), 21, func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	})

	got, err := f.Await()
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.True(t, f.IsComplete())
}

func TestAsync_PropagatesError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	f := async.Async(context.Background(), struct{}{}, func(context.Context, struct{}) (string, error) {
		return "", boom
	})

	_, err := f.Await()
	require.ErrorIs(t, err, boom)
}

func TestAsync_AwaitWithTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := async.Async(context.Background(), struct{}{}, func(context.Context, struct{}) (int, error) {
		<-release
		return 1, nil
	})

	_, err := f.AwaitWithTimeout(10 * time.Millisecond)
	require.ErrorIs(t, err, async.ErrTimeout)

	close(release)
	got, err := f.Await()
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestAsync_PreCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := async.Async(ctx, struct{}{}, func(context.Context, struct{}) (int, error) {
		t.Error("function must not run with a cancelled context")
		return 0, nil
	})

	_, err := f.Await()
	require.ErrorIs(t, err, context.Canceled)
}
