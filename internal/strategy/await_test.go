package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait_ReturnsResult(t *testing.T) {
	v, err := Await(context.Background(), func(ctx context.Context) (int, error) {
		return 7, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	boom := errors.New("boom")
	_, err = Await(context.Background(), func(ctx context.Context) (int, error) {
		return 0, boom
	}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestAwait_AbandonsCallIgnoringContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	discarded := make(chan int, 1)
	started := time.Now()
	_, err := Await(ctx, func(context.Context) (int, error) {
		<-release
		return 9, nil
	}, func(v int) { discarded <- v })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)

	close(release)
	select {
	case v := <-discarded:
		assert.Equal(t, 9, v)
	case <-time.After(time.Second):
		t.Fatal("late result was not discarded")
	}
}
