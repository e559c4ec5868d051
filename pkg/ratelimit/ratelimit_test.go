package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllowsBurstThenLimits(t *testing.T) {
	m := NewMemory(time.Minute, 3)
	clock := time.Now()
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := m.Allow(ctx, "1.2.3.4")
	assert.False(t, ok)

	// Other clients are independent.
	ok, _ = m.Allow(ctx, "5.6.7.8")
	assert.True(t, ok)

	// One token refills every window/max.
	clock = clock.Add(20 * time.Second)
	ok, _ = m.Allow(ctx, "1.2.3.4")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "1.2.3.4")
	assert.False(t, ok)
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory(time.Minute, 1)
	clock := time.Now()
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	_, _ = m.Allow(ctx, "a")
	clock = clock.Add(30 * time.Second)
	_, _ = m.Allow(ctx, "b")
	require.Equal(t, 2, m.Len())

	clock = clock.Add(45 * time.Second)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())
}

func TestMemoryRunStops(t *testing.T) {
	m := NewMemory(time.Minute, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewRedisBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-url", time.Minute, 10)
	assert.Error(t, err)
}
