package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPongMatchesOutstandingNonce(t *testing.T) {
	var sent atomic.Value
	m := New(10*time.Millisecond, time.Second, func(nonce string) error {
		sent.Store(nonce)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)

	require.Eventually(t, func() bool { return sent.Load() != nil }, time.Second, time.Millisecond)
	nonce := sent.Load().(string)

	latency, ok := m.Pong(nonce)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, latency, time.Duration(0))
}

func TestPongRejectsMismatchedNonce(t *testing.T) {
	m := New(time.Hour, time.Second, func(string) error { return nil }, nil)
	_, ok := m.Pong("bogus")
	assert.False(t, ok)
}

func TestTimeoutFiresWithoutMatchingPong(t *testing.T) {
	var mu sync.Mutex
	fired := false

	m := New(5*time.Millisecond, 20*time.Millisecond, func(string) error { return nil }, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	}, time.Second, time.Millisecond)
}

func TestStopPreventsFurtherTimeouts(t *testing.T) {
	var calls atomic.Int32
	m := New(5*time.Millisecond, 10*time.Millisecond, func(string) error { return nil }, func() {
		calls.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	m.Stop()
	before := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}
