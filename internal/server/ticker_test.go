package server

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTicker_InvokesTick(t *testing.T) {
	called := make(chan struct{}, 1)
	tk := NewTicker(10*time.Millisecond, func() {
		select {
		case called <- struct{}{}:
		default:
		}
	}, zaptest.NewLogger(t))
	go func() { _ = tk.Start() }()
	defer tk.Stop()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("tick not invoked")
	}
	assert.Eventually(t, func() bool { return tk.Ticks() > 0 }, time.Second, 5*time.Millisecond)
}

func TestTicker_PostRunsOnTickGoroutine(t *testing.T) {
	var inTick atomic.Bool
	var overlap atomic.Bool
	tk := NewTicker(time.Millisecond, func() {
		inTick.Store(true)
		time.Sleep(100 * time.Microsecond)
		inTick.Store(false)
	}, zaptest.NewLogger(t))
	go func() { _ = tk.Start() }()
	defer tk.Stop()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		last := i == 19
		require.True(t, tk.Post(func() {
			if inTick.Load() {
				overlap.Store(true)
			}
			if last {
				close(done)
			}
		}))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted work not run")
	}
	assert.False(t, overlap.Load())
}

func TestTicker_StopIsIdempotentAndRejectsPosts(t *testing.T) {
	tk := NewTicker(time.Millisecond, func() {}, zaptest.NewLogger(t))
	returned := make(chan error, 1)
	go func() { returned <- tk.Start() }()

	tk.Stop()
	tk.Stop()
	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.False(t, tk.Post(func() {}))
}

func TestNewTicker_PanicsOnNonPositiveInterval(t *testing.T) {
	assert.Panics(t, func() { NewTicker(0, func() {}, zaptest.NewLogger(t)) })
}
