package server

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Ticker is a Service that calls tick once per interval on a single
// goroutine. Work handed to Post runs on that same goroutine between ticks,
// so state owned by the tick function needs no locking.
//
// Invariant: tick and posted functions never run concurrently.
type Ticker struct {
	interval time.Duration
	tick     func()
	logger   *zap.Logger

	work     chan func()
	quit     chan struct{}
	stopOnce sync.Once
	ticks    atomic.Uint64
}

// NewTicker returns a ticker that fires tick every interval once started.
//
// Precondition: interval must be > 0; tick and logger must be non-nil.
func NewTicker(interval time.Duration, tick func(), logger *zap.Logger) *Ticker {
	if interval <= 0 {
		panic("server.NewTicker: interval must be > 0")
	}
	return &Ticker{
		interval: interval,
		tick:     tick,
		logger:   logger,
		work:     make(chan func(), 64),
		quit:     make(chan struct{}),
	}
}

// Start runs the tick loop until Stop is called.
//
// Postcondition: Work posted before Stop and not yet run is discarded.
func (t *Ticker) Start() error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	t.logger.Debug("tick loop started", zap.Duration("interval", t.interval))
	for {
		select {
		case <-t.quit:
			t.logger.Debug("tick loop stopped", zap.Uint64("ticks", t.ticks.Load()))
			return nil
		case fn := <-t.work:
			fn()
		case <-ticker.C:
			t.tick()
			t.ticks.Add(1)
		}
	}
}

// Stop ends the tick loop. Safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.quit) })
}

// Post schedules fn on the tick goroutine. It reports false if the ticker
// has stopped.
func (t *Ticker) Post(fn func()) bool {
	select {
	case <-t.quit:
		return false
	default:
	}
	select {
	case t.work <- fn:
		return true
	case <-t.quit:
		return false
	}
}

// Ticks returns the number of completed ticks.
func (t *Ticker) Ticks() uint64 { return t.ticks.Load() }
