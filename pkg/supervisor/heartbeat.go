package supervisor

import (
	"sync"
	"time"
)

// HeartbeatConfig describes one synthetic progress run
type HeartbeatConfig struct {
	// Start and End bound the emitted values within the overall 0-100
	// progress scale
	Start float64
	End   float64
	// Estimate is how long the underlying operation is expected to take
	Estimate time.Duration
	// Tick is the emission interval
	Tick time.Duration
}

// Heartbeat interpolates synthetic progress for operations the engine
// reports nothing granular about, such as a palette-generation pass.
// Values are monotonically non-decreasing and capped at 99: only a real
// completion may report 100.
type Heartbeat struct {
	cfg  HeartbeatConfig
	emit func(pct float64)

	mu       sync.Mutex
	last     float64
	started  time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// StartHeartbeat begins emitting synthetic progress on a fixed tick. The
// caller must Stop it when the real operation settles, whether that is
// before or after the estimate runs out.
func StartHeartbeat(cfg HeartbeatConfig, emit func(pct float64)) *Heartbeat {
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if cfg.Estimate <= 0 {
		cfg.Estimate = 5 * time.Second
	}
	if cfg.End <= cfg.Start {
		cfg.End = cfg.Start
	}

	h := &Heartbeat{
		cfg:     cfg,
		emit:    emit,
		last:    cfg.Start,
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Heartbeat) run() {
	ticker := time.NewTicker(h.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	h.mu.Lock()
	frac := float64(time.Since(h.started)) / float64(h.cfg.Estimate)
	if frac > 1 {
		frac = 1
	}
	value := h.cfg.Start + (h.cfg.End-h.cfg.Start)*frac
	if value > 99 {
		value = 99
	}
	if value <= h.last {
		h.mu.Unlock()
		return
	}
	h.last = value
	emit := h.emit
	h.mu.Unlock()

	if emit != nil {
		emit(value)
	}
}

// Stop halts emission. Idempotent: extra calls are no-ops.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

// Last returns the most recently emitted value
func (h *Heartbeat) Last() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
