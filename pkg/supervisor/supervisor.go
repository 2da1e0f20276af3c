// Package supervisor watches a running conversion for stalls. A watchdog
// tracks numeric progress against an adaptive timeout; an independent
// log-silence detector catches engines that spin without progressing or
// logging. Both fire a termination callback; neither stops the other.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
)

// Config holds supervisor tunables
type Config struct {
	// CheckInterval is how often the watchdog evaluates staleness
	CheckInterval time.Duration
	// BaseTimeout is the floor of the adaptive progress timeout
	BaseTimeout time.Duration
	// MaxTimeout caps the adaptive timeout whatever the input looks like
	MaxTimeout time.Duration
	// PerMediaSecond extends the timeout for longer inputs
	PerMediaSecond time.Duration
	// LogSilenceThreshold is how long the engine may go without logging
	// before a strike is counted; zero disables the detector
	LogSilenceThreshold time.Duration
	// LogSilenceStrikes is how many consecutive silent periods terminate
	// the run
	LogSilenceStrikes int
}

// DefaultConfig returns sensible defaults for the supervisor
func DefaultConfig() Config {
	return Config{
		CheckInterval:       3 * time.Second,
		BaseTimeout:         30 * time.Second,
		MaxTimeout:          5 * time.Minute,
		PerMediaSecond:      1500 * time.Millisecond,
		LogSilenceThreshold: 20 * time.Second,
		LogSilenceStrikes:   3,
	}
}

// RunInfo describes the input being converted, used once at start to size
// the adaptive timeout. It is never re-derived mid-run.
type RunInfo struct {
	DurationMs int64
	Width      int
	Height     int
	Quality    models.QualityTier
}

// AdaptiveTimeout computes the stall allowance for an input. Longer,
// larger, higher-quality inputs get proportionally more time, up to
// cfg.MaxTimeout. The result never shrinks as duration or resolution
// grow.
func AdaptiveTimeout(info RunInfo, cfg Config) time.Duration {
	timeout := cfg.BaseTimeout
	timeout += time.Duration(float64(info.DurationMs)/1000) * cfg.PerMediaSecond

	// 720p is the reference frame size
	const referencePixels = 1280 * 720
	pixels := info.Width * info.Height
	if pixels > referencePixels {
		factor := float64(pixels) / float64(referencePixels)
		if factor > 4 {
			factor = 4
		}
		timeout = time.Duration(float64(timeout) * factor)
	}

	switch info.Quality {
	case models.QualityHigh:
		timeout = time.Duration(float64(timeout) * 1.5)
	case models.QualityMax:
		timeout = time.Duration(float64(timeout) * 2.0)
	}

	if timeout > cfg.MaxTimeout {
		timeout = cfg.MaxTimeout
	}
	return timeout
}

// Supervisor is the stall watchdog for one conversion at a time. Starting
// a new run fully clears the previous one; timers never leak across runs.
type Supervisor struct {
	cfg Config
	log *logging.Logger

	mu           sync.Mutex
	active       bool
	lastProgress time.Time
	lastLog      time.Time
	strikes      int
	timeout      time.Duration
	stopCh       chan struct{}
	onTerminate  func(reason string)
	onWarning    func(msg string)

	now func() time.Time
}

// New creates a supervisor
func New(cfg Config, log *logging.Logger) *Supervisor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = DefaultConfig().BaseTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultConfig().MaxTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Supervisor{cfg: cfg, log: log, now: time.Now}
}

// SetWarningHandler registers the sink for log-silence warnings
func (s *Supervisor) SetWarningHandler(fn func(msg string)) {
	s.mu.Lock()
	s.onWarning = fn
	s.mu.Unlock()
}

// Start arms the watchdog for a run. The adaptive timeout is computed
// once, here, from the run info. Any previous run is cleared first.
func (s *Supervisor) Start(info RunInfo, onTerminate func(reason string)) {
	s.Stop()

	s.mu.Lock()
	now := s.now()
	s.active = true
	s.lastProgress = now
	s.lastLog = now
	s.strikes = 0
	s.timeout = AdaptiveTimeout(info, s.cfg)
	s.onTerminate = onTerminate
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	timeout := s.timeout
	s.mu.Unlock()

	s.log.Debug("watchdog armed", map[string]interface{}{"timeout": timeout.String()})

	go s.watch(stopCh)
}

// Timeout returns the adaptive timeout of the current or last run
func (s *Supervisor) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// NoteProgress records a real progress update
func (s *Supervisor) NoteProgress() {
	s.mu.Lock()
	if s.active {
		s.lastProgress = s.now()
	}
	s.mu.Unlock()
}

// NoteLog records a diagnostic line from the engine and clears any
// accumulated silence strikes.
func (s *Supervisor) NoteLog() {
	s.mu.Lock()
	if s.active {
		s.lastLog = s.now()
		s.strikes = 0
	}
	s.mu.Unlock()
}

// Stop disarms the watchdog. Safe to call repeatedly and from any state.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.onTerminate = nil
	s.mu.Unlock()
}

// ForceCleanup clears timers unconditionally, for error paths where the
// active flag may be in any state.
func (s *Supervisor) ForceCleanup() {
	s.mu.Lock()
	s.active = false
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.onTerminate = nil
	s.strikes = 0
	s.mu.Unlock()
}

func (s *Supervisor) watch(stopCh chan struct{}) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if fired := s.check(); fired {
				return
			}
		}
	}
}

// check evaluates both stall conditions. Returns true once termination
// has fired and the watch loop should exit.
func (s *Supervisor) check() bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return true
	}
	now := s.now()

	sinceProgress := now.Sub(s.lastProgress)
	if sinceProgress > s.timeout {
		terminate := s.onTerminate
		reason := fmt.Sprintf("no progress for %s (allowance %s)", sinceProgress.Round(time.Millisecond), s.timeout)
		s.active = false
		s.onTerminate = nil
		s.mu.Unlock()

		s.log.Warn("watchdog firing", map[string]interface{}{"reason": reason})
		if terminate != nil {
			terminate(reason)
		}
		return true
	}

	if s.cfg.LogSilenceThreshold > 0 && now.Sub(s.lastLog) > s.cfg.LogSilenceThreshold {
		s.strikes++
		s.lastLog = now
		strikes := s.strikes
		warning := s.onWarning

		if strikes >= s.cfg.LogSilenceStrikes {
			terminate := s.onTerminate
			reason := fmt.Sprintf("engine silent for %d consecutive periods of %s", strikes, s.cfg.LogSilenceThreshold)
			s.active = false
			s.onTerminate = nil
			s.mu.Unlock()

			s.log.Warn("watchdog firing", map[string]interface{}{"reason": reason})
			if terminate != nil {
				terminate(reason)
			}
			return true
		}
		s.mu.Unlock()

		msg := fmt.Sprintf("engine has not logged for %s (strike %d of %d)", s.cfg.LogSilenceThreshold, strikes, s.cfg.LogSilenceStrikes)
		s.log.Warn(msg)
		if warning != nil {
			warning(msg)
		}
		return false
	}

	s.mu.Unlock()
	return false
}
