// Package lifecycle owns the execution engine instance: environment
// validation, single-flight initialization, asset prefetch, teardown, and
// the bounded diagnostic log buffer.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vidforge/vidforge/pkg/engine"
	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/retry"
)

// Distinguished error kinds. Environment errors are fatal and
// non-retryable; initialization errors may be retried by the caller.
var (
	ErrEnvironmentUnsupported = errors.New("execution environment unsupported: shared-memory multi-threaded context unavailable")
	ErrNotReady               = errors.New("engine not initialized")
	ErrTerminating            = errors.New("engine teardown still in progress")
)

// State is the lifecycle state of the managed engine
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Terminating
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Terminating:
		return "terminating"
	default:
		return "uninitialized"
	}
}

// Config holds lifecycle manager configuration
type Config struct {
	// ProgressMinInterval throttles the progress relay; an update is
	// forwarded only after both this interval and a full percentage point
	// have passed since the last one
	ProgressMinInterval time.Duration
	// TerminateWait bounds how long a fresh Initialize waits for an
	// in-progress teardown before forcing the state clear
	TerminateWait time.Duration
	// LogBufferSize bounds the diagnostic ring buffer
	LogBufferSize int
	// Mirrors lists asset mirror base URLs for Prefetch, in order
	Mirrors []string
	// AssetDir overrides the default user cache location for prefetched
	// engine assets
	AssetDir string
	// Retry governs per-mirror download retries
	Retry retry.Config
}

// DefaultConfig returns sensible defaults for the manager
func DefaultConfig() Config {
	return Config{
		ProgressMinInterval: 250 * time.Millisecond,
		TerminateWait:       5 * time.Second,
		LogBufferSize:       200,
		Retry:               retry.DefaultConfig(),
	}
}

// EngineFactory constructs the engine instance on successful initialization
type EngineFactory func() (engine.Engine, error)

// Manager drives the engine through its lifecycle:
// Uninitialized → Initializing → Ready → Terminating → Uninitialized.
type Manager struct {
	cfg     Config
	env     models.Environment
	factory EngineFactory
	log     *logging.Logger

	mu       sync.Mutex
	state    State
	eng      engine.Engine
	logBuf   []string
	logStart int
	logLen   int

	// taps let the pipeline observe raw engine events without owning the
	// engine's handler slots
	logTap      func(engine.LogLine)
	progressTap func(float64)

	// throttle state for the progress relay
	onProgress  func(pct float64)
	onStatus    func(status string)
	lastEmit    time.Time
	lastEmitPct float64

	initGroup     singleflight.Group
	prefetchGroup singleflight.Group
	fetcher       AssetFetcher
}

// NewManager creates a lifecycle manager. The engine is not constructed
// until Initialize.
func NewManager(env models.Environment, factory EngineFactory, cfg Config, log *logging.Logger) *Manager {
	if cfg.ProgressMinInterval <= 0 {
		cfg.ProgressMinInterval = DefaultConfig().ProgressMinInterval
	}
	if cfg.TerminateWait <= 0 {
		cfg.TerminateWait = DefaultConfig().TerminateWait
	}
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = DefaultConfig().LogBufferSize
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		cfg:     cfg,
		env:     env,
		factory: factory,
		log:     log,
		logBuf:  make([]string, cfg.LogBufferSize),
		fetcher: NewHTTPAssetFetcher(),
	}
}

// SetLogTap registers an observer for raw engine log lines
func (m *Manager) SetLogTap(fn func(engine.LogLine)) {
	m.mu.Lock()
	m.logTap = fn
	m.mu.Unlock()
}

// SetProgressTap registers an observer for raw engine progress ratios
func (m *Manager) SetProgressTap(fn func(float64)) {
	m.mu.Lock()
	m.progressTap = fn
	m.mu.Unlock()
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether the engine is initialized and usable
func (m *Manager) Ready() bool {
	return m.State() == Ready
}

// Engine returns the live engine handle, or ErrNotReady
func (m *Manager) Engine() (engine.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready || m.eng == nil {
		return nil, ErrNotReady
	}
	return m.eng, nil
}

// Initialize validates the environment and constructs the engine.
// Concurrent callers share one in-flight initialization. A call that
// lands during teardown waits for it, bounded by TerminateWait, after
// which the stale state is forced clear rather than deadlocking.
func (m *Manager) Initialize(ctx context.Context, onProgress func(pct float64), onStatus func(status string)) error {
	if !m.env.Usable() {
		return fmt.Errorf("%w (shared_memory=%t multi_threaded=%t)", ErrEnvironmentUnsupported, m.env.SharedMemory, m.env.MultiThreaded)
	}

	_, err, _ := m.initGroup.Do("init", func() (interface{}, error) {
		return nil, m.initialize(ctx, onProgress, onStatus)
	})
	return err
}

func (m *Manager) initialize(ctx context.Context, onProgress func(pct float64), onStatus func(status string)) error {
	if err := m.awaitTeardown(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == Ready {
		m.onProgress = onProgress
		m.onStatus = onStatus
		m.mu.Unlock()
		return nil
	}
	m.state = Initializing
	m.onProgress = onProgress
	m.onStatus = onStatus
	m.lastEmit = time.Time{}
	m.lastEmitPct = -1
	m.mu.Unlock()

	m.emitStatus("initializing engine")

	eng, err := m.factory()
	if err != nil {
		m.mu.Lock()
		m.state = Uninitialized
		m.mu.Unlock()
		return fmt.Errorf("constructing engine: %w", err)
	}

	eng.SetLogHandler(m.handleEngineLog)
	eng.SetProgressHandler(m.handleEngineProgress)

	m.mu.Lock()
	m.eng = eng
	m.state = Ready
	m.mu.Unlock()

	m.emitStatus("engine ready")
	m.log.Info("engine initialized")
	return nil
}

// awaitTeardown blocks while a Terminate is in flight. After TerminateWait
// the lingering state is forced clear so initialization can proceed.
func (m *Manager) awaitTeardown(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.TerminateWait)
	for {
		m.mu.Lock()
		if m.state != Terminating {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			m.log.Warn("teardown exceeded its wait bound, forcing state clear")
			m.mu.Lock()
			if m.state == Terminating {
				m.state = Uninitialized
				m.eng = nil
			}
			m.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTerminating, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Terminate destroys the engine and clears the log buffer. Cleanup
// failures are logged, never returned.
func (m *Manager) Terminate() {
	m.mu.Lock()
	if m.state == Uninitialized || m.state == Terminating {
		m.mu.Unlock()
		return
	}
	m.state = Terminating
	eng := m.eng
	m.mu.Unlock()

	if eng != nil {
		eng.SetLogHandler(nil)
		eng.SetProgressHandler(nil)
		if err := eng.Close(); err != nil {
			m.log.Warn("engine close failed", map[string]interface{}{"error": err.Error()})
		}
	}

	m.mu.Lock()
	m.eng = nil
	m.state = Uninitialized
	m.logStart = 0
	m.logLen = 0
	m.onProgress = nil
	m.onStatus = nil
	m.mu.Unlock()

	m.log.Info("engine terminated")
}

// Prefetch downloads the engine's binary assets from the configured
// mirrors. Best-effort and single-flight: concurrent calls coalesce into
// one attempt. Each mirror gets bounded retries with exponential backoff
// before the next is tried.
func (m *Manager) Prefetch(ctx context.Context) error {
	_, err, _ := m.prefetchGroup.Do("prefetch", func() (interface{}, error) {
		return nil, m.prefetch(ctx)
	})
	return err
}

// handleEngineLog appends to the ring buffer and feeds the tap
func (m *Manager) handleEngineLog(line engine.LogLine) {
	m.mu.Lock()
	idx := (m.logStart + m.logLen) % len(m.logBuf)
	m.logBuf[idx] = line.Message
	if m.logLen < len(m.logBuf) {
		m.logLen++
	} else {
		m.logStart = (m.logStart + 1) % len(m.logBuf)
	}
	tap := m.logTap
	m.mu.Unlock()

	if tap != nil {
		tap(line)
	}
}

// handleEngineProgress throttles the relay: at most one emission per
// ProgressMinInterval and per full percentage point, whichever gate
// closes last. Terminal 100% always passes.
func (m *Manager) handleEngineProgress(ratio float64) {
	pct := ratio * 100
	if pct > 100 {
		pct = 100
	}

	m.mu.Lock()
	tap := m.progressTap
	relay := m.onProgress
	emit := pct >= 100 ||
		(pct >= m.lastEmitPct+1 && time.Since(m.lastEmit) >= m.cfg.ProgressMinInterval)
	if emit {
		m.lastEmit = time.Now()
		m.lastEmitPct = pct
	}
	m.mu.Unlock()

	if tap != nil {
		tap(ratio)
	}
	if emit && relay != nil {
		relay(pct)
	}
}

func (m *Manager) emitStatus(status string) {
	m.mu.Lock()
	fn := m.onStatus
	m.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// RecentLogs returns the buffered diagnostic lines, oldest first
func (m *Manager) RecentLogs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, m.logLen)
	for i := 0; i < m.logLen; i++ {
		out = append(out, m.logBuf[(m.logStart+i)%len(m.logBuf)])
	}
	return out
}
