// Package shutdown coordinates graceful teardown of the serve mode:
// registered hooks run in reverse order once a termination signal
// arrives.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vidforge/vidforge/pkg/logging"
)

// Manager collects shutdown hooks and runs them on signal
type Manager struct {
	mu      sync.Mutex
	hooks   []func(context.Context) error
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
	log     *logging.Logger
}

// New creates a shutdown manager with the given per-shutdown deadline
func New(timeout time.Duration, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		timeout: timeout,
		done:    make(chan struct{}),
		log:     log,
	}
}

// Register adds a hook. Hooks run in reverse registration order, so
// dependents register after their dependencies.
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Wait blocks until SIGTERM or SIGINT arrives
func (m *Manager) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	m.log.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})
	m.Trigger()
}

// Trigger marks shutdown as initiated without waiting for a signal
func (m *Manager) Trigger() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Done is closed once shutdown has been initiated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown runs every registered hook in reverse order under the
// configured deadline. Hook failures are logged; later hooks still run.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.hooks) - 1; i >= 0; i-- {
		if err := m.hooks[i](ctx); err != nil {
			m.log.Error("shutdown hook failed", map[string]interface{}{"index": i, "error": err.Error()})
		}
	}
	m.log.Info("shutdown complete")
}
