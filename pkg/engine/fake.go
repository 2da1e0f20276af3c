package engine

import (
	"context"
	"fmt"
	"sync"
)

// FakeEngine is a scripted in-memory engine used across the package
// tests. Exec behavior is controlled by ExecFunc; file operations work
// against an in-memory map.
type FakeEngine struct {
	mu         sync.Mutex
	files      map[string][]byte
	commands   [][]string
	logFn      func(LogLine)
	progressFn func(float64)
	closed     bool

	// ExecFunc, when set, handles every Exec call. The fake itself is
	// passed so scripts can emit logs, progress, or write output files.
	ExecFunc func(ctx context.Context, f *FakeEngine, args []string) error
}

// NewFakeEngine creates an empty fake engine
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{files: make(map[string][]byte)}
}

// Exec records the command and runs the scripted behavior
func (f *FakeEngine) Exec(ctx context.Context, args []string) error {
	f.mu.Lock()
	f.commands = append(f.commands, append([]string(nil), args...))
	fn := f.ExecFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, f, args)
	}
	return nil
}

// Commands returns every Exec invocation seen so far
func (f *FakeEngine) Commands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// WriteFile stores bytes in the in-memory file space
func (f *FakeEngine) WriteFile(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = append([]byte(nil), data...)
	return nil
}

// ReadFile reads from the in-memory file space
func (f *FakeEngine) ReadFile(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[name]
	if !ok {
		return nil, fmt.Errorf("reading %s: file does not exist", name)
	}
	return append([]byte(nil), data...), nil
}

// DeleteFile removes from the in-memory file space
func (f *FakeEngine) DeleteFile(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[name]; !ok {
		return fmt.Errorf("deleting %s: file does not exist", name)
	}
	delete(f.files, name)
	return nil
}

// HasFile reports whether name exists in the fake file space
func (f *FakeEngine) HasFile(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[name]
	return ok
}

// FileCount returns how many files the fake currently holds
func (f *FakeEngine) FileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

// SetLogHandler registers the diagnostic line sink
func (f *FakeEngine) SetLogHandler(fn func(LogLine)) {
	f.mu.Lock()
	f.logFn = fn
	f.mu.Unlock()
}

// SetProgressHandler registers the progress ratio sink
func (f *FakeEngine) SetProgressHandler(fn func(float64)) {
	f.mu.Lock()
	f.progressFn = fn
	f.mu.Unlock()
}

// EmitLog pushes a diagnostic line through the registered handler
func (f *FakeEngine) EmitLog(kind, message string) {
	f.mu.Lock()
	fn := f.logFn
	f.mu.Unlock()
	if fn != nil {
		fn(LogLine{Kind: kind, Message: message})
	}
}

// EmitProgress pushes a ratio through the registered handler
func (f *FakeEngine) EmitProgress(ratio float64) {
	f.mu.Lock()
	fn := f.progressFn
	f.mu.Unlock()
	if fn != nil {
		fn(ratio)
	}
}

// Close marks the fake closed
func (f *FakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called
func (f *FakeEngine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
