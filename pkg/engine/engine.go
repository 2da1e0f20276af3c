// Package engine defines the execution engine handle the conversion
// pipeline drives: command execution plus a private file space, with log
// and progress streams delivered through registered handlers.
package engine

import "context"

// LogLine is one diagnostic line emitted by the engine
type LogLine struct {
	Kind    string // "stdout" or "stderr"
	Message string
}

// Engine is the handle the orchestration layer drives. Implementations
// own a private file namespace; names are flat, not host paths.
type Engine interface {
	// Exec runs one engine command to completion
	Exec(ctx context.Context, args []string) error

	// WriteFile stages bytes into the engine's file space
	WriteFile(name string, data []byte) error

	// ReadFile reads a file from the engine's file space
	ReadFile(name string) ([]byte, error)

	// DeleteFile removes a file from the engine's file space
	DeleteFile(name string) error

	// SetLogHandler registers the sink for diagnostic lines. Passing nil
	// detaches the current handler.
	SetLogHandler(func(LogLine))

	// SetProgressHandler registers the sink for progress ratios in 0..1.
	// Passing nil detaches the current handler.
	SetProgressHandler(func(ratio float64))

	// Close tears the engine down and releases its file space
	Close() error
}

// DurationHinter is implemented by engines that derive progress ratios
// from elapsed media time and need to know the expected output duration.
type DurationHinter interface {
	HintDuration(seconds float64)
}
