package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// timePattern matches the running timestamp in ffmpeg stats lines,
// e.g. "frame=  120 fps= 30 ... time=00:00:04.00 bitrate=..."
var timePattern = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// FFmpegEngine runs a system ffmpeg binary inside a scratch directory
// that acts as the engine's private file space.
type FFmpegEngine struct {
	binary     string
	scratchDir string

	mu         sync.Mutex
	logFn      func(LogLine)
	progressFn func(float64)
	durationS  float64
}

// NewFFmpegEngine creates an engine around the given ffmpeg binary. An
// empty binary resolves "ffmpeg" from PATH. The scratch directory is
// created fresh and removed on Close.
func NewFFmpegEngine(binary string) (*FFmpegEngine, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("locating ffmpeg binary: %w", err)
	}

	dir, err := os.MkdirTemp("", "vidforge-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}

	return &FFmpegEngine{binary: resolved, scratchDir: dir}, nil
}

// SetLogHandler registers the diagnostic line sink
func (e *FFmpegEngine) SetLogHandler(fn func(LogLine)) {
	e.mu.Lock()
	e.logFn = fn
	e.mu.Unlock()
}

// SetProgressHandler registers the progress ratio sink
func (e *FFmpegEngine) SetProgressHandler(fn func(float64)) {
	e.mu.Lock()
	e.progressFn = fn
	e.mu.Unlock()
}

// HintDuration tells the engine the expected output duration in seconds,
// used to turn ffmpeg's running timestamp into a 0..1 ratio.
func (e *FFmpegEngine) HintDuration(seconds float64) {
	e.mu.Lock()
	e.durationS = seconds
	e.mu.Unlock()
}

// Exec runs one ffmpeg command to completion, streaming stderr lines to
// the log handler and derived ratios to the progress handler.
func (e *FFmpegEngine) Exec(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = e.scratchDir

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("attaching stderr: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attaching stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.scan(stderr, "stderr")
	}()
	go func() {
		defer wg.Done()
		e.scan(stdout, "stdout")
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			// the cause carries why the run was cut short, which a plain
			// ctx.Err() collapses to Canceled
			return fmt.Errorf("ffmpeg interrupted: %w", context.Cause(ctx))
		}
		return fmt.Errorf("ffmpeg exited: %w", err)
	}
	return nil
}

func (e *FFmpegEngine) scan(r interface{ Read([]byte) (int, error) }, kind string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		line := scanner.Text()
		e.emitLog(LogLine{Kind: kind, Message: line})

		if ratio, ok := e.parseProgress(line); ok {
			e.emitProgress(ratio)
		}
	}
}

// parseProgress extracts the running media timestamp from a stats line
// and converts it to a ratio against the hinted duration.
func (e *FFmpegEngine) parseProgress(line string) (float64, bool) {
	e.mu.Lock()
	duration := e.durationS
	e.mu.Unlock()
	if duration <= 0 {
		return 0, false
	}

	m := timePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	hours, _ := strconv.ParseFloat(m[1], 64)
	mins, _ := strconv.ParseFloat(m[2], 64)
	secs, _ := strconv.ParseFloat(m[3], 64)
	elapsed := hours*3600 + mins*60 + secs

	ratio := elapsed / duration
	if ratio > 1 {
		ratio = 1
	}
	return ratio, true
}

func (e *FFmpegEngine) emitLog(line LogLine) {
	e.mu.Lock()
	fn := e.logFn
	e.mu.Unlock()
	if fn != nil {
		fn(line)
	}
}

func (e *FFmpegEngine) emitProgress(ratio float64) {
	e.mu.Lock()
	fn := e.progressFn
	e.mu.Unlock()
	if fn != nil {
		fn(ratio)
	}
}

// WriteFile stages bytes into the scratch directory
func (e *FFmpegEngine) WriteFile(name string, data []byte) error {
	path, err := e.resolve(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// ReadFile reads a file from the scratch directory
func (e *FFmpegEngine) ReadFile(name string) ([]byte, error) {
	path, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// DeleteFile removes a file from the scratch directory
func (e *FFmpegEngine) DeleteFile(name string) error {
	path, err := e.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}

// resolve maps a flat engine file name onto the scratch directory,
// rejecting names that would escape it.
func (e *FFmpegEngine) resolve(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." || strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid engine file name %q", name)
	}
	return filepath.Join(e.scratchDir, clean), nil
}

// Close removes the scratch directory and all staged files
func (e *FFmpegEngine) Close() error {
	e.mu.Lock()
	e.logFn = nil
	e.progressFn = nil
	e.mu.Unlock()
	return os.RemoveAll(e.scratchDir)
}
