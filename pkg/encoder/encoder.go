// Package encoder builds and runs the format-specific engine command
// sequences: the two-pass GIF palette pipeline, the single-pass WebP
// pipeline, and the frame-sequence variants of both.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vidforge/vidforge/pkg/cache"
	"github.com/vidforge/vidforge/pkg/engine"
	"github.com/vidforge/vidforge/pkg/lifecycle"
	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/supervisor"
)

const (
	defaultFPS   = 12
	defaultWidth = 480

	paletteName = "palette.png"
)

// Options control one encode run
type Options struct {
	Quality models.QualityTier
	FPS     int
	Width   int
}

func (o Options) withDefaults() Options {
	if o.Quality == "" {
		o.Quality = models.QualityMedium
	}
	if o.FPS <= 0 {
		o.FPS = defaultFPS
	}
	if o.Width <= 0 {
		o.Width = defaultWidth
	}
	return o
}

// Request is one video-sourced encode
type Request struct {
	// InputName is the staged engine file name of the source video
	InputName string
	// Meta sizes heartbeat estimates and progress ratios; optional
	Meta *models.VideoMetadata
	// Options select the quality tier parameters
	Options Options
	// OnProgress receives synthetic progress from heartbeat phases
	OnProgress func(pct float64)
}

// FrameSequenceRequest encodes pre-staged still frames instead of
// decoding a video container.
type FrameSequenceRequest struct {
	// Frames are encoded stills (PNG), in order
	Frames [][]byte
	// FrameRate is the playback rate of the sequence
	FrameRate int
	// Format selects gif or webp output
	Format models.Format
	// Options select the quality tier parameters
	Options Options
	// OnProgress receives synthetic progress from heartbeat phases
	OnProgress func(pct float64)
}

// Encoder runs one conversion at a time under its own single-flight
// lock. A second call while one is in flight fails immediately with
// ErrConversionInProgress.
type Encoder struct {
	mgr *lifecycle.Manager
	res *cache.Cache
	sup *supervisor.Supervisor
	log *logging.Logger

	mu   sync.Mutex
	busy bool
}

// New creates an encoder over the lifecycle manager, resource cache, and
// supervisor.
func New(mgr *lifecycle.Manager, res *cache.Cache, sup *supervisor.Supervisor, log *logging.Logger) *Encoder {
	if log == nil {
		log = logging.Nop()
	}
	return &Encoder{mgr: mgr, res: res, sup: sup, log: log}
}

// Busy reports whether a conversion is currently in flight
func (e *Encoder) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

func (e *Encoder) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return ErrConversionInProgress
	}
	e.busy = true
	return nil
}

func (e *Encoder) release() {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
}

// checkpoint is a cooperative cancellation point between engine commands.
// A cancellation cause set by the caller, such as a watchdog stall, passes
// through untouched; a plain context cancellation reads as a user cancel.
func (e *Encoder) checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
}

// EncodeGIF runs the two-pass palette pipeline: palette generation with a
// tier-capped color count, then palette application with the tier's
// dithering algorithm.
func (e *Encoder) EncodeGIF(ctx context.Context, req Request) ([]byte, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	opts := req.Options.withDefaults()
	data, err := e.encodeGIF(ctx, req, opts)
	if err != nil {
		return nil, e.wrap(err, opts)
	}
	return data, nil
}

func (e *Encoder) encodeGIF(ctx context.Context, req Request, opts Options) ([]byte, error) {
	eng, err := e.mgr.Engine()
	if err != nil {
		return nil, err
	}
	e.hintDuration(eng, req.Meta)
	preset := gifPresetFor(opts.Quality)

	const output = "output.gif"
	scale := fmt.Sprintf("fps=%d,scale=%d:-1:flags=lanczos", opts.FPS, opts.Width)

	// Pass 1: palette generation. The engine emits no granular progress
	// here, so a heartbeat interpolates the first span of the bar.
	hb := e.startHeartbeat(0, 45, req.Meta, req.OnProgress)
	paletteArgs := []string{
		"-y", "-i", req.InputName,
		"-vf", fmt.Sprintf("%s,palettegen=max_colors=%d", scale, preset.MaxColors),
		paletteName,
	}
	err = eng.Exec(ctx, paletteArgs)
	hb.Stop()
	if err != nil {
		return nil, fmt.Errorf("palette generation: %w", err)
	}
	e.res.Track(paletteName)

	if err := e.checkpoint(ctx); err != nil {
		e.res.CleanupAfterConversion("", paletteName)
		return nil, err
	}

	// Pass 2: palette application with the tier's dither
	useArgs := []string{
		"-y", "-i", req.InputName, "-i", paletteName,
		"-lavfi", fmt.Sprintf("%s[x];[x][1:v]paletteuse=dither=%s", scale, preset.Dither),
		output,
	}
	if err := eng.Exec(ctx, useArgs); err != nil {
		e.res.CleanupAfterConversion(output, paletteName)
		return nil, fmt.Errorf("palette application: %w", err)
	}
	e.res.Track(output)

	return e.collect(eng, output, models.FormatGIF, paletteName)
}

// EncodeWebP runs the single-pass WebP pipeline with the tier's quality,
// compression, and method parameters.
func (e *Encoder) EncodeWebP(ctx context.Context, req Request) ([]byte, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	opts := req.Options.withDefaults()
	data, err := e.encodeWebP(ctx, req, opts)
	if err != nil {
		return nil, e.wrap(err, opts)
	}
	return data, nil
}

func (e *Encoder) encodeWebP(ctx context.Context, req Request, opts Options) ([]byte, error) {
	eng, err := e.mgr.Engine()
	if err != nil {
		return nil, err
	}
	e.hintDuration(eng, req.Meta)
	preset := webpPresetFor(opts.Quality)

	const output = "output.webp"
	args := []string{
		"-y", "-i", req.InputName,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:-1:flags=lanczos", opts.FPS, opts.Width),
		"-c:v", "libwebp",
		"-q:v", fmt.Sprintf("%d", preset.Quality),
		"-compression_level", fmt.Sprintf("%d", preset.CompressionLevel),
		"-preset", preset.Preset,
		"-loop", "0",
		"-an",
		output,
	}
	if err := eng.Exec(ctx, args); err != nil {
		e.res.CleanupAfterConversion(output)
		return nil, fmt.Errorf("webp encode: %w", err)
	}
	e.res.Track(output)

	return e.collect(eng, output, models.FormatWebP)
}

// EncodeFrameSequence encodes pre-staged stills. Animated GIF output
// needs at least two frames; WebP accepts a single frame.
func (e *Encoder) EncodeFrameSequence(ctx context.Context, req FrameSequenceRequest) ([]byte, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	opts := req.Options.withDefaults()
	data, err := e.encodeFrames(ctx, req, opts)
	if err != nil {
		return nil, e.wrap(err, opts)
	}
	return data, nil
}

func (e *Encoder) encodeFrames(ctx context.Context, req FrameSequenceRequest, opts Options) ([]byte, error) {
	switch req.Format {
	case models.FormatGIF:
		if len(req.Frames) < 2 {
			return nil, fmt.Errorf("animated gif needs at least 2 frames, got %d", len(req.Frames))
		}
	case models.FormatWebP:
		if len(req.Frames) < 1 {
			return nil, fmt.Errorf("webp needs at least 1 frame, got %d", len(req.Frames))
		}
	default:
		return nil, fmt.Errorf("frame sequence cannot target format %q", req.Format)
	}

	eng, err := e.mgr.Engine()
	if err != nil {
		return nil, err
	}

	frameRate := req.FrameRate
	if frameRate <= 0 {
		frameRate = defaultFPS
	}

	frameNames := make([]string, len(req.Frames))
	for i, frame := range req.Frames {
		name := fmt.Sprintf("frame_%05d.png", i)
		if err := eng.WriteFile(name, frame); err != nil {
			e.res.CleanupAfterConversion("", frameNames[:i]...)
			return nil, fmt.Errorf("staging frame %d: %w", i, err)
		}
		e.res.Track(name)
		frameNames[i] = name
	}

	if err := e.checkpoint(ctx); err != nil {
		e.res.CleanupAfterConversion("", frameNames...)
		return nil, err
	}

	input := []string{"-y", "-framerate", fmt.Sprintf("%d", frameRate), "-i", "frame_%05d.png"}
	seqMeta := &models.VideoMetadata{
		DurationMs: int64(len(req.Frames)) * 1000 / int64(frameRate),
	}

	var output string
	switch req.Format {
	case models.FormatGIF:
		preset := gifPresetFor(opts.Quality)
		output = "output.gif"

		hb := e.startHeartbeat(0, 45, seqMeta, req.OnProgress)
		paletteArgs := append(append([]string{}, input...),
			"-vf", fmt.Sprintf("palettegen=max_colors=%d", preset.MaxColors),
			paletteName,
		)
		err := eng.Exec(ctx, paletteArgs)
		hb.Stop()
		if err != nil {
			e.res.CleanupAfterConversion("", frameNames...)
			return nil, fmt.Errorf("palette generation: %w", err)
		}
		e.res.Track(paletteName)

		if err := e.checkpoint(ctx); err != nil {
			e.res.CleanupAfterConversion("", append(frameNames, paletteName)...)
			return nil, err
		}

		hb = e.startHeartbeat(45, 95, seqMeta, req.OnProgress)
		useArgs := append(append([]string{}, input...),
			"-i", paletteName,
			"-lavfi", fmt.Sprintf("[0:v][1:v]paletteuse=dither=%s", preset.Dither),
			output,
		)
		err = eng.Exec(ctx, useArgs)
		hb.Stop()
		if err != nil {
			e.res.CleanupAfterConversion(output, append(frameNames, paletteName)...)
			return nil, fmt.Errorf("palette application: %w", err)
		}
	case models.FormatWebP:
		preset := webpPresetFor(opts.Quality)
		output = "output.webp"

		hb := e.startHeartbeat(0, 95, seqMeta, req.OnProgress)
		args := append(append([]string{}, input...),
			"-c:v", "libwebp",
			"-q:v", fmt.Sprintf("%d", preset.Quality),
			"-compression_level", fmt.Sprintf("%d", preset.CompressionLevel),
			"-preset", preset.Preset,
			"-loop", "0",
			output,
		)
		err := eng.Exec(ctx, args)
		hb.Stop()
		if err != nil {
			e.res.CleanupAfterConversion(output, frameNames...)
			return nil, fmt.Errorf("webp encode: %w", err)
		}
	}
	e.res.Track(output)

	return e.collect(eng, output, req.Format, append(frameNames, intermediatesFor(req.Format)...)...)
}

// collect reads the output, validates it, and cleans up the output and
// intermediates. Output bytes survive the cleanup; cleanup failures never
// affect the result.
func (e *Encoder) collect(eng engine.Engine, output string, format models.Format, intermediates ...string) ([]byte, error) {
	data, err := eng.ReadFile(output)
	if err != nil {
		e.res.CleanupAfterConversion(output, intermediates...)
		return nil, fmt.Errorf("reading output: %w", err)
	}

	e.res.CleanupAfterConversion(output, intermediates...)

	if v := cache.ValidateOutput(data, format); !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOutput, v.Reason)
	}
	return data, nil
}

func intermediatesFor(format models.Format) []string {
	if format == models.FormatGIF {
		return []string{paletteName}
	}
	return nil
}

// startHeartbeat wires a synthetic progress phase to both the caller's
// progress sink and the supervisor, so the watchdog treats interpolated
// progress as liveness during passes the engine is silent about.
func (e *Encoder) startHeartbeat(start, end float64, meta *models.VideoMetadata, onProgress func(pct float64)) *supervisor.Heartbeat {
	estimate := 3 * time.Second
	if meta != nil && meta.DurationMs > 0 {
		estimate = time.Duration(meta.DurationMs) * time.Millisecond / 2
		if estimate < 2*time.Second {
			estimate = 2 * time.Second
		}
	}

	return supervisor.StartHeartbeat(supervisor.HeartbeatConfig{
		Start:    start,
		End:      end,
		Estimate: estimate,
	}, func(pct float64) {
		if e.sup != nil {
			e.sup.NoteProgress()
		}
		if onProgress != nil {
			onProgress(pct)
		}
	})
}

func (e *Encoder) hintDuration(eng engine.Engine, meta *models.VideoMetadata) {
	if meta == nil || meta.DurationMs <= 0 {
		return
	}
	if h, ok := eng.(engine.DurationHinter); ok {
		h.HintDuration(float64(meta.DurationMs) / 1000)
	}
}

// wrap attaches a classification unless the error is already classified
// or is the concurrency rejection.
func (e *Encoder) wrap(err error, opts Options) error {
	if err == nil {
		return nil
	}
	var ce *ConversionError
	if errors.As(err, &ce) {
		return err
	}

	var recent []string
	if e.mgr != nil {
		recent = e.mgr.RecentLogs()
	}
	classified := Classify(err, opts, recent)
	e.log.Debug("conversion failure classified", map[string]interface{}{
		"class": string(classified.Class),
		"phase": string(classified.Phase),
	})
	return classified
}
