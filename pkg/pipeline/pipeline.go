// Package pipeline is the conversion orchestrator. It owns the component
// graph: lifecycle manager, resource cache, stall supervisor, encoder,
// strategy registry, and history store, and sequences one conversion at a
// time through them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vidforge/vidforge/pkg/cache"
	"github.com/vidforge/vidforge/pkg/encoder"
	"github.com/vidforge/vidforge/pkg/engine"
	"github.com/vidforge/vidforge/pkg/history"
	"github.com/vidforge/vidforge/pkg/lifecycle"
	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/metrics"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/strategy"
	"github.com/vidforge/vidforge/pkg/supervisor"
)

// Config aggregates per-component configuration
type Config struct {
	History    history.Config
	Strategy   strategy.Config
	Cache      cache.Config
	Supervisor supervisor.Config
	Lifecycle  lifecycle.Config

	// MatrixOverrides replace default strategy matrix rows
	MatrixOverrides []models.CodecPathPreference
	// EngineFactory overrides how the engine is constructed; defaults to
	// the local ffmpeg binary
	EngineFactory lifecycle.EngineFactory
}

// Request is one conversion of a staged-or-fresh input file
type Request struct {
	// Input is the source file to stage into the engine
	Input cache.Input
	// Meta skips probing when the caller already knows the input; probed
	// from the input when nil
	Meta *models.VideoMetadata
	// Options select quality tier, frame rate, and output width
	Options encoder.Options
	// OnProgress receives throttled percentages for this conversion
	OnProgress func(pct float64)
}

// Result carries the output and the run's bookkeeping
type Result struct {
	Data     []byte
	Decision strategy.Decision
	Meta     *models.VideoMetadata
	Duration time.Duration
}

// Pipeline sequences conversions. At most one runs at a time; a second
// request while one is in flight fails with ErrConversionInProgress.
type Pipeline struct {
	cfg  Config
	caps *models.Capabilities
	log  *logging.Logger
	rec  *metrics.Recorder

	mgr  *lifecycle.Manager
	sup  *supervisor.Supervisor
	hist *history.Store
	reg  *strategy.Registry

	mu        sync.Mutex
	busy      bool
	cancelRun context.CancelCauseFunc
	onRunPct  func(pct float64)
	res       *cache.Cache
	enc       *encoder.Encoder
	engHandle engine.Engine
}

// New wires the component graph. snapshot may be nil for a purely
// in-memory history.
func New(env models.Environment, caps *models.Capabilities, cfg Config, snapshot history.SnapshotStore, rec *metrics.Recorder, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.EngineFactory == nil {
		cfg.EngineFactory = func() (engine.Engine, error) {
			return engine.NewFFmpegEngine("")
		}
	}

	hist := history.NewStore(cfg.History, snapshot, log)
	p := &Pipeline{
		cfg:  cfg,
		caps: caps,
		log:  log,
		rec:  rec,
		mgr:  lifecycle.NewManager(env, cfg.EngineFactory, cfg.Lifecycle, log),
		sup:  supervisor.New(cfg.Supervisor, log),
		hist: hist,
		reg:  strategy.NewRegistry(cfg.Strategy, hist, cfg.MatrixOverrides, log),
	}

	// every engine event doubles as a liveness signal for the watchdog
	p.mgr.SetLogTap(func(engine.LogLine) { p.sup.NoteLog() })
	p.mgr.SetProgressTap(func(float64) { p.sup.NoteProgress() })
	return p
}

// History exposes the pipeline's history store
func (p *Pipeline) History() *history.Store { return p.hist }

// Registry exposes the pipeline's strategy registry
func (p *Pipeline) Registry() *strategy.Registry { return p.reg }

// Manager exposes the pipeline's lifecycle manager
func (p *Pipeline) Manager() *lifecycle.Manager { return p.mgr }

// Initialize brings the engine up. Safe to call repeatedly; concurrent
// calls share one initialization.
func (p *Pipeline) Initialize(ctx context.Context, onProgress func(pct float64), onStatus func(status string)) error {
	return p.mgr.Initialize(ctx, p.relayProgress(onProgress), onStatus)
}

// relayProgress fans a manager progress callback out to both the caller's
// global sink and the per-conversion sink, when either is set.
func (p *Pipeline) relayProgress(global func(pct float64)) func(pct float64) {
	return func(pct float64) {
		if global != nil {
			global(pct)
		}
		p.mu.Lock()
		fn := p.onRunPct
		p.mu.Unlock()
		if fn != nil {
			fn(pct)
		}
	}
}

// PrefetchAssets warms the engine asset cache from the configured mirrors
func (p *Pipeline) PrefetchAssets(ctx context.Context) error {
	return p.mgr.Prefetch(ctx)
}

// VideoMetadata stages the input if needed and probes its streams
func (p *Pipeline) VideoMetadata(ctx context.Context, in cache.Input) (*models.VideoMetadata, error) {
	res, _, err := p.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	name, err := res.EnsureInputStaged(ctx, in)
	if err != nil {
		return nil, err
	}
	return p.mgr.ProbeMetadata(ctx, name)
}

// ConvertToGIF converts the input to an animated GIF
func (p *Pipeline) ConvertToGIF(ctx context.Context, req Request) (*Result, error) {
	return p.convert(ctx, models.FormatGIF, req)
}

// ConvertToWebP converts the input to an animated WebP
func (p *Pipeline) ConvertToWebP(ctx context.Context, req Request) (*Result, error) {
	return p.convert(ctx, models.FormatWebP, req)
}

// convert is the orchestration spine shared by both formats. The lock
// release and supervisor stop are unconditional; every exit path runs
// them.
func (p *Pipeline) convert(ctx context.Context, format models.Format, req Request) (*Result, error) {
	if err := p.acquire(req.OnProgress); err != nil {
		return nil, err
	}
	defer p.release()
	defer p.sup.Stop()

	res, enc, err := p.ensureReady(ctx)
	if err != nil {
		return nil, err
	}

	name, err := res.EnsureInputStaged(ctx, req.Input)
	if err != nil {
		return nil, fmt.Errorf("staging input: %w", err)
	}

	meta := req.Meta
	if meta == nil {
		meta, err = p.mgr.ProbeMetadata(ctx, name)
		if err != nil {
			// conversion can proceed without metadata; the strategy falls
			// to heuristics and the watchdog to its base timeout
			p.log.Warn("metadata probe failed", map[string]interface{}{"error": err.Error()})
			meta = &models.VideoMetadata{}
		}
	}

	decision := p.reg.Strategy(meta.Codec, format, meta.Container, p.caps)
	p.rec.ObserveDecision(decision.Source, decision.Path)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.setCancel(cancel)
	defer p.setCancel(nil)

	p.sup.Start(supervisor.RunInfo{
		DurationMs: meta.DurationMs,
		Width:      meta.Width,
		Height:     meta.Height,
		Quality:    req.Options.Quality,
	}, func(reason string) {
		p.rec.ObserveStall()
		cancel(fmt.Errorf("%w: %s", encoder.ErrStalled, reason))
	})

	encReq := encoder.Request{
		InputName:  name,
		Meta:       meta,
		Options:    req.Options,
		OnProgress: p.relayProgress(nil),
	}

	start := time.Now()
	var data []byte
	switch format {
	case models.FormatGIF:
		data, err = enc.EncodeGIF(runCtx, encReq)
	case models.FormatWebP:
		data, err = enc.EncodeWebP(runCtx, encReq)
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	elapsed := time.Since(start)

	p.recordOutcome(meta.Codec, format, decision.Path, elapsed, err)
	p.rec.ObserveConversion(format, decision.Path, err == nil, elapsed.Seconds(), len(data))

	if err != nil {
		return nil, err
	}
	res.ShortenInputTTL()
	return &Result{Data: data, Decision: decision, Meta: meta, Duration: elapsed}, nil
}

// FrameSequenceRequest encodes caller-supplied stills
type FrameSequenceRequest struct {
	Frames     [][]byte
	FrameRate  int
	Format     models.Format
	Options    encoder.Options
	OnProgress func(pct float64)
}

// EncodeFrameSequence encodes stills to an animated output. Frame encodes
// always run on the portable path; no strategy query or history record is
// involved.
func (p *Pipeline) EncodeFrameSequence(ctx context.Context, req FrameSequenceRequest) ([]byte, error) {
	if err := p.acquire(req.OnProgress); err != nil {
		return nil, err
	}
	defer p.release()
	defer p.sup.Stop()

	_, enc, err := p.ensureReady(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.setCancel(cancel)
	defer p.setCancel(nil)

	frameRate := req.FrameRate
	if frameRate <= 0 {
		frameRate = 12
	}
	p.sup.Start(supervisor.RunInfo{
		DurationMs: int64(len(req.Frames)) * 1000 / int64(frameRate),
		Quality:    req.Options.Quality,
	}, func(reason string) {
		p.rec.ObserveStall()
		cancel(fmt.Errorf("%w: %s", encoder.ErrStalled, reason))
	})

	start := time.Now()
	data, err := enc.EncodeFrameSequence(runCtx, encoder.FrameSequenceRequest{
		Frames:     req.Frames,
		FrameRate:  frameRate,
		Format:     req.Format,
		Options:    req.Options,
		OnProgress: p.relayProgress(nil),
	})
	p.rec.ObserveConversion(req.Format, models.PathCPU, err == nil, time.Since(start).Seconds(), len(data))
	return data, err
}

// Cancel requests a cooperative stop of the in-flight conversion. The
// encoder honors it at its next checkpoint; an idle pipeline ignores it.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	cancel := p.cancelRun
	p.mu.Unlock()
	if cancel != nil {
		cancel(encoder.ErrCancelled)
	}
}

// Terminate tears the engine down and clears all per-engine state
func (p *Pipeline) Terminate() {
	p.Cancel()
	p.sup.ForceCleanup()
	p.mgr.Terminate()

	p.mu.Lock()
	if p.res != nil {
		p.res.Reset()
	}
	p.engHandle = nil
	p.res = nil
	p.enc = nil
	p.mu.Unlock()
}

// RecentLogs returns the bounded engine diagnostic buffer, oldest first
func (p *Pipeline) RecentLogs() []string {
	return p.mgr.RecentLogs()
}

// Strategy answers a path query without converting anything
func (p *Pipeline) Strategy(codec string, format models.Format, container string) strategy.Decision {
	return p.reg.Strategy(codec, format, container, p.caps)
}

// StrategyReasoning answers a path query with the full rule trace
func (p *Pipeline) StrategyReasoning(codec string, format models.Format, container string) (strategy.Decision, []strategy.Consideration) {
	return p.reg.Reasoning(codec, format, container, p.caps)
}

// RecordOutcome feeds an externally observed conversion result into the
// history store.
func (p *Pipeline) RecordOutcome(rec models.ConversionRecord) {
	p.hist.Record(rec)
}

func (p *Pipeline) recordOutcome(codec string, format models.Format, path models.Path, elapsed time.Duration, convErr error) {
	rec := models.ConversionRecord{
		Codec:      codec,
		Format:     format,
		Path:       path,
		DurationMs: elapsed.Milliseconds(),
		Success:    convErr == nil,
		Timestamp:  time.Now(),
	}
	if convErr != nil {
		rec.ErrorMessage = truncateError(convErr.Error())
		var ce *encoder.ConversionError
		if errors.As(convErr, &ce) {
			rec.FailurePhase = ce.Phase
		} else {
			rec.FailurePhase = models.FailureOther
		}
	}
	p.hist.Record(rec)
}

// maxErrorMessageLen bounds what one failed conversion can add to the
// persisted history snapshot.
const maxErrorMessageLen = 256

func truncateError(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	return msg[:maxErrorMessageLen]
}

func (p *Pipeline) acquire(onProgress func(pct float64)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return encoder.ErrConversionInProgress
	}
	p.busy = true
	p.onRunPct = onProgress
	return nil
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.busy = false
	p.onRunPct = nil
	p.mu.Unlock()
}

func (p *Pipeline) setCancel(cancel context.CancelCauseFunc) {
	p.mu.Lock()
	p.cancelRun = cancel
	p.mu.Unlock()
}

// ensureReady initializes the engine if needed and rebinds the cache and
// encoder whenever the engine handle changes across a terminate and
// re-initialize cycle. Callers use the returned handles, never the
// fields: a concurrent Terminate nils the fields at any time.
func (p *Pipeline) ensureReady(ctx context.Context) (*cache.Cache, *encoder.Encoder, error) {
	if !p.mgr.Ready() {
		if err := p.mgr.Initialize(ctx, p.relayProgress(nil), nil); err != nil {
			return nil, nil, err
		}
	}
	eng, err := p.mgr.Engine()
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	if p.engHandle != eng {
		p.engHandle = eng
		p.res = cache.New(eng, p.cfg.Cache, p.log)
		p.enc = encoder.New(p.mgr, p.res, p.sup, p.log)
	}
	res, enc := p.res, p.enc
	p.mu.Unlock()
	return res, enc, nil
}
