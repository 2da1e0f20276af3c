package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vidforge/vidforge/pkg/cache"
	"github.com/vidforge/vidforge/pkg/encoder"
	"github.com/vidforge/vidforge/pkg/engine"
	"github.com/vidforge/vidforge/pkg/models"
)

func fullCaps() *models.Capabilities {
	return &models.Capabilities{
		H264: true, HEVC: true, VP8: true, VP9: true,
		GIFEncoder: true, WebPEncoder: true,
		HardwareAccel: true, CPUCores: 8,
	}
}

func usableEnv() models.Environment {
	return models.Environment{SharedMemory: true, MultiThreaded: true}
}

func validGIF() []byte {
	data := make([]byte, 256)
	copy(data, []byte("GIF89a"))
	return data
}

func validWebP() []byte {
	data := make([]byte, 128)
	copy(data, []byte("RIFF"))
	copy(data[8:], []byte("WEBP"))
	return data
}

func scriptGIF(f *engine.FakeEngine) {
	f.ExecFunc = func(_ context.Context, f *engine.FakeEngine, args []string) error {
		joined := strings.Join(args, " ")
		if strings.Contains(joined, "palettegen") {
			return f.WriteFile("palette.png", []byte("png"))
		}
		return f.WriteFile("output.gif", validGIF())
	}
}

// newTestPipeline wires a pipeline over a fake engine factory. script, if
// non-nil, is applied to every fake the factory constructs, so engines
// created by a later re-initialize behave the same way. The returned
// pointer always holds the most recently constructed fake.
func newTestPipeline(t *testing.T, cfg Config, script func(*engine.FakeEngine)) (*Pipeline, *atomic.Pointer[engine.FakeEngine]) {
	t.Helper()
	current := new(atomic.Pointer[engine.FakeEngine])
	cfg.EngineFactory = func() (engine.Engine, error) {
		fake := engine.NewFakeEngine()
		if script != nil {
			script(fake)
		}
		current.Store(fake)
		return fake, nil
	}
	p := New(usableEnv(), fullCaps(), cfg, nil, nil, nil)
	if err := p.Initialize(context.Background(), nil, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p, current
}

func h264Meta() *models.VideoMetadata {
	return &models.VideoMetadata{
		Codec: "h264", Container: "mp4",
		Width: 1280, Height: 720, DurationMs: 4000,
	}
}

func TestConvertToGIFEndToEnd(t *testing.T) {
	p, fake := newTestPipeline(t, Config{}, scriptGIF)

	res, err := p.ConvertToGIF(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video"), ModTime: time.Now()},
		Meta:  h264Meta(),
	})
	if err != nil {
		t.Fatalf("ConvertToGIF: %v", err)
	}
	if !bytes.HasPrefix(res.Data, []byte("GIF89a")) {
		t.Errorf("result is not a GIF")
	}
	if res.Decision.Path != models.PathGPU || res.Decision.Confidence != models.ConfidenceHigh {
		t.Errorf("decision = %+v, want gpu/high", res.Decision)
	}

	// the staged input fed both passes
	cmds := fake.Load().Commands()
	if len(cmds) != 2 {
		t.Fatalf("command count = %d, want 2", len(cmds))
	}
	if got := strings.Join(cmds[0], " "); !strings.Contains(got, "-i input.mp4") {
		t.Errorf("pass 1 does not read the staged input: %s", got)
	}

	recs := p.History().History("h264", models.FormatGIF)
	if len(recs) != 1 || !recs[0].Success || recs[0].Path != models.PathGPU {
		t.Errorf("history after success = %+v", recs)
	}
}

func TestSecondConvertRejected(t *testing.T) {
	p, fake := newTestPipeline(t, Config{}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	fake.Load().ExecFunc = func(_ context.Context, f *engine.FakeEngine, args []string) error {
		joined := strings.Join(args, " ")
		if strings.Contains(joined, "palettegen") {
			close(started)
			<-release
			return f.WriteFile("palette.png", []byte("png"))
		}
		return f.WriteFile("output.gif", validGIF())
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.ConvertToGIF(context.Background(), Request{
			Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
			Meta:  h264Meta(),
		})
		done <- err
	}()

	<-started
	_, err := p.ConvertToWebP(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:  h264Meta(),
	})
	if !errors.Is(err, encoder.ErrConversionInProgress) {
		t.Errorf("second convert error = %v, want ErrConversionInProgress", err)
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first conversion failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first conversion did not finish")
	}
}

func TestConvertFailureRecordedInHistory(t *testing.T) {
	p, fake := newTestPipeline(t, Config{}, nil)
	fake.Load().ExecFunc = func(_ context.Context, _ *engine.FakeEngine, _ []string) error {
		return errors.New("Invalid data found when processing input")
	}

	_, err := p.ConvertToGIF(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:  h264Meta(),
	})
	if err == nil {
		t.Fatal("conversion succeeded, want failure")
	}
	var ce *encoder.ConversionError
	if !errors.As(err, &ce) || ce.Class != encoder.ClassCorrupt {
		t.Errorf("classification = %v, want %s", err, encoder.ClassCorrupt)
	}

	recs := p.History().History("h264", models.FormatGIF)
	if len(recs) != 1 || recs[0].Success {
		t.Fatalf("history after failure = %+v", recs)
	}
	if recs[0].FailurePhase != models.FailureDecode {
		t.Errorf("failure phase = %s, want decode", recs[0].FailurePhase)
	}

	// the pipeline is idle again
	if _, err := p.ConvertToGIF(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:  h264Meta(),
	}); errors.Is(err, encoder.ErrConversionInProgress) {
		t.Error("pipeline still locked after failed conversion")
	}
}

func TestFailureMessageTruncatedInHistory(t *testing.T) {
	p, fake := newTestPipeline(t, Config{}, nil)
	fake.Load().ExecFunc = func(_ context.Context, _ *engine.FakeEngine, _ []string) error {
		return errors.New("Invalid data found: " + strings.Repeat("x", 4096))
	}

	_, err := p.ConvertToGIF(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:  h264Meta(),
	})
	if err == nil {
		t.Fatal("conversion succeeded, want failure")
	}

	recs := p.History().All()
	if len(recs) != 1 {
		t.Fatalf("history length = %d, want 1", len(recs))
	}
	if got := len(recs[0].ErrorMessage); got > 256 {
		t.Errorf("stored error message is %d bytes, want at most 256", got)
	}
	if recs[0].ErrorMessage == "" {
		t.Error("stored error message is empty")
	}
}

func TestCancelMidConversion(t *testing.T) {
	p, fake := newTestPipeline(t, Config{}, nil)
	fake.Load().ExecFunc = func(_ context.Context, f *engine.FakeEngine, args []string) error {
		// cancel lands during pass 1; the checkpoint stops pass 2
		p.Cancel()
		return f.WriteFile("palette.png", []byte("png"))
	}

	_, err := p.ConvertToGIF(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:  h264Meta(),
	})
	if !errors.Is(err, encoder.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if got := len(fake.Load().Commands()); got != 1 {
		t.Errorf("commands run = %d, want 1", got)
	}
}

func TestWatchdogStallSurfacesAsStalled(t *testing.T) {
	cfg := Config{}
	cfg.Supervisor.CheckInterval = 10 * time.Millisecond
	cfg.Supervisor.BaseTimeout = time.Millisecond
	cfg.Supervisor.MaxTimeout = 5 * time.Millisecond
	p, fake := newTestPipeline(t, cfg, nil)
	fake.Load().ExecFunc = func(ctx context.Context, _ *engine.FakeEngine, _ []string) error {
		select {
		case <-ctx.Done():
			// the wrapping shape the ffmpeg engine produces on a kill
			return fmt.Errorf("ffmpeg interrupted: %w", context.Cause(ctx))
		case <-time.After(5 * time.Second):
			return errors.New("should have been terminated")
		}
	}

	_, err := p.ConvertToGIF(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:  h264Meta(),
	})
	if !errors.Is(err, encoder.ErrStalled) {
		t.Fatalf("error = %v, want ErrStalled", err)
	}
	var ce *encoder.ConversionError
	if !errors.As(err, &ce) || ce.Class != encoder.ClassStalled {
		t.Errorf("classification = %v, want %s", err, encoder.ClassStalled)
	}
}

func TestTerminateThenConvertRebindsEngine(t *testing.T) {
	p, fake := newTestPipeline(t, Config{}, scriptGIF)
	first := fake.Load()

	if _, err := p.ConvertToGIF(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:  h264Meta(),
	}); err != nil {
		t.Fatalf("first conversion: %v", err)
	}

	p.Terminate()
	if !first.Closed() {
		t.Error("engine not closed on terminate")
	}

	// the next conversion re-initializes against a fresh engine
	_, err := p.ConvertToGIF(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:  h264Meta(),
	})
	if err != nil {
		t.Fatalf("conversion after terminate: %v", err)
	}
	second := fake.Load()
	if second == first {
		t.Fatal("engine was not reconstructed after terminate")
	}
	if !second.HasFile("input.mp4") {
		t.Error("input not restaged into the new engine")
	}
}

func TestTerminateDuringConversion(t *testing.T) {
	p, fake := newTestPipeline(t, Config{}, scriptGIF)
	entered := make(chan struct{})
	fake.Load().ExecFunc = func(ctx context.Context, _ *engine.FakeEngine, _ []string) error {
		close(entered)
		<-ctx.Done()
		return fmt.Errorf("ffmpeg interrupted: %w", context.Cause(ctx))
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.ConvertToGIF(context.Background(), Request{
			Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
			Meta:  h264Meta(),
		})
		done <- err
	}()

	<-entered
	p.Terminate()

	select {
	case err := <-done:
		if !errors.Is(err, encoder.ErrCancelled) {
			t.Errorf("error = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("conversion did not return after terminate")
	}

	// the pipeline recovers into a working state on a fresh engine
	if _, err := p.ConvertToGIF(context.Background(), Request{
		Input: cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:  h264Meta(),
	}); err != nil {
		t.Fatalf("conversion after terminate: %v", err)
	}
}

func TestEncodeFrameSequenceWebP(t *testing.T) {
	p, fake := newTestPipeline(t, Config{}, nil)
	fake.Load().ExecFunc = func(_ context.Context, f *engine.FakeEngine, _ []string) error {
		return f.WriteFile("output.webp", validWebP())
	}

	data, err := p.EncodeFrameSequence(context.Background(), FrameSequenceRequest{
		Frames: [][]byte{[]byte("still")},
		Format: models.FormatWebP,
	})
	if err != nil {
		t.Fatalf("EncodeFrameSequence: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Errorf("result is not a WebP")
	}
}

func TestStrategyQuerySurface(t *testing.T) {
	p, _ := newTestPipeline(t, Config{}, nil)

	d := p.Strategy("h264", models.FormatGIF, "mp4")
	if d.Path != models.PathGPU {
		t.Errorf("h264/gif path = %s, want gpu", d.Path)
	}

	d2, trace := p.StrategyReasoning("h264", models.FormatGIF, "mp4")
	if d2 != d {
		t.Errorf("Reasoning decision %+v != Strategy decision %+v", d2, d)
	}
	if len(trace) == 0 {
		t.Error("reasoning trace is empty")
	}
}

func TestRecordOutcomeFeedsHistory(t *testing.T) {
	p, _ := newTestPipeline(t, Config{}, nil)

	p.RecordOutcome(models.ConversionRecord{
		Codec: "avc", Format: models.FormatWebP, Path: models.PathCPU,
		DurationMs: 1500, Success: true, Timestamp: time.Now(),
	})
	if got := p.History().History("h264", models.FormatWebP); len(got) != 1 {
		t.Errorf("recorded outcome not visible under normalized codec, got %d records", len(got))
	}
}

func TestProgressRelayReachesCaller(t *testing.T) {
	p, fake := newTestPipeline(t, Config{}, nil)
	fake.Load().ExecFunc = func(_ context.Context, f *engine.FakeEngine, args []string) error {
		joined := strings.Join(args, " ")
		if strings.Contains(joined, "palettegen") {
			return f.WriteFile("palette.png", []byte("png"))
		}
		f.EmitProgress(0.5)
		f.EmitProgress(1.0)
		return f.WriteFile("output.gif", validGIF())
	}

	var pcts []float64
	_, err := p.ConvertToGIF(context.Background(), Request{
		Input:      cache.Input{Name: "clip.mp4", Data: []byte("video")},
		Meta:       h264Meta(),
		OnProgress: func(pct float64) { pcts = append(pcts, pct) },
	})
	if err != nil {
		t.Fatalf("ConvertToGIF: %v", err)
	}
	if len(pcts) == 0 {
		t.Fatal("no progress reached the caller")
	}
	if last := pcts[len(pcts)-1]; last != 100 {
		t.Errorf("final progress = %v, want 100", last)
	}
}
