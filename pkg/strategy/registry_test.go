package strategy

import (
	"testing"
	"time"

	"github.com/vidforge/vidforge/pkg/history"
	"github.com/vidforge/vidforge/pkg/models"
)

func fullCaps() *models.Capabilities {
	return &models.Capabilities{
		H264: true, HEVC: true, AV1: true, VP8: true, VP9: true,
		GIFEncoder: true, WebPEncoder: true,
		HardwareAccel: true, CPUCores: 8,
	}
}

func record(codec string, format models.Format, path models.Path, success bool) models.ConversionRecord {
	return models.ConversionRecord{
		Codec:      codec,
		Format:     format,
		Path:       path,
		DurationMs: 2000,
		Success:    success,
		Timestamp:  time.Now(),
	}
}

func newRegistry(t *testing.T, hist *history.Store) *Registry {
	t.Helper()
	return NewRegistry(DefaultConfig(), hist, nil, nil)
}

func TestRegistry_MatrixLookupNoHistory(t *testing.T) {
	// h264/gif on a capable device with an empty session: the matrix row
	// decides, at high confidence, with a named fallback.
	hist := history.NewStore(history.DefaultConfig(), nil, nil)
	reg := newRegistry(t, hist)

	d := reg.Strategy("h264", models.FormatGIF, "mp4", fullCaps())

	if d.Path != models.PathGPU {
		t.Errorf("path = %s, want gpu", d.Path)
	}
	if d.FallbackPath != models.PathCPU {
		t.Errorf("fallback = %s, want cpu", d.FallbackPath)
	}
	if d.Confidence != models.ConfidenceHigh {
		t.Errorf("confidence = %s, want high", d.Confidence)
	}
	if d.Source != SourceMatrix {
		t.Errorf("source = %s, want matrix", d.Source)
	}
}

func TestRegistry_HardwareOnlyCodecBlocker(t *testing.T) {
	// av1 without device decode support: the registry still names the gpu
	// path, at low confidence, so the caller can fail fast instead of
	// grinding through a doomed software decode.
	caps := fullCaps()
	caps.AV1 = false
	reg := newRegistry(t, history.NewStore(history.DefaultConfig(), nil, nil))

	d := reg.Strategy("av1", models.FormatGIF, "mp4", caps)

	if d.Path != models.PathGPU {
		t.Errorf("path = %s, want gpu", d.Path)
	}
	if d.Confidence != models.ConfidenceLow {
		t.Errorf("confidence = %s, want low", d.Confidence)
	}
	if d.FallbackPath != "" {
		t.Errorf("fallback = %s, want none", d.FallbackPath)
	}
	if d.Source != SourceBlocker {
		t.Errorf("source = %s, want blocker", d.Source)
	}
}

func TestRegistry_ContainerBlocker(t *testing.T) {
	reg := newRegistry(t, history.NewStore(history.DefaultConfig(), nil, nil))

	for _, container := range []string{"avi", "wmv", "mpegts"} {
		d := reg.Strategy("h264", models.FormatGIF, container, fullCaps())
		if d.Path != models.PathCPU {
			t.Errorf("container %s: path = %s, want cpu", container, d.Path)
		}
		if d.FallbackPath != "" {
			t.Errorf("container %s: fallback = %s, want none", container, d.FallbackPath)
		}
		if d.Source != SourceBlocker {
			t.Errorf("container %s: source = %s, want blocker", container, d.Source)
		}
	}
}

func TestRegistry_HistoricalOverride(t *testing.T) {
	hist := history.NewStore(history.DefaultConfig(), nil, nil)
	// Five clean cpu successes push history confidence to 1.0, past the
	// 0.6 override threshold, beating the gpu matrix preference.
	for i := 0; i < 5; i++ {
		hist.Record(record("h264", models.FormatWebP, models.PathCPU, true))
	}
	reg := newRegistry(t, hist)

	d := reg.Strategy("h264", models.FormatWebP, "mp4", fullCaps())

	if d.Path != models.PathCPU {
		t.Errorf("path = %s, want cpu", d.Path)
	}
	if d.Confidence != models.ConfidenceHigh {
		t.Errorf("confidence = %s, want high", d.Confidence)
	}
	if d.Source != SourceHistory {
		t.Errorf("source = %s, want history", d.Source)
	}
	if d.FallbackPath == "" || d.FallbackPath == d.Path {
		t.Errorf("fallback = %q, want a distinct alternate", d.FallbackPath)
	}
}

func TestRegistry_LowConfidenceHistoryIgnored(t *testing.T) {
	hist := history.NewStore(history.DefaultConfig(), nil, nil)
	// One success of five attempts: confidence 1/5 * 0.2 stays well below
	// the override threshold.
	hist.Record(record("h264", models.FormatWebP, models.PathCPU, true))
	for i := 0; i < 4; i++ {
		hist.Record(record("h264", models.FormatWebP, models.PathCPU, false))
	}
	reg := newRegistry(t, hist)

	d := reg.Strategy("h264", models.FormatWebP, "mp4", fullCaps())
	if d.Source == SourceHistory {
		t.Errorf("low-confidence history overrode the matrix: %+v", d)
	}
}

func TestRegistry_RecentFailureAvoidance(t *testing.T) {
	hist := history.NewStore(history.DefaultConfig(), nil, nil)
	for i := 0; i < 3; i++ {
		hist.Record(record("h264", models.FormatGIF, models.PathGPU, false))
	}
	reg := newRegistry(t, hist)

	d := reg.Strategy("h264", models.FormatGIF, "mp4", fullCaps())

	if d.Path == models.PathGPU {
		t.Fatalf("path = gpu despite 3 recent gpu failures")
	}
	if d.Path != models.PathCPU {
		t.Errorf("path = %s, want cpu (matrix fallback)", d.Path)
	}
	// Matrix confidence high downgraded one level by the demotion
	if d.Confidence != models.ConfidenceMedium {
		t.Errorf("confidence = %s, want medium", d.Confidence)
	}
	if d.Source != SourceAvoidance {
		t.Errorf("source = %s, want avoidance", d.Source)
	}
}

func TestRegistry_FailureAvoidanceNeedsCleanWindow(t *testing.T) {
	hist := history.NewStore(history.DefaultConfig(), nil, nil)
	// Two failures but a success inside the window: no demotion
	hist.Record(record("h264", models.FormatGIF, models.PathGPU, false))
	hist.Record(record("h264", models.FormatGIF, models.PathGPU, true))
	hist.Record(record("h264", models.FormatGIF, models.PathGPU, false))
	reg := newRegistry(t, hist)

	d := reg.Strategy("h264", models.FormatGIF, "mp4", fullCaps())
	if d.Source == SourceAvoidance {
		t.Errorf("demoted despite a success in the window: %+v", d)
	}
}

func TestRegistry_MatrixCapabilityFallback(t *testing.T) {
	caps := fullCaps()
	caps.HardwareAccel = false
	reg := newRegistry(t, history.NewStore(history.DefaultConfig(), nil, nil))

	d := reg.Strategy("vp9", models.FormatGIF, "webm", caps)

	if d.Path != models.PathCPU {
		t.Errorf("path = %s, want cpu", d.Path)
	}
	if d.Confidence != models.ConfidenceMedium {
		t.Errorf("confidence = %s, want medium", d.Confidence)
	}
	if d.Source != SourceMatrix {
		t.Errorf("source = %s, want matrix", d.Source)
	}
}

func TestRegistry_HeuristicDefaults(t *testing.T) {
	reg := newRegistry(t, history.NewStore(history.DefaultConfig(), nil, nil))

	tests := []struct {
		name       string
		codec      string
		format     models.Format
		caps       *models.Capabilities
		wantPath   models.Path
		wantConf   models.Confidence
		wantSource string
	}{
		{
			name:  "unsupported codec forces software pipeline",
			codec: "prores", format: models.FormatGIF, caps: fullCaps(),
			wantPath: models.PathCPU, wantConf: models.ConfidenceLow, wantSource: SourceHeuristic,
		},
		{
			name:  "unlisted format prefers native re-encode",
			codec: "h265", format: models.FormatMP4, caps: fullCaps(),
			wantPath: models.PathNative, wantConf: models.ConfidenceMedium, wantSource: SourceHeuristic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := reg.Strategy(tt.codec, tt.format, "mov", tt.caps)
			if d.Path != tt.wantPath {
				t.Errorf("path = %s, want %s", d.Path, tt.wantPath)
			}
			if d.Confidence != tt.wantConf {
				t.Errorf("confidence = %s, want %s", d.Confidence, tt.wantConf)
			}
			if d.Source != tt.wantSource {
				t.Errorf("source = %s, want %s", d.Source, tt.wantSource)
			}
		})
	}
}

func TestRegistry_ReasoningMatchesStrategy(t *testing.T) {
	hist := history.NewStore(history.DefaultConfig(), nil, nil)
	for i := 0; i < 3; i++ {
		hist.Record(record("h264", models.FormatGIF, models.PathGPU, false))
	}
	reg := newRegistry(t, hist)
	caps := fullCaps()

	direct := reg.Strategy("h264", models.FormatGIF, "mp4", caps)
	reasoned, trace := reg.Reasoning("h264", models.FormatGIF, "mp4", caps)

	if direct != reasoned {
		t.Errorf("Reasoning decision %+v differs from Strategy %+v", reasoned, direct)
	}
	if len(trace) == 0 {
		t.Fatal("empty reasoning trace")
	}

	// The demoted gpu path appears as a rejected candidate
	foundRejection := false
	for _, c := range trace {
		if c.Rule == SourceAvoidance && c.Path == models.PathGPU && !c.Accepted {
			foundRejection = true
		}
	}
	if !foundRejection {
		t.Errorf("trace lacks the gpu rejection: %+v", trace)
	}
}

func TestRegistry_CodecAliasesShareDecisions(t *testing.T) {
	reg := newRegistry(t, history.NewStore(history.DefaultConfig(), nil, nil))
	caps := fullCaps()

	base := reg.Strategy("h264", models.FormatGIF, "mp4", caps)
	for _, alias := range []string{"avc", "h.264", "AVC1"} {
		got := reg.Strategy(alias, models.FormatGIF, "mp4", caps)
		if got != base {
			t.Errorf("alias %q decision %+v differs from h264 %+v", alias, got, base)
		}
	}
}
