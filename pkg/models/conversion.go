package models

import (
	"strings"
	"time"
)

// Format represents the output container format of a conversion
type Format string

const (
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
	FormatMP4  Format = "mp4"
)

// Path represents an execution path for a conversion
type Path string

const (
	// PathGPU decodes with hardware acceleration and encodes in software
	PathGPU Path = "gpu"
	// PathCPU runs the full decode+encode pipeline in software
	PathCPU Path = "cpu"
	// PathNative re-encodes through the platform's own codec surface
	PathNative Path = "native"
	// PathHybrid splits decode and encode across paths
	PathHybrid Path = "hybrid"
)

// Valid reports whether p is one of the known execution paths.
func (p Path) Valid() bool {
	switch p {
	case PathGPU, PathCPU, PathNative, PathHybrid:
		return true
	}
	return false
}

// FailurePhase records which stage of a conversion failed
type FailurePhase string

const (
	FailureDecode FailurePhase = "decode"
	FailureEncode FailurePhase = "encode"
	FailureOther  FailurePhase = "other"
)

// Confidence is a coarse label attached to a strategy decision
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Downgrade lowers a confidence label by one level. Medium and low are
// already the floor for demoted decisions and are returned unchanged.
func (c Confidence) Downgrade() Confidence {
	if c == ConfidenceHigh {
		return ConfidenceMedium
	}
	return c
}

// QualityTier selects the encode parameter preset
type QualityTier string

const (
	QualityLow    QualityTier = "low"
	QualityMedium QualityTier = "medium"
	QualityHigh   QualityTier = "high"
	QualityMax    QualityTier = "max"
)

// ConversionRecord is one completed conversion attempt. Records are
// immutable once created; the history store evicts them in bulk, never
// individually.
type ConversionRecord struct {
	Codec        string       `json:"codec"`
	Format       Format       `json:"format"`
	Path         Path         `json:"path"`
	DurationMs   int64        `json:"duration_ms"`
	Success      bool         `json:"success"`
	ErrorMessage string       `json:"error_message,omitempty"`
	FailurePhase FailurePhase `json:"failure_phase,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Benchmarks holds reference timing data for a matrix entry
type Benchmarks struct {
	AvgTimeSeconds float64 `json:"avg_time_seconds" yaml:"avg_time_seconds"`
	SuccessRate    float64 `json:"success_rate" yaml:"success_rate"`
}

// CodecPathPreference is one row of the predefined strategy matrix
type CodecPathPreference struct {
	Codec         string      `json:"codec" yaml:"codec"`
	Format        Format      `json:"format" yaml:"format"`
	PreferredPath Path        `json:"preferred_path" yaml:"preferred_path"`
	FallbackPath  Path        `json:"fallback_path" yaml:"fallback_path"`
	Reason        string      `json:"reason" yaml:"reason"`
	Benchmarks    *Benchmarks `json:"benchmarks,omitempty" yaml:"benchmarks,omitempty"`
}

// RecommendedPath is a history-derived recommendation, computed fresh on
// each query and never stored.
type RecommendedPath struct {
	Path           Path    `json:"path"`
	Confidence     float64 `json:"confidence"` // 0..1
	BasedOnRecords int     `json:"based_on_records"`
	AvgDurationMs  int64   `json:"avg_duration_ms"`
}

// codecAliases maps reported codec names to their normalized family
var codecAliases = map[string]string{
	"h264":       "h264",
	"h.264":      "h264",
	"avc":        "h264",
	"avc1":       "h264",
	"x264":       "h264",
	"h265":       "hevc",
	"h.265":      "hevc",
	"hevc":       "hevc",
	"hev1":       "hevc",
	"hvc1":       "hevc",
	"x265":       "hevc",
	"av1":        "av1",
	"av01":       "av1",
	"vp8":        "vp8",
	"vp08":       "vp8",
	"vp9":        "vp9",
	"vp09":       "vp9",
	"mpeg4":      "mpeg4",
	"mp4v":       "mpeg4",
	"xvid":       "mpeg4",
	"divx":       "mpeg4",
	"mpeg2":      "mpeg2",
	"mpeg2video": "mpeg2",
	"wmv3":       "wmv",
	"vc1":        "wmv",
	"prores":     "prores",
	"theora":     "theora",
}

// NormalizeCodec maps codec spellings from different probes onto a single
// family name, so "avc", "h.264" and "h264" all key the same history and
// matrix entries. Unknown codecs are lowercased and trimmed but otherwise
// kept as-is.
func NormalizeCodec(codec string) string {
	c := strings.ToLower(strings.TrimSpace(codec))
	if family, ok := codecAliases[c]; ok {
		return family
	}
	return c
}
