package strategy

import (
	"fmt"
	"strings"

	"github.com/vidforge/vidforge/pkg/history"
	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
)

// Decision sources, recorded for diagnostics and metrics
const (
	SourceBlocker   = "blocker"
	SourceHistory   = "history"
	SourceAvoidance = "avoidance"
	SourceMatrix    = "matrix"
	SourceHeuristic = "heuristic"
)

// Config holds the registry's tunables. The failure-avoidance window and
// the historical override threshold have no derived optimum; they are
// exposed as configuration rather than constants.
type Config struct {
	// OverrideConfidence is the minimum history confidence at which a
	// learned recommendation overrides the predefined matrix
	OverrideConfidence float64
	// FailureWindow is how many recent records per path are inspected for
	// the recent-failure avoidance rule
	FailureWindow int
	// FailureThreshold is the failure count within the window that, with
	// zero successes, demotes a path
	FailureThreshold int
}

// DefaultConfig returns sensible defaults for the registry
func DefaultConfig() Config {
	return Config{
		OverrideConfidence: 0.6,
		FailureWindow:      3,
		FailureThreshold:   2,
	}
}

// Decision is the outcome of a strategy query
type Decision struct {
	Path         models.Path       `json:"path"`
	FallbackPath models.Path       `json:"fallback_path,omitempty"`
	Reason       string            `json:"reason"`
	Confidence   models.Confidence `json:"confidence"`
	Source       string            `json:"source"`
}

// Consideration is one rejected or accepted candidate in a reasoning trace
type Consideration struct {
	Rule     string      `json:"rule"`
	Path     models.Path `json:"path,omitempty"`
	Accepted bool        `json:"accepted"`
	Detail   string      `json:"detail"`
}

type matrixKey struct {
	codec  string
	format models.Format
}

// Registry picks an execution path for a (codec, format, container,
// capabilities) tuple. It is a pure function of its inputs and the current
// history store contents; queries never mutate anything.
type Registry struct {
	config  Config
	history *history.Store
	matrix  map[matrixKey]models.CodecPathPreference
	log     *logging.Logger
}

// NewRegistry creates a registry over the given history store. overrides
// replace default matrix rows with the same (codec, format) key.
func NewRegistry(config Config, hist *history.Store, overrides []models.CodecPathPreference, log *logging.Logger) *Registry {
	if config.OverrideConfidence <= 0 {
		config.OverrideConfidence = DefaultConfig().OverrideConfidence
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = DefaultConfig().FailureWindow
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if log == nil {
		log = logging.Nop()
	}

	matrix := make(map[matrixKey]models.CodecPathPreference)
	for _, pref := range defaultMatrix() {
		matrix[matrixKey{pref.Codec, pref.Format}] = pref
	}
	for _, pref := range overrides {
		pref.Codec = models.NormalizeCodec(pref.Codec)
		matrix[matrixKey{pref.Codec, pref.Format}] = pref
	}

	return &Registry{
		config:  config,
		history: hist,
		matrix:  matrix,
		log:     log,
	}
}

// Strategy picks an execution path. Rules are evaluated in strict order:
// mandatory blockers, historical override, recent-failure avoidance,
// matrix lookup, heuristic default. First match wins.
func (r *Registry) Strategy(codec string, format models.Format, container string, caps *models.Capabilities) Decision {
	decision, _ := r.evaluate(codec, format, container, caps)
	r.log.Debug("strategy decision", map[string]interface{}{
		"codec":      models.NormalizeCodec(codec),
		"format":     string(format),
		"path":       string(decision.Path),
		"confidence": string(decision.Confidence),
		"source":     decision.Source,
	})
	return decision
}

// Reasoning returns the decision along with every candidate that was
// considered and why it was accepted or rejected. Derived purely from the
// same inputs as Strategy.
func (r *Registry) Reasoning(codec string, format models.Format, container string, caps *models.Capabilities) (Decision, []Consideration) {
	return r.evaluate(codec, format, container, caps)
}

func (r *Registry) evaluate(codec string, format models.Format, container string, caps *models.Capabilities) (Decision, []Consideration) {
	family := models.NormalizeCodec(codec)
	container = strings.ToLower(strings.TrimSpace(container))
	var trace []Consideration

	// Rule 1: mandatory blockers.
	if forced, ok := blockedContainers[container]; ok {
		d := Decision{
			Path:       forced,
			Reason:     fmt.Sprintf("container %q is only demuxable by the full software pipeline", container),
			Confidence: models.ConfidenceHigh,
			Source:     SourceBlocker,
		}
		trace = append(trace, Consideration{
			Rule: SourceBlocker, Path: forced, Accepted: true,
			Detail: d.Reason,
		})
		return d, trace
	}
	trace = append(trace, Consideration{
		Rule: SourceBlocker, Accepted: false,
		Detail: fmt.Sprintf("container %q carries no mandatory path", container),
	})

	if hardwareOnlyCodecs[family] && !caps.SupportsCodec(family) {
		d := Decision{
			Path:       models.PathGPU,
			Reason:     fmt.Sprintf("%s requires hardware decode support this device does not report; conversion will likely fail", family),
			Confidence: models.ConfidenceLow,
			Source:     SourceBlocker,
		}
		trace = append(trace, Consideration{
			Rule: SourceBlocker, Path: models.PathGPU, Accepted: true,
			Detail: d.Reason,
		})
		return d, trace
	}

	// Rule 2: historical override.
	candidate, historyTrace := r.historicalCandidate(family, format)
	trace = append(trace, historyTrace...)

	// Rule 4: predefined matrix (when history did not decide).
	if candidate == nil {
		candidate, trace = r.matrixCandidate(family, format, caps, trace)
	}

	// Rule 5: heuristic default.
	if candidate == nil {
		candidate, trace = r.heuristicCandidate(family, format, caps, trace)
	}

	// Rule 3: recent-failure avoidance, applied to the candidate no matter
	// which rule produced it.
	if failing, detail := r.recentlyFailing(candidate.Path, family, format); failing {
		if candidate.FallbackPath != "" {
			demotedFrom := candidate.Path
			candidate = &Decision{
				Path:         candidate.FallbackPath,
				FallbackPath: demotedFrom,
				Reason:       fmt.Sprintf("%s; demoted from %s: %s", candidate.Reason, demotedFrom, detail),
				Confidence:   candidate.Confidence.Downgrade(),
				Source:       SourceAvoidance,
			}
			trace = append(trace, Consideration{
				Rule: SourceAvoidance, Path: demotedFrom, Accepted: false,
				Detail: detail,
			})
		} else {
			trace = append(trace, Consideration{
				Rule: SourceAvoidance, Path: candidate.Path, Accepted: true,
				Detail: fmt.Sprintf("%s, but no fallback path exists to demote to", detail),
			})
		}
	}

	trace = append(trace, Consideration{
		Rule: candidate.Source, Path: candidate.Path, Accepted: true,
		Detail: candidate.Reason,
	})
	return *candidate, trace
}

func (r *Registry) historicalCandidate(family string, format models.Format) (*Decision, []Consideration) {
	if r.history == nil {
		return nil, nil
	}

	rec := r.history.RecommendedPath(family, format)
	if rec == nil {
		return nil, []Consideration{{
			Rule: SourceHistory, Accepted: false,
			Detail: "no successful history for this codec and format",
		}}
	}
	if rec.Confidence < r.config.OverrideConfidence {
		return nil, []Consideration{{
			Rule: SourceHistory, Path: rec.Path, Accepted: false,
			Detail: fmt.Sprintf("history confidence %.2f below override threshold %.2f", rec.Confidence, r.config.OverrideConfidence),
		}}
	}

	d := &Decision{
		Path:         rec.Path,
		FallbackPath: r.alternateFor(rec.Path, family, format),
		Reason: fmt.Sprintf("%d past attempts on %s averaged %dms with %.0f%% weighted confidence",
			rec.BasedOnRecords, rec.Path, rec.AvgDurationMs, rec.Confidence*100),
		Confidence: models.ConfidenceHigh,
		Source:     SourceHistory,
	}
	return d, nil
}

func (r *Registry) matrixCandidate(family string, format models.Format, caps *models.Capabilities, trace []Consideration) (*Decision, []Consideration) {
	entry, ok := r.matrix[matrixKey{family, format}]
	if !ok {
		trace = append(trace, Consideration{
			Rule: SourceMatrix, Accepted: false,
			Detail: fmt.Sprintf("no matrix entry for %s/%s", family, format),
		})
		return nil, trace
	}

	if r.pathAvailable(entry.PreferredPath, family, caps) {
		return &Decision{
			Path:         entry.PreferredPath,
			FallbackPath: entry.FallbackPath,
			Reason:       entry.Reason,
			Confidence:   models.ConfidenceHigh,
			Source:       SourceMatrix,
		}, trace
	}

	trace = append(trace, Consideration{
		Rule: SourceMatrix, Path: entry.PreferredPath, Accepted: false,
		Detail: fmt.Sprintf("preferred path %s needs capabilities this device lacks", entry.PreferredPath),
	})
	return &Decision{
		Path:       entry.FallbackPath,
		Reason:     fmt.Sprintf("matrix fallback: %s unavailable on this device", entry.PreferredPath),
		Confidence: models.ConfidenceMedium,
		Source:     SourceMatrix,
	}, trace
}

func (r *Registry) heuristicCandidate(family string, format models.Format, caps *models.Capabilities, trace []Consideration) (*Decision, []Consideration) {
	accelerated := caps.SupportsCodec(family)
	if !accelerated {
		return &Decision{
			Path:       models.PathCPU,
			Reason:     fmt.Sprintf("no accelerated path decodes %s; the software pipeline handles everything", family),
			Confidence: models.ConfidenceLow,
			Source:     SourceHeuristic,
		}, trace
	}

	switch format {
	case models.FormatGIF:
		// The palette passes dominate GIF conversion time, so hardware
		// decode buys little.
		return &Decision{
			Path:         models.PathCPU,
			FallbackPath: models.PathGPU,
			Reason:       "gif output is palette-bound; software decode keeps the pipeline in one place",
			Confidence:   models.ConfidenceMedium,
			Source:       SourceHeuristic,
		}, trace
	case models.FormatWebP:
		if caps.HardwareAccel {
			return &Decision{
				Path:         models.PathGPU,
				FallbackPath: models.PathCPU,
				Reason:       "webp output is decode-bound; hardware decode shortens the critical path",
				Confidence:   models.ConfidenceMedium,
				Source:       SourceHeuristic,
			}, trace
		}
		return &Decision{
			Path:       models.PathCPU,
			Reason:     "webp output without hardware acceleration runs the software pipeline",
			Confidence: models.ConfidenceLow,
			Source:     SourceHeuristic,
		}, trace
	default:
		return &Decision{
			Path:         models.PathNative,
			FallbackPath: models.PathCPU,
			Reason:       "container re-encode is cheapest through the native route",
			Confidence:   models.ConfidenceMedium,
			Source:       SourceHeuristic,
		}, trace
	}
}

// recentlyFailing reports whether the last FailureWindow records for path
// on this codec+format hold at least FailureThreshold failures and zero
// successes.
func (r *Registry) recentlyFailing(path models.Path, family string, format models.Format) (bool, string) {
	if r.history == nil {
		return false, ""
	}

	records := r.history.History(family, format)
	var window []models.ConversionRecord
	for i := len(records) - 1; i >= 0 && len(window) < r.config.FailureWindow; i-- {
		if records[i].Path == path {
			window = append(window, records[i])
		}
	}

	failures := 0
	for _, rec := range window {
		if rec.Success {
			return false, ""
		}
		failures++
	}
	if failures < r.config.FailureThreshold {
		return false, ""
	}
	return true, fmt.Sprintf("%s failed %d of the last %d attempts on %s/%s with no successes",
		path, failures, r.config.FailureWindow, family, format)
}

// pathAvailable reports whether the device can run path for this codec
func (r *Registry) pathAvailable(path models.Path, family string, caps *models.Capabilities) bool {
	switch path {
	case models.PathGPU:
		return caps.HardwareAccel && caps.SupportsCodec(family)
	case models.PathNative:
		return caps.SupportsCodec(family)
	case models.PathHybrid:
		return caps.HardwareAccel
	default:
		// The software pipeline decodes everything.
		return true
	}
}

// alternateFor returns the second-choice path used as fallback for a
// history-derived decision.
func (r *Registry) alternateFor(path models.Path, family string, format models.Format) models.Path {
	if entry, ok := r.matrix[matrixKey{family, format}]; ok {
		if entry.PreferredPath != path {
			return entry.PreferredPath
		}
		return entry.FallbackPath
	}
	if path != models.PathCPU {
		return models.PathCPU
	}
	return models.PathGPU
}

// MatrixEntries returns a copy of the active matrix rows, for display
func (r *Registry) MatrixEntries() []models.CodecPathPreference {
	out := make([]models.CodecPathPreference, 0, len(r.matrix))
	for _, pref := range r.matrix {
		out = append(out, pref)
	}
	return out
}
