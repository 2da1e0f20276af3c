package encoder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vidforge/vidforge/pkg/models"
)

// Sentinel errors callers branch on
var (
	// ErrConversionInProgress rejects a second encode while one is
	// running; calls are never queued silently
	ErrConversionInProgress = errors.New("another conversion is already in progress")
	// ErrCancelled marks a user-initiated stop, distinguished from real
	// failure so callers can return to idle without an error banner
	ErrCancelled = errors.New("conversion cancelled")
	// ErrStalled marks a watchdog termination; the input may simply be
	// pathological rather than the pipeline broken
	ErrStalled = errors.New("conversion stalled")
	// ErrInvalidOutput marks output bytes that failed the signature or
	// size check
	ErrInvalidOutput = errors.New("conversion produced invalid output")
)

// FailureClass is the best-effort bucket assigned to a failed conversion
type FailureClass string

const (
	ClassMemory      FailureClass = "memory"
	ClassCorrupt     FailureClass = "corrupt-input"
	ClassUnsupported FailureClass = "codec-unsupported"
	ClassStalled     FailureClass = "stalled"
	ClassCancelled   FailureClass = "cancelled"
	ClassValidation  FailureClass = "validation"
	ClassUnknown     FailureClass = "unknown"
)

// ConversionError wraps an engine-level failure with its classification.
// The orchestration layer and UI branch on Class and Phase; Err keeps the
// original cause for logs.
type ConversionError struct {
	Class FailureClass
	Phase models.FailurePhase
	Hint  string
	Err   error
}

func (e *ConversionError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s/%s): %s", e.Err, e.Class, e.Phase, e.Hint)
	}
	return fmt.Sprintf("%s (%s/%s)", e.Err, e.Class, e.Phase)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// classPattern maps a diagnostic substring to a classification
type classPattern struct {
	substr string
	class  FailureClass
	phase  models.FailurePhase
	hint   string
}

var classPatterns = []classPattern{
	{"cannot allocate memory", ClassMemory, models.FailureOther, "input may be too large for available memory"},
	{"out of memory", ClassMemory, models.FailureOther, "input may be too large for available memory"},
	{"oom", ClassMemory, models.FailureOther, "input may be too large for available memory"},
	{"invalid data found when processing input", ClassCorrupt, models.FailureDecode, "the input container appears damaged"},
	{"moov atom not found", ClassCorrupt, models.FailureDecode, "the input container appears truncated"},
	{"could not find codec parameters", ClassCorrupt, models.FailureDecode, "the input streams could not be identified"},
	{"decoder not found", ClassUnsupported, models.FailureDecode, "this codec has no available decoder"},
	{"unknown decoder", ClassUnsupported, models.FailureDecode, "this codec has no available decoder"},
	{"unknown encoder", ClassUnsupported, models.FailureEncode, "the requested output encoder is unavailable"},
	{"encoder not found", ClassUnsupported, models.FailureEncode, "the requested output encoder is unavailable"},
	{"error while decoding", ClassCorrupt, models.FailureDecode, "a video stream failed mid-decode"},
	{"conversion failed", ClassUnknown, models.FailureEncode, ""},
}

// Classify buckets a conversion failure using the error text, the
// requested settings, and recent engine diagnostics. It is total: any
// input, including nil, yields a usable classification and it never
// panics.
func Classify(err error, opts Options, recentLogs []string) *ConversionError {
	ce := &ConversionError{
		Class: ClassUnknown,
		Phase: models.FailureOther,
		Err:   err,
	}
	if err == nil {
		ce.Err = errors.New("conversion failed")
		return ce
	}

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		ce.Class = ClassCancelled
		return ce
	case errors.Is(err, ErrStalled), errors.Is(err, context.DeadlineExceeded):
		ce.Class = ClassStalled
		ce.Hint = "the engine stopped making progress; the input may be pathological"
		return ce
	case errors.Is(err, ErrInvalidOutput):
		ce.Class = ClassValidation
		ce.Phase = models.FailureEncode
		return ce
	}

	// Search the error text first, then recent diagnostics newest-first
	haystacks := []string{strings.ToLower(err.Error())}
	for i := len(recentLogs) - 1; i >= 0; i-- {
		haystacks = append(haystacks, strings.ToLower(recentLogs[i]))
	}

	for _, hay := range haystacks {
		for _, p := range classPatterns {
			if strings.Contains(hay, p.substr) {
				ce.Class = p.class
				ce.Phase = p.phase
				ce.Hint = p.hint
				return ce
			}
		}
	}

	if opts.Quality == models.QualityMax {
		ce.Hint = "retrying at a lower quality tier may succeed"
	}
	return ce
}
