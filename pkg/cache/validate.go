package cache

import (
	"bytes"
	"fmt"

	"github.com/vidforge/vidforge/pkg/models"
)

// Validation is the structured result of an output check. Callers decide
// whether to retry or report; validation itself never fails hard.
type Validation struct {
	Valid  bool
	Reason string
}

// minOutputSize is the smallest plausible output per format. Anything
// below this is a truncated or empty write, whatever its signature says.
var minOutputSize = map[models.Format]int{
	models.FormatGIF:  100,
	models.FormatWebP: 50,
	models.FormatMP4:  200,
}

// ValidateOutput checks the byte length and container signature of a
// conversion result against the expected format.
func ValidateOutput(data []byte, format models.Format) Validation {
	min, ok := minOutputSize[format]
	if !ok {
		return Validation{Reason: fmt.Sprintf("unknown output format %q", format)}
	}
	if len(data) < min {
		return Validation{Reason: fmt.Sprintf("output is %d bytes, below the %d byte minimum for %s", len(data), min, format)}
	}

	switch format {
	case models.FormatGIF:
		if !bytes.HasPrefix(data, []byte("GIF87a")) && !bytes.HasPrefix(data, []byte("GIF89a")) {
			return Validation{Reason: "missing GIF signature"}
		}
	case models.FormatWebP:
		if !bytes.HasPrefix(data, []byte("RIFF")) || len(data) < 12 || !bytes.Equal(data[8:12], []byte("WEBP")) {
			return Validation{Reason: "missing RIFF/WEBP signature"}
		}
	case models.FormatMP4:
		if len(data) < 8 || !bytes.Equal(data[4:8], []byte("ftyp")) {
			return Validation{Reason: "missing ftyp box"}
		}
	}

	return Validation{Valid: true}
}
