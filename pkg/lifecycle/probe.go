package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vidforge/vidforge/pkg/engine"
	"github.com/vidforge/vidforge/pkg/models"
)

var (
	durationPattern  = regexp.MustCompile(`Duration:\s+(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	bitratePattern   = regexp.MustCompile(`bitrate:\s+(\d+)\s+kb/s`)
	videoPattern     = regexp.MustCompile(`Video:\s+(\w+)`)
	dimensionPattern = regexp.MustCompile(`(\d{2,5})x(\d{2,5})`)
	fpsPattern       = regexp.MustCompile(`(\d+(?:\.\d+)?)\s+fps`)
	containerPattern = regexp.MustCompile(`Input #\d+,\s+([^,]+)`)
)

// ProbeMetadata runs a metadata-only probe against a file already staged
// in the engine's file space. The probe command has no output target and
// is expected to error; the error is swallowed and the diagnostic
// side-channel output is what gets parsed.
func (m *Manager) ProbeMetadata(ctx context.Context, stagedName string) (*models.VideoMetadata, error) {
	eng, err := m.Engine()
	if err != nil {
		return nil, err
	}

	var lines []string
	m.mu.Lock()
	prevTap := m.logTap
	m.logTap = func(line engine.LogLine) {
		lines = append(lines, line.Message)
		if prevTap != nil {
			prevTap(line)
		}
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.logTap = prevTap
		m.mu.Unlock()
	}()

	// No output target: ffmpeg prints the stream summary and exits
	// nonzero. That exit is the normal case here.
	if err := eng.Exec(ctx, []string{"-hide_banner", "-i", stagedName}); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("probe interrupted: %w", ctx.Err())
		}
		m.log.Debug("probe exited as expected", map[string]interface{}{"error": err.Error()})
	}

	meta := parseMetadata(lines)
	if meta.Codec == "" && meta.DurationMs == 0 {
		return nil, fmt.Errorf("probe produced no parseable metadata for %s", stagedName)
	}
	return meta, nil
}

// parseMetadata pattern-matches the engine's textual diagnostics for
// stream properties. Missing fields are left zero rather than failing
// the whole probe.
func parseMetadata(lines []string) *models.VideoMetadata {
	meta := &models.VideoMetadata{}

	for _, line := range lines {
		if m := containerPattern.FindStringSubmatch(line); m != nil && meta.Container == "" {
			meta.Container = strings.TrimSpace(m[1])
		}

		if m := durationPattern.FindStringSubmatch(line); m != nil && meta.DurationMs == 0 {
			hours, _ := strconv.ParseFloat(m[1], 64)
			mins, _ := strconv.ParseFloat(m[2], 64)
			secs, _ := strconv.ParseFloat(m[3], 64)
			meta.DurationMs = int64((hours*3600 + mins*60 + secs) * 1000)

			if b := bitratePattern.FindStringSubmatch(line); b != nil {
				meta.BitrateKbps, _ = strconv.Atoi(b[1])
			}
		}

		if m := videoPattern.FindStringSubmatch(line); m != nil && meta.Codec == "" {
			meta.Codec = models.NormalizeCodec(m[1])

			if d := dimensionPattern.FindStringSubmatch(line); d != nil {
				meta.Width, _ = strconv.Atoi(d[1])
				meta.Height, _ = strconv.Atoi(d[2])
			}
			if f := fpsPattern.FindStringSubmatch(line); f != nil {
				meta.FrameRate, _ = strconv.ParseFloat(f[1], 64)
			}
		}
	}

	return meta
}
