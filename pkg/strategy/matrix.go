package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vidforge/vidforge/pkg/models"
)

// defaultMatrix is the predefined (codec, format) → path preference table.
// Entries are immutable reference data; runtime variants derived from it
// are always copies.
func defaultMatrix() []models.CodecPathPreference {
	return []models.CodecPathPreference{
		{
			Codec:         "h264",
			Format:        models.FormatGIF,
			PreferredPath: models.PathGPU,
			FallbackPath:  models.PathCPU,
			Reason:        "h264 hardware decode is universally fast; palette passes stay in software",
			Benchmarks:    &models.Benchmarks{AvgTimeSeconds: 4.2, SuccessRate: 0.97},
		},
		{
			Codec:         "h264",
			Format:        models.FormatWebP,
			PreferredPath: models.PathGPU,
			FallbackPath:  models.PathCPU,
			Reason:        "h264 hardware decode feeds the webp encoder directly",
			Benchmarks:    &models.Benchmarks{AvgTimeSeconds: 3.1, SuccessRate: 0.98},
		},
		{
			Codec:         "h264",
			Format:        models.FormatMP4,
			PreferredPath: models.PathNative,
			FallbackPath:  models.PathCPU,
			Reason:        "same-family re-encode avoids a full pipeline round trip",
		},
		{
			Codec:         "hevc",
			Format:        models.FormatGIF,
			PreferredPath: models.PathGPU,
			FallbackPath:  models.PathCPU,
			Reason:        "hevc software decode is slow; prefer hardware when present",
			Benchmarks:    &models.Benchmarks{AvgTimeSeconds: 6.8, SuccessRate: 0.91},
		},
		{
			Codec:         "hevc",
			Format:        models.FormatWebP,
			PreferredPath: models.PathGPU,
			FallbackPath:  models.PathCPU,
			Reason:        "hevc software decode is slow; prefer hardware when present",
		},
		{
			Codec:         "vp8",
			Format:        models.FormatGIF,
			PreferredPath: models.PathCPU,
			FallbackPath:  models.PathGPU,
			Reason:        "vp8 software decode is cheap and avoids hardware session setup",
		},
		{
			Codec:         "vp8",
			Format:        models.FormatWebP,
			PreferredPath: models.PathCPU,
			FallbackPath:  models.PathGPU,
			Reason:        "vp8 and webp share a codec family; the software pipeline is reliable",
		},
		{
			Codec:         "vp9",
			Format:        models.FormatGIF,
			PreferredPath: models.PathGPU,
			FallbackPath:  models.PathCPU,
			Reason:        "vp9 decode benefits from hardware on high resolutions",
		},
		{
			Codec:         "vp9",
			Format:        models.FormatWebP,
			PreferredPath: models.PathGPU,
			FallbackPath:  models.PathCPU,
			Reason:        "vp9 decode benefits from hardware on high resolutions",
		},
		{
			Codec:         "av1",
			Format:        models.FormatGIF,
			PreferredPath: models.PathGPU,
			FallbackPath:  models.PathCPU,
			Reason:        "av1 software decode is too slow for interactive use",
			Benchmarks:    &models.Benchmarks{AvgTimeSeconds: 9.5, SuccessRate: 0.84},
		},
		{
			Codec:         "av1",
			Format:        models.FormatWebP,
			PreferredPath: models.PathGPU,
			FallbackPath:  models.PathCPU,
			Reason:        "av1 software decode is too slow for interactive use",
		},
		{
			Codec:         "mpeg4",
			Format:        models.FormatGIF,
			PreferredPath: models.PathCPU,
			FallbackPath:  models.PathHybrid,
			Reason:        "legacy mpeg4 has no hardware decode surface worth using",
		},
		{
			Codec:         "mpeg4",
			Format:        models.FormatWebP,
			PreferredPath: models.PathCPU,
			FallbackPath:  models.PathHybrid,
			Reason:        "legacy mpeg4 has no hardware decode surface worth using",
		},
	}
}

// blockedContainers maps container names to the single path they force.
// Blocked containers have no fallback: their demuxers only exist in the
// full software pipeline.
var blockedContainers = map[string]models.Path{
	"avi":    models.PathCPU,
	"wmv":    models.PathCPU,
	"asf":    models.PathCPU,
	"flv":    models.PathCPU,
	"mpegts": models.PathCPU,
	"mpg":    models.PathCPU,
	"3gp":    models.PathCPU,
}

// hardwareOnlyCodecs are codec families whose software decode is so slow
// that a device without decode support cannot realistically convert them.
// The registry still returns the hardware path for them, at low
// confidence, so callers can fail fast with a useful error.
var hardwareOnlyCodecs = map[string]bool{
	"av1": true,
}

// LoadMatrixFile reads extra matrix entries from a YAML file. Entries
// override default rows with the same (codec, format) key.
func LoadMatrixFile(path string) ([]models.CodecPathPreference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading matrix file %s: %w", path, err)
	}

	var doc struct {
		Preferences []models.CodecPathPreference `yaml:"preferences"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing matrix file %s: %w", path, err)
	}

	for i, pref := range doc.Preferences {
		if !pref.PreferredPath.Valid() {
			return nil, fmt.Errorf("matrix file %s entry %d: unknown path %q", path, i, pref.PreferredPath)
		}
		if pref.FallbackPath != "" && !pref.FallbackPath.Valid() {
			return nil, fmt.Errorf("matrix file %s entry %d: unknown fallback path %q", path, i, pref.FallbackPath)
		}
	}
	return doc.Preferences, nil
}
