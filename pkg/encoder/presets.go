package encoder

import (
	"github.com/vidforge/vidforge/pkg/models"
)

// gifPreset selects the palette and dithering parameters for a quality
// tier. Higher tiers buy more colors and a more expensive diffusion
// dither; lower tiers use the cheaper ordered dither.
type gifPreset struct {
	MaxColors int
	Dither    string
}

var gifPresets = map[models.QualityTier]gifPreset{
	models.QualityLow:    {MaxColors: 128, Dither: "bayer:bayer_scale=4"},
	models.QualityMedium: {MaxColors: 192, Dither: "bayer:bayer_scale=2"},
	models.QualityHigh:   {MaxColors: 256, Dither: "floyd_steinberg"},
	models.QualityMax:    {MaxColors: 256, Dither: "sierra2_4a"},
}

// webpPreset selects the libwebp encode parameters for a quality tier
type webpPreset struct {
	Quality          int
	CompressionLevel int
	Preset           string
}

var webpPresets = map[models.QualityTier]webpPreset{
	models.QualityLow:    {Quality: 50, CompressionLevel: 3, Preset: "default"},
	models.QualityMedium: {Quality: 70, CompressionLevel: 4, Preset: "default"},
	models.QualityHigh:   {Quality: 85, CompressionLevel: 5, Preset: "picture"},
	models.QualityMax:    {Quality: 95, CompressionLevel: 6, Preset: "picture"},
}

func gifPresetFor(tier models.QualityTier) gifPreset {
	if p, ok := gifPresets[tier]; ok {
		return p
	}
	return gifPresets[models.QualityMedium]
}

func webpPresetFor(tier models.QualityTier) webpPreset {
	if p, ok := webpPresets[tier]; ok {
		return p
	}
	return webpPresets[models.QualityMedium]
}
