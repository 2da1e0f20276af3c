package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/pkg/cache"
	"github.com/vidforge/vidforge/pkg/encoder"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/pipeline"
)

var (
	convertOutput  string
	convertFormat  string
	convertQuality string
	convertFPS     int
	convertWidth   int
	convertQuiet   bool
)

// convertCmd represents the convert command
var convertCmd = &cobra.Command{
	Use:   "convert <input>",
	Short: "Convert a video to animated GIF or WebP",
	Long: `Convert a video file to an animated GIF or WebP. The execution path
is chosen from the strategy matrix and learned history; the outcome is
recorded back into the history so later conversions improve.`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringVarP(&convertOutput, "out", "o", "", "output file (default: input name with new extension)")
	convertCmd.Flags().StringVar(&convertFormat, "format", "gif", "output format: gif or webp")
	convertCmd.Flags().StringVar(&convertQuality, "quality", "medium", "quality tier: low, medium, high, max")
	convertCmd.Flags().IntVar(&convertFPS, "fps", 0, "output frame rate (default 12)")
	convertCmd.Flags().IntVar(&convertWidth, "width", 0, "output width in pixels, height scales (default 480)")
	convertCmd.Flags().BoolVarP(&convertQuiet, "quiet", "q", false, "suppress progress output")
}

func runConvert(cmd *cobra.Command, args []string) error {
	inputPath := args[0]

	format := models.Format(convertFormat)
	if format != models.FormatGIF && format != models.FormatWebP {
		return fmt.Errorf("format must be gif or webp, got %q", convertFormat)
	}

	switch models.QualityTier(convertQuality) {
	case models.QualityLow, models.QualityMedium, models.QualityHigh, models.QualityMax:
	default:
		return fmt.Errorf("quality must be one of low, medium, high, max, got %q", convertQuality)
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	info, err := os.Stat(inputPath)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	log := newLogger()
	pipe, _, err := buildPipeline(cmd.Context(), nil, log)
	if err != nil {
		return err
	}
	defer pipe.Terminate()

	req := pipeline.Request{
		Input: cache.Input{
			Name:    filepath.Base(inputPath),
			Data:    data,
			ModTime: info.ModTime(),
		},
		Options: encoder.Options{
			Quality: models.QualityTier(convertQuality),
			FPS:     convertFPS,
			Width:   convertWidth,
		},
	}
	if !convertQuiet {
		req.OnProgress = func(pct float64) {
			fmt.Fprintf(os.Stderr, "\rconverting... %3.0f%%", pct)
		}
	}

	started := time.Now()
	var res *pipeline.Result
	switch format {
	case models.FormatGIF:
		res, err = pipe.ConvertToGIF(cmd.Context(), req)
	case models.FormatWebP:
		res, err = pipe.ConvertToWebP(cmd.Context(), req)
	}
	if !convertQuiet {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return describeFailure(err)
	}

	outPath := convertOutput
	if outPath == "" {
		base := strings.TrimSuffix(inputPath, filepath.Ext(inputPath))
		outPath = base + "." + string(format)
	}
	if err := os.WriteFile(outPath, res.Data, 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	if IsJSONOutput() {
		summary := map[string]interface{}{
			"output":      outPath,
			"bytes":       len(res.Data),
			"duration_ms": time.Since(started).Milliseconds(),
			"decision":    res.Decision,
		}
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Wrote %s (%d bytes) in %s\n", outPath, len(res.Data), time.Since(started).Round(time.Millisecond))
	fmt.Printf("Path: %s (%s confidence, %s)\n", res.Decision.Path, res.Decision.Confidence, res.Decision.Source)
	return nil
}

// describeFailure turns a classified conversion error into actionable
// CLI output.
func describeFailure(err error) error {
	var ce *encoder.ConversionError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Class {
	case encoder.ClassCancelled:
		return fmt.Errorf("conversion cancelled")
	case encoder.ClassStalled:
		return fmt.Errorf("conversion stalled and was terminated: %s", ce.Hint)
	default:
		if ce.Hint != "" {
			return fmt.Errorf("conversion failed (%s): %s", ce.Class, ce.Hint)
		}
		return fmt.Errorf("conversion failed (%s): %v", ce.Class, ce.Err)
	}
}
