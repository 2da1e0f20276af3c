package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/pkg/cache"
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe <input>",
	Short: "Print the stream metadata of a video file",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	inputPath := args[0]
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

	meta, err := pipe.VideoMetadata(cmd.Context(), cache.Input{
		Name:    filepath.Base(inputPath),
		Data:    data,
		ModTime: info.ModTime(),
	})
	if err != nil {
		return fmt.Errorf("probing %s: %w", inputPath, err)
	}

	if IsJSONOutput() {
		out, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Codec: %s\n", meta.Codec)
	fmt.Printf("Container: %s\n", meta.Container)
	fmt.Printf("Resolution: %dx%d\n", meta.Width, meta.Height)
	fmt.Printf("Duration: %dms\n", meta.DurationMs)
	if meta.FrameRate > 0 {
		fmt.Printf("Frame rate: %.2f fps\n", meta.FrameRate)
	}
	if meta.BitrateKbps > 0 {
		fmt.Printf("Bitrate: %d kb/s\n", meta.BitrateKbps)
	}
	return nil
}
