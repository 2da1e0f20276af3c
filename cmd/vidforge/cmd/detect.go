package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// detectCmd represents the detect command
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Show detected engine and host capabilities",
	RunE:  runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	log := newLogger()
	caps, err := detectCapabilities(cmd.Context(), log)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		out, err := json.MarshalIndent(caps, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Capability", "Available")
	table.Append("h264 decode", yesNo(caps.H264))
	table.Append("hevc decode", yesNo(caps.HEVC))
	table.Append("av1 decode", yesNo(caps.AV1))
	table.Append("vp8 decode", yesNo(caps.VP8))
	table.Append("vp9 decode", yesNo(caps.VP9))
	table.Append("gif encode", yesNo(caps.GIFEncoder))
	table.Append("webp encode", yesNo(caps.WebPEncoder))
	table.Append("hardware accel", yesNo(caps.HardwareAccel))
	table.Render()

	fmt.Printf("\nCPU cores: %d\n", caps.CPUCores)
	if caps.RAMBytes > 0 {
		fmt.Printf("RAM: %.1f GB\n", float64(caps.RAMBytes)/(1<<30))
	}
	return nil
}
