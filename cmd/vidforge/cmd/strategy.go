package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/pkg/models"
)

var strategyContainer string

// strategyCmd represents the strategy command
var strategyCmd = &cobra.Command{
	Use:   "strategy <codec> <format>",
	Short: "Show the execution path decision for a codec and format",
	Long: `Evaluate the strategy rules for a codec/format pair against the
detected capabilities and the learned history, and show the full
reasoning trace.`,
	Args: cobra.ExactArgs(2),
	RunE: runStrategy,
}

// strategyMatrixCmd represents the strategy matrix command
var strategyMatrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "List the predefined codec/format preference matrix",
	RunE:  runStrategyMatrix,
}

func init() {
	rootCmd.AddCommand(strategyCmd)
	strategyCmd.AddCommand(strategyMatrixCmd)
	strategyCmd.Flags().StringVar(&strategyContainer, "container", "", "source container format, e.g. mp4, avi")
}

func runStrategy(cmd *cobra.Command, args []string) error {
	codec, format := args[0], models.Format(args[1])

	log := newLogger()
	pipe, _, err := buildPipeline(cmd.Context(), nil, log)
	if err != nil {
		return err
	}

	decision, trace := pipe.StrategyReasoning(codec, format, strategyContainer)

	if IsJSONOutput() {
		out, err := json.MarshalIndent(map[string]interface{}{
			"decision": decision,
			"trace":    trace,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Path: %s\n", decision.Path)
	if decision.FallbackPath != "" {
		fmt.Printf("Fallback: %s\n", decision.FallbackPath)
	}
	fmt.Printf("Confidence: %s\n", decision.Confidence)
	fmt.Printf("Decided by: %s\n\n", decision.Source)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rule", "Path", "Accepted", "Detail")
	for _, c := range trace {
		accepted := "no"
		if c.Accepted {
			accepted = "yes"
		}
		table.Append(c.Rule, string(c.Path), accepted, c.Detail)
	}
	table.Render()
	return nil
}

func runStrategyMatrix(cmd *cobra.Command, args []string) error {
	log := newLogger()
	pipe, _, err := buildPipeline(cmd.Context(), nil, log)
	if err != nil {
		return err
	}

	entries := pipe.Registry().MatrixEntries()
	if IsJSONOutput() {
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Codec", "Format", "Preferred", "Fallback", "Reason")
	for _, e := range entries {
		table.Append(e.Codec, string(e.Format), string(e.PreferredPath), string(e.FallbackPath), e.Reason)
	}
	table.Render()
	return nil
}
