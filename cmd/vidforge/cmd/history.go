package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/pkg/models"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect learned conversion history",
}

// historyListCmd represents the history list command
var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded conversion attempts, oldest first",
	RunE:  runHistoryList,
}

// historyClearCmd represents the history clear command
var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all recorded conversion attempts",
	RunE:  runHistoryClear,
}

// historyRecommendCmd represents the history recommend command
var historyRecommendCmd = &cobra.Command{
	Use:   "recommend <codec> <format>",
	Short: "Show the history-derived path recommendation for a pair",
	Args:  cobra.ExactArgs(2),
	RunE:  runHistoryRecommend,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyRecommendCmd)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	log := newLogger()
	pipe, _, err := buildPipeline(cmd.Context(), nil, log)
	if err != nil {
		return err
	}

	records := pipe.History().All()
	if IsJSONOutput() {
		out, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(records) == 0 {
		fmt.Println("No conversions recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("When", "Codec", "Format", "Path", "Duration", "Outcome")
	for _, rec := range records {
		outcome := "ok"
		if !rec.Success {
			outcome = string(rec.FailurePhase) + " failure"
		}
		table.Append(
			rec.Timestamp.Format(time.RFC3339),
			rec.Codec,
			string(rec.Format),
			string(rec.Path),
			fmt.Sprintf("%dms", rec.DurationMs),
			outcome,
		)
	}
	table.Render()
	return nil
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	log := newLogger()
	pipe, _, err := buildPipeline(cmd.Context(), nil, log)
	if err != nil {
		return err
	}
	pipe.History().Clear()
	fmt.Println("History cleared")
	return nil
}

func runHistoryRecommend(cmd *cobra.Command, args []string) error {
	codec, format := args[0], models.Format(args[1])

	log := newLogger()
	pipe, _, err := buildPipeline(cmd.Context(), nil, log)
	if err != nil {
		return err
	}

	rec := pipe.History().RecommendedPath(codec, format)
	if rec == nil {
		fmt.Printf("No successful history for %s/%s yet\n", codec, format)
		return nil
	}

	if IsJSONOutput() {
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Path: %s\n", rec.Path)
	fmt.Printf("Confidence: %.0f%%\n", rec.Confidence*100)
	fmt.Printf("Based on: %d records, avg %dms\n", rec.BasedOnRecords, rec.AvgDurationMs)
	return nil
}
