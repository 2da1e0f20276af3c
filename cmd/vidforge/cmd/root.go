package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vidforge/vidforge/pkg/capability"
	"github.com/vidforge/vidforge/pkg/engine"
	"github.com/vidforge/vidforge/pkg/history"
	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/metrics"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/pipeline"
	"github.com/vidforge/vidforge/pkg/strategy"
)

var (
	cfgFile      string
	outputFormat string
	ffmpegBinary string
	matrixFile   string
	logLevel     string
	logJSON      bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vidforge",
	Short: "Video to animated GIF/WebP conversion engine",
	Long: `vidforge converts videos to animated GIF and WebP, choosing an
execution path per codec and format from a predefined preference matrix
and learned conversion history.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vidforge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&ffmpegBinary, "ffmpeg", "", "ffmpeg binary (default from config or PATH)")
	rootCmd.PersistentFlags().StringVar(&matrixFile, "matrix", "", "strategy matrix override file (yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".vidforge"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("vidforge")
	viper.AutomaticEnv()
	viper.BindEnv("ffmpeg", "VIDFORGE_FFMPEG")
	viper.BindEnv("history_path", "VIDFORGE_HISTORY_PATH")

	if err := viper.ReadInConfig(); err == nil {
		if ffmpegBinary == "" {
			ffmpegBinary = viper.GetString("ffmpeg")
		}
		if matrixFile == "" {
			matrixFile = viper.GetString("matrix")
		}
	}
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func newLogger() *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(logLevel), logJSON)
}

// detectCapabilities probes the configured ffmpeg binary and the host
func detectCapabilities(ctx context.Context, log *logging.Logger) (*models.Capabilities, error) {
	caps, err := capability.Detect(ctx, ffmpegBinary, log)
	if err != nil {
		return nil, fmt.Errorf("detecting capabilities (is ffmpeg installed?): %w", err)
	}
	return caps, nil
}

// snapshotStore opens the configured history snapshot location
func snapshotStore(log *logging.Logger) history.SnapshotStore {
	path := viper.GetString("history_path")
	if path == "" {
		var err error
		path, err = history.DefaultSnapshotPath()
		if err != nil {
			log.Warn("no usable history location, history will not persist", map[string]interface{}{"error": err.Error()})
			return nil
		}
	}
	return history.NewFileSnapshotStore(path)
}

// buildPipeline assembles the full component graph for a command run
func buildPipeline(ctx context.Context, rec *metrics.Recorder, log *logging.Logger) (*pipeline.Pipeline, *models.Capabilities, error) {
	caps, err := detectCapabilities(ctx, log)
	if err != nil {
		return nil, nil, err
	}

	bin := ffmpegBinary
	cfg := pipeline.Config{
		EngineFactory: func() (engine.Engine, error) {
			return engine.NewFFmpegEngine(bin)
		},
	}
	if matrixFile != "" {
		overrides, err := strategy.LoadMatrixFile(matrixFile)
		if err != nil {
			return nil, nil, fmt.Errorf("loading matrix overrides: %w", err)
		}
		cfg.MatrixOverrides = overrides
	}

	env := capability.DetectEnvironment()
	pipe := pipeline.New(env, caps, cfg, snapshotStore(log), rec, log)
	return pipe, caps, nil
}
