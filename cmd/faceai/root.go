package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/secondly/face-ai/internal/config"
)

var (
	flagConfig  string
	flagModels  string
	flagBackend string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "faceai",
	Short: "Face swapping for images and videos",
	Long: `faceai swaps faces in still images and videos using local ONNX models.

Models are expected under the models directory (see --models); faceai
never downloads them itself.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&flagModels, "models", "", "models directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "inference backend: auto, gpu or cpu")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

// loadConfig merges the config file with command line overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagModels != "" {
		cfg.ModelsDir = flagModels
	}
	if flagBackend != "" {
		cfg.Backend = flagBackend
	}
	return cfg, nil
}
