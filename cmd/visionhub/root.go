package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/menta2k/visionhub"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "visionhub",
	Short:         "Route image analysis to vision models",
	Long:          "Run object detection, scene description, OCR and face recognition on an image, routing each task to the best registered model.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", visionhub.ConfigPath(), "config file (YAML)")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and installs the configured log handler
func loadConfig() (*visionhub.Config, error) {
	cfg, err := visionhub.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func openHub() (*visionhub.Hub, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	h, err := visionhub.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init hub: %w", err)
	}
	return h, nil
}

func setupLogging(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "visionhub %s\n", visionhub.GetVersion())
	},
}
