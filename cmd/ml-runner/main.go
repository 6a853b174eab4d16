package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/invisible-tech/ids-rule-runner/internal/app"
	"github.com/invisible-tech/ids-rule-runner/internal/config"
	"github.com/invisible-tech/ids-rule-runner/internal/version"
)

type options struct {
	configPath string
	model      string
	modelName  string
	confidence float64
	testConfig bool
	verbose    bool
	quiet      bool
	logFile    string
}

func main() {
	cmd, _ := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, *options) {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "ml-runner",
		Short: "Turn IDS alerts into validated detection rules",
		Long: `ml-runner tails the detection engine's alert log, scores each alert with a
remote or local classifier and deploys a new rule for every high-confidence
threat.

Examples:
  # Run with the default configuration search path
  ml-runner

  # Check configuration and permissions, then exit
  ml-runner --config /etc/snort/ml_runner/config.yaml --test-config

  # Use the offline classifier with a lower threshold
  ml-runner --model local --confidence 0.9`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Configuration file path (YAML or JSON)")
	f.StringVar(&opts.model, "model", "", "Classifier to use: remote or local")
	f.StringVar(&opts.modelName, "model-name", "", "Remote model name")
	f.Float64Var(&opts.confidence, "confidence", 0, "Confidence threshold for rule generation (0-1)")
	f.BoolVar(&opts.testConfig, "test-config", false, "Validate configuration and exit")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Only log warnings and errors")
	f.StringVar(&opts.logFile, "log-file", "", "Also write logs to this file")
	return cmd, opts
}

// applyFlags layers explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.RunnerConfig, opts *options) {
	f := cmd.Flags()
	if f.Changed("model") {
		cfg.ModelType = opts.model
	}
	if f.Changed("model-name") {
		cfg.ModelName = opts.modelName
	}
	if f.Changed("confidence") {
		cfg.ConfidenceThreshold = opts.confidence
	}
	if f.Changed("log-file") {
		cfg.LogFile = opts.logFile
	}
	switch {
	case opts.verbose:
		cfg.LogLevel = "debug"
	case opts.quiet:
		cfg.LogLevel = "warn"
	}
	cfg.Normalize()
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, source, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	applyFlags(cmd, &cfg, opts)

	if opts.testConfig {
		checks := config.Preflight(cfg)
		printReport(cmd.OutOrStdout(), source, cfg, checks)
		return config.FirstFailure(checks)
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	defer closeLog()

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"config":  source,
	}).Info("Starting IDS rule runner")

	if err := config.FirstFailure(config.Preflight(cfg)); err != nil {
		log.WithError(err).Error("Startup checks failed")
		return err
	}

	a, err := app.Build(cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to start")
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		log.Info("Received shutdown signal")
	}()

	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("Runner stopped with error")
		return err
	}
	log.Info("Runner shutdown complete")
	return nil
}

func newLogger(cfg config.RunnerConfig) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		return log, func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return log, func() { f.Close() }, nil
}
