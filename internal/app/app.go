// Package app wires the configured pipeline together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/ids-rule-runner/internal/config"
	"github.com/invisible-tech/ids-rule-runner/internal/detection"
	"github.com/invisible-tech/ids-rule-runner/internal/features"
	"github.com/invisible-tech/ids-rule-runner/internal/gate"
	"github.com/invisible-tech/ids-rule-runner/internal/history"
	"github.com/invisible-tech/ids-rule-runner/internal/pipeline"
	"github.com/invisible-tech/ids-rule-runner/internal/rules"
	"github.com/invisible-tech/ids-rule-runner/internal/server"
	"github.com/invisible-tech/ids-rule-runner/pkg/alertsource"
	"github.com/invisible-tech/ids-rule-runner/pkg/classifier"
	"github.com/invisible-tech/ids-rule-runner/pkg/deployer"
	"github.com/invisible-tech/ids-rule-runner/pkg/notify"
)

// App is a fully wired runner.
type App struct {
	Pipeline *pipeline.Pipeline

	log       *logrus.Logger
	tailer    *alertsource.Tailer
	history   *history.Store
	publisher notify.Publisher
	server    *server.Server
}

// Build constructs every stage from cfg. Errors are startup failures: an
// unreadable alert file, an unusable rule directory or SID state, or an
// unreachable optional store.
func Build(cfg config.RunnerConfig, log *logrus.Logger) (*App, error) {
	a := &App{log: log, publisher: notify.Nop{}}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	a.tailer, err = alertsource.New(alertsource.Config{
		Path:       cfg.AlertFilePath,
		OffsetPath: cfg.OffsetFilePath,
		FromStart:  cfg.FromStart,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert file: %w", err)
	}

	alloc, err := rules.NewSIDAllocator(cfg.SIDStart, cfg.SIDStateFilePath, filepath.Dir(cfg.RuleFilePath))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SID allocator: %w", err)
	}
	gen := rules.NewGenerator(rules.Options{
		Prefix:    cfg.RulePrefix,
		Classtype: cfg.RuleClasstype,
		Priority:  cfg.RulePriority,
	}, alloc, log)

	var validator deployer.Validator = deployer.SyntaxValidator{}
	if len(cfg.ValidateCommand) > 0 {
		validator = deployer.Chain{
			deployer.SyntaxValidator{},
			deployer.ExecValidator{Command: cfg.ValidateCommand, Log: log},
		}
	}
	dep := deployer.New(deployer.Config{
		RulePath:    cfg.RuleFilePath,
		BackupCount: cfg.BackupCount,
	}, validator, &deployer.CommandReloader{
		Commands: cfg.ReloadCommands,
		PIDFile:  cfg.PIDFile,
		Log:      log,
	}, log)

	cls := classifier.New(classifier.Options{
		ModelType: cfg.EffectiveModelType(),
		Remote: classifier.RemoteConfig{
			Endpoint: cfg.ModelEndpoint,
			APIKey:   cfg.APIKey,
			Model:    cfg.ModelName,
			Timeout:  cfg.ClassifierTimeout,
			Retries:  cfg.ClassifierRetries,
		},
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL,
	}, log)

	if cfg.HistoryPath != "" {
		if a.history, err = history.Open(cfg.HistoryPath, log); err != nil {
			return nil, err
		}
	}
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, log)
		if err != nil {
			return nil, err
		}
		a.publisher = nc
	}

	a.Pipeline = pipeline.New(pipeline.Config{
		MaxAlertsPerBatch: cfg.MaxAlertsPerBatch,
		MaxConcurrent:     cfg.MaxConcurrentAnalyses,
		PollInterval:      cfg.PollInterval(),
		GracePeriod:       cfg.ShutdownGracePeriod,
		WindowSize:        cfg.WindowSize,
		WindowHorizon:     cfg.WindowHorizon,
		StatsPath:         cfg.StatsFilePath,
		StatsInterval:     cfg.StatsInterval(),
		HistoryRetention:  time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour,
	}, pipeline.Deps{
		Source:     a.tailer,
		Extractor:  features.NewExtractor(detection.NewEngine(), cfg.WindowHorizon),
		Classifier: cls,
		Gate:       gate.New(cfg.ConfidenceThreshold),
		Generator:  gen,
		Deployer:   dep,
		History:    a.history,
		Publisher:  a.publisher,
	}, log)

	if cfg.HTTPAddr != "" {
		a.server = server.New(cfg.HTTPAddr, a.Pipeline, log)
	}
	ok = true
	return a, nil
}

// Run starts the status server, if configured, and runs the pipeline until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.server != nil {
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Error("Status API error")
			}
		}()
	}
	err := a.Pipeline.Run(ctx)

	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("Status API shutdown error")
		}
	}
	return err
}

// Close releases the alert file, the history store and the publisher.
func (a *App) Close() error {
	var errs []error
	if a.tailer != nil {
		errs = append(errs, a.tailer.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	return errors.Join(errs...)
}
