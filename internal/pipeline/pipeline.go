// Package pipeline drives alerts from the alert log through classification
// to deployed rules.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/ids-rule-runner/internal/features"
	"github.com/invisible-tech/ids-rule-runner/internal/gate"
	"github.com/invisible-tech/ids-rule-runner/internal/history"
	"github.com/invisible-tech/ids-rule-runner/internal/parser"
	"github.com/invisible-tech/ids-rule-runner/internal/rules"
	"github.com/invisible-tech/ids-rule-runner/internal/types"
	"github.com/invisible-tech/ids-rule-runner/pkg/alertsource"
	"github.com/invisible-tech/ids-rule-runner/pkg/classifier"
	"github.com/invisible-tech/ids-rule-runner/pkg/deployer"
	"github.com/invisible-tech/ids-rule-runner/pkg/notify"
)

const recentRuleCount = 100

// Source yields complete lines appended to the alert log.
type Source interface {
	ReadLines(max int) ([]alertsource.Line, error)
	Wait(ctx context.Context, d time.Duration) error
	Commit() error
	// CommitBefore persists a position from which l is read again.
	CommitBefore(l alertsource.Line) error
}

// Deployer installs a generated rule.
type Deployer interface {
	Deploy(ctx context.Context, rule *types.GeneratedRule) *deployer.Result
}

// Config holds the orchestration settings.
type Config struct {
	MaxAlertsPerBatch int
	MaxConcurrent     int
	PollInterval      time.Duration
	GracePeriod       time.Duration
	WindowSize        int
	WindowHorizon     time.Duration

	StatsPath     string
	StatsInterval time.Duration
	// HistoryRetention is how long history rows are kept; 0 keeps them forever.
	HistoryRetention time.Duration
}

// Deps are the pipeline stages. History and Publisher are optional.
type Deps struct {
	Source     Source
	Extractor  *features.Extractor
	Classifier classifier.Classifier
	Gate       *gate.Gate
	Generator  *rules.Generator
	Deployer   Deployer
	History    *history.Store
	Publisher  notify.Publisher
}

// Pipeline is the orchestrator. Parsing and feature extraction run in log
// order on the calling goroutine; classifications run concurrently up to
// MaxConcurrent; generation and deployment are serialized.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *logrus.Logger

	assembler *parser.Assembler
	// pendingLine is the header line the assembler holds, if any.
	pendingLine alertsource.Line
	window      *features.Window
	stats       *Stats
	sem         *semaphore.Weighted
	wg          sync.WaitGroup

	// deployMu keeps SIDs appended to the rule file in allocation order.
	deployMu sync.Mutex

	rulesMu sync.RWMutex
	recent  []*types.GeneratedRule
}

// New creates a pipeline.
func New(cfg Config, deps Deps, log *logrus.Logger) *Pipeline {
	if cfg.MaxAlertsPerBatch < 1 {
		cfg.MaxAlertsPerBatch = 10
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	return &Pipeline{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		assembler: parser.NewAssembler(),
		window:    features.NewWindow(cfg.WindowSize, cfg.WindowHorizon),
		stats:     NewStats(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() types.StatsSnapshot {
	return p.stats.Snapshot()
}

// RecentRules returns up to limit generated rules, newest last.
func (p *Pipeline) RecentRules(limit int) []*types.GeneratedRule {
	p.rulesMu.RLock()
	defer p.rulesMu.RUnlock()
	n := len(p.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*types.GeneratedRule, limit)
	copy(out, p.recent[n-limit:])
	return out
}

// Run processes batches until ctx is cancelled, then stops intake, lets
// in-flight classifications finish within the grace period and flushes the
// statistics. It returns nil on a clean shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	statsCtx, stopStats := context.WithCancel(ctx)
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		wait.UntilWithContext(statsCtx, p.tick, p.cfg.StatsInterval)
	}()

	p.log.WithFields(logrus.Fields{
		"classifier":     p.deps.Classifier.Name(),
		"threshold":      p.deps.Gate.Threshold(),
		"batch":          p.cfg.MaxAlertsPerBatch,
		"max_concurrent": p.cfg.MaxConcurrent,
		"poll_interval":  p.cfg.PollInterval.String(),
	}).Info("Pipeline started")

	for ctx.Err() == nil {
		n, err := p.processBatch(ctx, workCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.WithError(err).Error("Failed to read alert log")
		}
		// A full batch means the log may hold more; read again without waiting.
		if n >= p.cfg.MaxAlertsPerBatch {
			continue
		}
		if err := p.deps.Source.Wait(ctx, p.cfg.PollInterval); err != nil {
			break
		}
	}

	stopStats()
	<-statsDone
	p.shutdown(cancelWork)
	return nil
}

// RunOnce processes one batch and waits for its classifications and
// deployments to finish. It returns the number of alerts parsed.
func (p *Pipeline) RunOnce(ctx context.Context) (int, error) {
	n, err := p.processBatch(ctx, ctx)
	p.wg.Wait()
	return n, err
}

// processBatch reads, parses and extracts up to one batch of alerts in log
// order and dispatches their classification. Intake stops when ctx ends;
// classifications run under workCtx.
func (p *Pipeline) processBatch(ctx, workCtx context.Context) (int, error) {
	lines, err := p.deps.Source.ReadLines(2 * p.cfg.MaxAlertsPerBatch)
	if err != nil {
		return 0, err
	}

	var alerts []*types.Alert
	for _, line := range lines {
		alert, err := p.assembler.Feed(line.Text)
		if err != nil {
			p.parseError(err)
		}
		if alert != nil {
			alerts = append(alerts, alert)
		}
		// Any non-blank line that leaves a header pending is that header.
		if p.assembler.Pending() && strings.TrimSpace(line.Text) != "" {
			p.pendingLine = line
		}
	}

	for i, alert := range alerts {
		fv := p.deps.Extractor.Extract(alert, p.window.Snapshot())
		p.window.Add(alert)
		p.stats.update(func(s *types.StatsSnapshot) { s.AlertsProcessed++ })
		alertsProcessed.Inc()

		if err := p.dispatch(ctx, workCtx, alert, fv); err != nil {
			p.log.WithField("dropped", len(alerts)-i).Warn("Intake stopped with alerts not yet classified")
			return i, err
		}
	}

	if len(lines) > 0 {
		p.commit()
	}
	return len(alerts), nil
}

// commit persists the read position. A header still waiting for its detail
// line is left unconsumed so a restart reassembles the record.
func (p *Pipeline) commit() {
	var err error
	if p.assembler.Pending() {
		err = p.deps.Source.CommitBefore(p.pendingLine)
	} else {
		err = p.deps.Source.Commit()
	}
	if err != nil {
		p.log.WithError(err).Warn("Failed to persist alert log offset")
	}
}

func (p *Pipeline) parseError(err error) {
	p.stats.addError(types.ErrKindParse)
	p.log.WithError(err).Warn("Skipping malformed alert line")
}

func (p *Pipeline) dispatch(ctx, workCtx context.Context, alert *types.Alert, fv *types.FeatureVector) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	p.stats.addInFlight(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.stats.addInFlight(-1)
		p.analyze(workCtx, alert, fv)
	}()
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, alert *types.Alert, fv *types.FeatureVector) {
	name := p.deps.Classifier.Name()
	start := time.Now()
	res, err := p.deps.Classifier.Score(ctx, alert, fv)
	classifyDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err == nil {
		err = classifier.CheckConfidence(name, res)
	}
	if err != nil {
		reason := "unknown"
		var ae *classifier.AnalysisError
		if errors.As(err, &ae) {
			reason = string(ae.Kind)
		}
		analysisFailures.WithLabelValues(name, reason).Inc()
		p.stats.addError(types.ErrKindAnalysis)
		p.log.WithError(err).WithFields(logrus.Fields{
			"src": alert.SrcIP,
			"dst": alert.DstIP,
			"msg": alert.Message,
		}).Warn("Alert analysis failed")
		return
	}
	p.complete(ctx, res)
}

// complete applies the gate to a verdict and, when accepted, generates and
// deploys a rule.
func (p *Pipeline) complete(ctx context.Context, res *types.AnalysisResult) {
	accepted := p.deps.Gate.Accept(res)
	p.stats.update(func(s *types.StatsSnapshot) {
		s.AnalysesPerformed++
		if accepted {
			s.HighConfidenceDetections++
		}
	})
	outcome := "below_threshold"
	if accepted {
		outcome = "accepted"
	}
	analyses.WithLabelValues(res.Classifier, outcome).Inc()

	if p.deps.History != nil {
		if err := p.deps.History.RecordAnalysis(ctx, res, accepted); err != nil {
			p.log.WithError(err).Warn("Failed to record analysis")
		}
	}

	entry := p.log.WithFields(logrus.Fields{
		"analysis_id": res.ID,
		"confidence":  res.Confidence,
		"threat":      res.ThreatLabel,
		"cached":      res.Cached,
	})
	if !accepted {
		entry.Debug("Verdict below confidence threshold")
		return
	}
	entry.Info("High-confidence threat detected")

	p.deployMu.Lock()
	defer p.deployMu.Unlock()

	rule, err := p.deps.Generator.Generate(res)
	if err != nil {
		p.stats.addError(types.ErrKindGeneration)
		entry.WithError(err).Error("Failed to generate rule")
		return
	}
	p.stats.update(func(s *types.StatsSnapshot) { s.RulesGenerated++ })
	rulesGenerated.Inc()

	result := p.deps.Deployer.Deploy(ctx, rule)
	deployments.WithLabelValues(string(result.State)).Inc()
	switch result.State {
	case deployer.StateReloaded:
		p.stats.update(func(s *types.StatsSnapshot) { s.RulesDeployed++ })
	case deployer.StateRolledBack:
		p.stats.addError(types.ErrKindDeployRolledBack)
	default:
		p.stats.addError(types.ErrKindDeployRejected)
	}

	p.rulesMu.Lock()
	p.recent = append(p.recent, rule)
	if len(p.recent) > recentRuleCount {
		p.recent = p.recent[len(p.recent)-recentRuleCount:]
	}
	p.rulesMu.Unlock()

	if p.deps.History != nil {
		if err := p.deps.History.RecordRule(ctx, rule, string(result.State), result.Diagnostic); err != nil {
			p.log.WithError(err).Warn("Failed to record rule")
		}
	}
	if err := p.deps.Publisher.Publish(ctx, notify.NewEvent(rule, string(result.State), result.Diagnostic)); err != nil {
		p.log.WithError(err).WithField("sid", rule.SID).Warn("Failed to publish deployment event")
	}
}

// tick logs and persists the statistics and prunes old history.
func (p *Pipeline) tick(ctx context.Context) {
	snap := p.writeStats()
	p.log.WithFields(logrus.Fields{
		"alerts":     humanize.Comma(snap.AlertsProcessed),
		"analyses":   humanize.Comma(snap.AnalysesPerformed),
		"detections": humanize.Comma(snap.HighConfidenceDetections),
		"rules":      humanize.Comma(snap.RulesGenerated),
		"deployed":   humanize.Comma(snap.RulesDeployed),
		"errors":     snap.Errors,
		"in_flight":  snap.InFlight,
		"started":    humanize.Time(snap.StartTime),
	}).Info("Pipeline statistics")

	if p.deps.History != nil && p.cfg.HistoryRetention > 0 {
		if _, err := p.deps.History.Prune(ctx, time.Now().Add(-p.cfg.HistoryRetention)); err != nil {
			p.log.WithError(err).Warn("Failed to prune history")
		}
	}
}

func (p *Pipeline) writeStats() types.StatsSnapshot {
	snap := p.stats.Snapshot()
	if p.cfg.StatsPath != "" {
		if err := WriteStatsFile(p.cfg.StatsPath, snap); err != nil {
			p.log.WithError(err).WithField("path", p.cfg.StatsPath).Warn("Failed to write statistics")
		}
	}
	return snap
}

func (p *Pipeline) shutdown(cancelWork context.CancelFunc) {
	p.log.WithField("in_flight", p.stats.Snapshot().InFlight).Info("Shutting down pipeline")

	if p.assembler.Pending() {
		p.log.WithField("offset", p.pendingLine.Offset).Info("Alert header awaiting its detail line, it will be read again on restart")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.GracePeriod):
		p.log.WithField("grace_period", p.cfg.GracePeriod.String()).Warn("Grace period expired, cancelling in-flight classifications")
		cancelWork()
		<-done
	}

	p.commit()
	snap := p.writeStats()
	p.log.WithFields(logrus.Fields{
		"alerts":   snap.AlertsProcessed,
		"rules":    snap.RulesGenerated,
		"deployed": snap.RulesDeployed,
		"uptime":   time.Duration(snap.UptimeSeconds * float64(time.Second)).Round(time.Second).String(),
	}).Info("Pipeline stopped")
}
