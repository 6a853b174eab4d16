package types

import "time"

// Error kinds counted in StatsSnapshot.Errors.
const (
	ErrKindParse            = "parse"
	ErrKindAnalysis         = "analysis"
	ErrKindGeneration       = "generation"
	ErrKindDeployRejected   = "deploy_rejected"
	ErrKindDeployRolledBack = "deploy_rolled_back"
)

// StatsSnapshot is a point-in-time copy of pipeline counters.
type StatsSnapshot struct {
	AlertsProcessed          int64            `json:"alerts_processed"`
	ParseErrors              int64            `json:"parse_errors"`
	AnalysesPerformed        int64            `json:"analyses_performed"`
	HighConfidenceDetections int64            `json:"high_confidence_detections"`
	RulesGenerated           int64            `json:"rules_generated"`
	RulesDeployed            int64            `json:"rules_deployed"`
	DeployRejected           int64            `json:"deploy_rejected"`
	DeployRolledBack         int64            `json:"deploy_rolled_back"`
	Errors                   map[string]int64 `json:"errors_by_kind"`
	InFlight                 int64            `json:"in_flight"`
	StartTime                time.Time        `json:"start_time"`
	LastUpdated              time.Time        `json:"last_updated"`
	UptimeSeconds            float64          `json:"uptime_seconds"`
}
