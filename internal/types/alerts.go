// Package types holds the records passed between pipeline stages.
package types

import (
	"fmt"
	"time"
)

// Alert is one detection-engine alert parsed from a two-line record.
// It is never mutated after the parser returns it.
type Alert struct {
	Timestamp      time.Time `json:"timestamp"`
	Classification string    `json:"classification"`
	Priority       int       `json:"priority"`
	Message        string    `json:"message"`
	Protocol       string    `json:"protocol"`
	SrcIP          string    `json:"src_ip"`
	SrcPort        int       `json:"src_port"`
	DstIP          string    `json:"dst_ip"`
	DstPort        int       `json:"dst_port"`
	Raw            string    `json:"raw"`
}

// Fingerprint identifies alerts that describe the same traffic pattern,
// ignoring when they were seen and the ephemeral source port.
func (a *Alert) Fingerprint() string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s|%d",
		a.Classification, a.Priority, a.Message, a.Protocol, a.SrcIP, a.DstIP, a.DstPort)
}

// AnalysisResult is a classifier verdict for one alert.
type AnalysisResult struct {
	ID                string                 `json:"id"`
	Confidence        float64                `json:"confidence"`
	ThreatLabel       string                 `json:"threat_label"`
	Rationale         string                 `json:"rationale"`
	RecommendedAction string                 `json:"recommended_action"`
	Context           map[string]interface{} `json:"additional_context,omitempty"`
	Classifier        string                 `json:"classifier"`
	Cached            bool                   `json:"cached,omitempty"`
	AnalyzedAt        time.Time              `json:"analyzed_at"`
	Alert             *Alert                 `json:"alert"`
}

// GeneratedRule is a detection rule built from an accepted analysis.
type GeneratedRule struct {
	SID        int             `json:"sid"`
	Text       string          `json:"rule"`
	AnalysisID string          `json:"analysis_id"`
	Analysis   *AnalysisResult `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}
