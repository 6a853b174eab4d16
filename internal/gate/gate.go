// Package gate decides whether an analysis is confident enough to become a rule.
package gate

import "github.com/invisible-tech/ids-rule-runner/internal/types"

// DefaultThreshold is the minimum confidence for rule generation.
const DefaultThreshold = 0.98

// Accept reports whether result meets threshold. Equality is accepted.
func Accept(result *types.AnalysisResult, threshold float64) bool {
	return result != nil && result.Confidence >= threshold
}

// Gate applies a fixed threshold.
type Gate struct {
	threshold float64
}

// New creates a gate with the given threshold.
func New(threshold float64) *Gate {
	return &Gate{threshold: threshold}
}

// Accept reports whether result meets the gate's threshold.
func (g *Gate) Accept(result *types.AnalysisResult) bool {
	return Accept(result, g.threshold)
}

// Threshold returns the configured threshold.
func (g *Gate) Threshold() float64 {
	return g.threshold
}
