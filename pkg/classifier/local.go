package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/invisible-tech/ids-rule-runner/internal/features"
	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

// BurstThreshold is the number of recent alerts from one source that counts as a burst.
const BurstThreshold = 5

// localWeights apply to [severity, suspicious port or known pattern, burst].
var localWeights = []float64{1.0, 0.3, 0.1}

// Local scores alerts offline with a fixed linear model over the feature
// vector. The confidence depends only on its inputs.
type Local struct{}

// NewLocal creates a local classifier.
func NewLocal() *Local {
	return &Local{}
}

// Name implements Classifier.
func (l *Local) Name() string { return "local" }

// Confidence computes the local score for a feature vector.
func (l *Local) Confidence(fv *types.FeatureVector) float64 {
	x := []float64{fv.SeverityScore, 0, 0}
	if fv.SuspiciousPort || fv.KnownAttackPattern {
		x[1] = 1
	}
	if fv.RecentFromSource >= BurstThreshold {
		x[2] = 1
	}
	score := floats.Dot(localWeights, x)
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

// Score implements Classifier.
func (l *Local) Score(ctx context.Context, alert *types.Alert, fv *types.FeatureVector) (*types.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AnalysisError{Kind: KindCanceled, Classifier: l.Name(), Err: err}
	}
	conf := l.Confidence(fv)

	label := fv.MatchedSignature
	if label == "" || label == features.NoSignature {
		label = "suspicious-activity"
	}
	action := "monitor"
	if conf >= 0.9 {
		action = "block"
	}
	return &types.AnalysisResult{
		ID:                uuid.NewString(),
		Confidence:        conf,
		ThreatLabel:       label,
		Rationale:         fmt.Sprintf("severity %.2f, %s traffic, suspicious port %t, known pattern %t, %d recent alerts from source", fv.SeverityScore, fv.Direction, fv.SuspiciousPort, fv.KnownAttackPattern, fv.RecentFromSource),
		RecommendedAction: action,
		Classifier:        l.Name(),
		AnalyzedAt:        time.Now().UTC(),
		Alert:             alert,
	}, nil
}
