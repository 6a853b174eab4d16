// Package classifier scores alerts. Remote calls an OpenAI-compatible chat
// completions endpoint, Local scores offline from the feature vector, and
// Cached memoizes either by alert fingerprint.
package classifier

import (
	"context"
	"fmt"
	"math"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

// Classifier scores one alert. Implementations must be safe for concurrent use.
type Classifier interface {
	Score(ctx context.Context, alert *types.Alert, fv *types.FeatureVector) (*types.AnalysisResult, error)
	Name() string
}

// ErrorKind distinguishes analysis failures.
type ErrorKind string

// Analysis error kinds.
const (
	KindTimeout    ErrorKind = "timeout"
	KindTransport  ErrorKind = "transport"
	KindResponse   ErrorKind = "response"
	KindOutOfRange ErrorKind = "out_of_range"
	KindCanceled   ErrorKind = "canceled"
)

// AnalysisError is returned when a classifier cannot produce a usable
// verdict. Callers skip the alert and count the error.
type AnalysisError struct {
	Kind       ErrorKind
	Classifier string
	Err        error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s classifier: %s: %v", e.Classifier, e.Kind, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// CheckConfidence rejects a result whose confidence is not a number in [0,1].
func CheckConfidence(name string, r *types.AnalysisResult) error {
	if r == nil {
		return &AnalysisError{Kind: KindResponse, Classifier: name, Err: fmt.Errorf("nil result")}
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return &AnalysisError{Kind: KindOutOfRange, Classifier: name, Err: fmt.Errorf("confidence %v outside [0,1]", r.Confidence)}
	}
	return nil
}
