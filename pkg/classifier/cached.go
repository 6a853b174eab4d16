package classifier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

// Cached reuses verdicts for alerts with the same fingerprint seen within
// the TTL. Each hit gets a fresh analysis ID and the new alert.
type Cached struct {
	inner Classifier
	cache *expirable.LRU[string, types.AnalysisResult]
}

// NewCached wraps inner with an LRU of the given size and TTL.
func NewCached(inner Classifier, size int, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: expirable.NewLRU[string, types.AnalysisResult](size, nil, ttl),
	}
}

// Name implements Classifier.
func (c *Cached) Name() string { return c.inner.Name() }

// Score implements Classifier. Errors are never cached.
func (c *Cached) Score(ctx context.Context, alert *types.Alert, fv *types.FeatureVector) (*types.AnalysisResult, error) {
	key := alert.Fingerprint()
	if prior, ok := c.cache.Get(key); ok {
		res := prior
		res.ID = uuid.NewString()
		res.Alert = alert
		res.Cached = true
		res.AnalyzedAt = time.Now().UTC()
		return &res, nil
	}
	res, err := c.inner.Score(ctx, alert, fv)
	if err != nil {
		return nil, err
	}
	if err := CheckConfidence(c.Name(), res); err != nil {
		return nil, err
	}
	c.cache.Add(key, *res)
	return res, nil
}

// Len returns the number of cached verdicts.
func (c *Cached) Len() int {
	return c.cache.Len()
}
