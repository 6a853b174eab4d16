package classifier

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Model types understood by New.
const (
	ModelRemote = "remote"
	ModelLocal  = "local"
)

// Options selects and configures a classifier.
type Options struct {
	ModelType string
	Remote    RemoteConfig
	// CacheSize of 0 disables the verdict cache.
	CacheSize int
	CacheTTL  time.Duration
}

// New builds the configured classifier. A remote model without an API key
// falls back to the local model.
func New(opts Options, log *logrus.Logger) Classifier {
	var c Classifier
	switch {
	case opts.ModelType == ModelRemote && opts.Remote.APIKey != "":
		c = NewRemote(opts.Remote, log)
	case opts.ModelType == ModelRemote:
		log.Warn("No API key configured for remote model, falling back to local classifier")
		c = NewLocal()
	default:
		c = NewLocal()
	}
	if opts.CacheSize > 0 {
		c = NewCached(c, opts.CacheSize, opts.CacheTTL)
	}
	log.WithFields(logrus.Fields{
		"classifier": c.Name(),
		"model":      opts.Remote.Model,
		"cache_size": opts.CacheSize,
	}).Info("Classifier ready")
	return c
}
