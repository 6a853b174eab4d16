// Package notify publishes rule deployment outcomes to other systems.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

// Event describes one rule deployment.
type Event struct {
	Type        string  `json:"type"`
	Host        string  `json:"host"`
	SID         int     `json:"sid"`
	AnalysisID  string  `json:"analysis_id"`
	State       string  `json:"state"`
	Diagnostic  string  `json:"diagnostic,omitempty"`
	Confidence  float64 `json:"confidence"`
	ThreatLabel string  `json:"threat_label"`
	Rule        string  `json:"rule"`
	Timestamp   string  `json:"timestamp"`
}

// NewEvent builds the event for a deployed, rejected or rolled back rule.
func NewEvent(rule *types.GeneratedRule, state, diagnostic string) *Event {
	host, _ := os.Hostname()
	ev := &Event{
		Type:       "rule_deployment",
		Host:       host,
		SID:        rule.SID,
		AnalysisID: rule.AnalysisID,
		State:      state,
		Diagnostic: diagnostic,
		Rule:       rule.Text,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if rule.Analysis != nil {
		ev.Confidence = rule.Analysis.Confidence
		ev.ThreatLabel = rule.Analysis.ThreatLabel
	}
	return ev
}

// Publisher delivers deployment events.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// NATS publishes events as JSON on a NATS subject.
type NATS struct {
	nc      *nats.Conn
	subject string
	log     *logrus.Logger
}

// ConnectNATS connects to url and publishes on subject.
func ConnectNATS(url, subject string, log *logrus.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("ids-rule-runner"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.WithFields(logrus.Fields{"url": url, "subject": subject}).Info("Publishing deployments to NATS")
	return &NATS{nc: nc, subject: subject, log: log}, nil
}

// Publish implements Publisher.
func (n *NATS) Publish(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}
