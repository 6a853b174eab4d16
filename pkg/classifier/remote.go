package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
	"github.com/invisible-tech/ids-rule-runner/internal/version"
)

const systemPrompt = `You are a cybersecurity expert specializing in network intrusion detection and threat analysis.
Analyze the IDS alert you are given and assess how likely it is to be a genuine threat.

Respond with a single JSON object:
{
    "confidence": 0.95,
    "threat_classification": "malware",
    "threat_description": "Detailed description of the threat",
    "recommended_action": "block",
    "additional_context": {"key": "value"}
}

confidence is a number from 0.0 to 1.0. recommended_action is one of block, reject, monitor, investigate, ignore.
Consider internal versus external addresses, ports and protocol, the alert classification and message,
time of day, known attack signatures and the likelihood of a false positive.`

// RemoteConfig configures the remote classifier.
type RemoteConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	// Timeout bounds a whole Score call, retries included.
	Timeout time.Duration
	// Retries is the number of extra attempts after a retryable failure.
	Retries int
	// Backoff is the delay before the first retry; it doubles on each retry.
	Backoff time.Duration
}

// Remote calls an OpenAI-compatible chat completions endpoint.
type Remote struct {
	cfg        RemoteConfig
	httpClient *http.Client
	log        *logrus.Logger
}

// NewRemote creates a remote classifier.
func NewRemote(cfg RemoteConfig, log *logrus.Logger) *Remote {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Remote{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// Name implements Classifier.
func (r *Remote) Name() string { return "remote" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type verdict struct {
	Confidence           float64                `json:"confidence"`
	ThreatClassification string                 `json:"threat_classification"`
	ThreatDescription    string                 `json:"threat_description"`
	RecommendedAction    string                 `json:"recommended_action"`
	AdditionalContext    map[string]interface{} `json:"additional_context"`
}

// statusError is a non-2xx response from the endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d: %s", e.code, e.body)
}

// Score implements Classifier.
func (r *Remote) Score(ctx context.Context, alert *types.Alert, fv *types.FeatureVector) (*types.AnalysisResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var (
		v       *verdict
		lastErr error
	)
	backoff := wait.Backoff{
		Duration: r.cfg.Backoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    r.cfg.Retries + 1,
	}
	attempt := 0
	err := wait.ExponentialBackoffWithContext(callCtx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		got, err := r.complete(ctx, alert, fv)
		if err == nil {
			v = got
			return true, nil
		}
		lastErr = err
		if !retryable(err) {
			return false, err
		}
		r.log.WithError(err).WithField("attempt", attempt).Debug("Remote classifier attempt failed")
		return false, nil
	})

	if v == nil {
		switch {
		case ctx.Err() != nil:
			return nil, &AnalysisError{Kind: KindCanceled, Classifier: r.Name(), Err: ctx.Err()}
		case callCtx.Err() != nil || isTimeout(lastErr):
			return nil, &AnalysisError{Kind: KindTimeout, Classifier: r.Name(), Err: fmt.Errorf("no verdict within %s: %w", r.cfg.Timeout, context.DeadlineExceeded)}
		}
		if lastErr == nil {
			lastErr = err
		}
		kind := KindTransport
		var se *statusError
		if errors.Is(lastErr, errBadVerdict) || (errors.As(lastErr, &se) && se.code < 500 && se.code != http.StatusTooManyRequests) {
			kind = KindResponse
		}
		return nil, &AnalysisError{Kind: kind, Classifier: r.Name(), Err: lastErr}
	}

	res := &types.AnalysisResult{
		ID:                uuid.NewString(),
		Confidence:        v.Confidence,
		ThreatLabel:       v.ThreatClassification,
		Rationale:         v.ThreatDescription,
		RecommendedAction: strings.ToLower(v.RecommendedAction),
		Context:           v.AdditionalContext,
		Classifier:        r.Name(),
		AnalyzedAt:        time.Now().UTC(),
		Alert:             alert,
	}
	if res.RecommendedAction == "" {
		res.RecommendedAction = "monitor"
	}
	if err := CheckConfidence(r.Name(), res); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"analysis_id":    res.ID,
		"confidence":     res.Confidence,
		"classification": res.ThreatLabel,
		"attempts":       attempt,
	}).Debug("Remote analysis complete")
	return res, nil
}

var errBadVerdict = errors.New("bad verdict")

// complete performs one chat completion round trip.
func (r *Remote) complete(ctx context.Context, alert *types.Alert, fv *types.FeatureVector) (*verdict, error) {
	body, err := json.Marshal(chatRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(alert, fv)},
		},
		Temperature: 0.3,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", r.cfg.APIKey))
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(data), 200)}
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", errBadVerdict, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", errBadVerdict)
	}
	content := []byte(stripFences(cr.Choices[0].Message.Content))
	if err := validateVerdict(content); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadVerdict, err)
	}
	var v verdict
	if err := json.Unmarshal(content, &v); err != nil {
		return nil, fmt.Errorf("%w: decode verdict: %v", errBadVerdict, err)
	}
	return &v, nil
}

// retryable reports whether another attempt may succeed: transport
// failures, rate limiting and server errors are retried, bad verdicts and
// other client errors are not.
func retryable(err error) bool {
	if errors.Is(err, errBadVerdict) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// stripFences removes a Markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func buildPrompt(a *types.Alert, fv *types.FeatureVector) string {
	var b strings.Builder
	b.WriteString("Analyze this IDS alert for threat assessment.\n\nALERT DETAILS:\n")
	fmt.Fprintf(&b, "- Timestamp: %s\n", a.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Message: %s\n", a.Message)
	fmt.Fprintf(&b, "- Classification: %s\n", a.Classification)
	fmt.Fprintf(&b, "- Priority: %d\n", a.Priority)
	fmt.Fprintf(&b, "- Protocol: %s\n", a.Protocol)
	fmt.Fprintf(&b, "- Source: %s:%d\n", a.SrcIP, a.SrcPort)
	fmt.Fprintf(&b, "- Destination: %s:%d\n", a.DstIP, a.DstPort)
	b.WriteString("\nEXTRACTED FEATURES:\n")
	fmt.Fprintf(&b, "- Source is internal: %t\n", fv.SrcInternal)
	fmt.Fprintf(&b, "- Destination is internal: %t\n", fv.DstInternal)
	fmt.Fprintf(&b, "- Traffic direction: %s\n", fv.Direction)
	fmt.Fprintf(&b, "- Source port category: %s\n", fv.SrcPortCategory)
	fmt.Fprintf(&b, "- Destination port category: %s\n", fv.DstPortCategory)
	fmt.Fprintf(&b, "- Suspicious port: %t\n", fv.SuspiciousPort)
	fmt.Fprintf(&b, "- Known attack pattern: %t (%s)\n", fv.KnownAttackPattern, fv.MatchedSignature)
	fmt.Fprintf(&b, "- Severity score: %.2f\n", fv.SeverityScore)
	fmt.Fprintf(&b, "- Time of day: %d (%s)\n", fv.HourOfDay, fv.TimeBucket)
	fmt.Fprintf(&b, "- Day of week: %d, weekend: %t\n", fv.DayOfWeek, fv.IsWeekend)
	fmt.Fprintf(&b, "- Recent alerts from source: %d, to destination: %d, same message: %d (window %d)\n",
		fv.RecentFromSource, fv.RecentToDest, fv.RecentSameMessage, fv.WindowOccupancy)
	return b.String()
}
