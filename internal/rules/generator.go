// Package rules builds detection-engine rules from accepted analyses.
package rules

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

const maxMsgDetail = 80

var ruleProtocols = sets.New[string]("tcp", "udp", "icmp", "ip")

// GenerationError reports an analysis that cannot be turned into a valid
// rule. No SID is consumed when it is returned.
type GenerationError struct {
	AnalysisID string
	Reason     string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("cannot generate rule for analysis %s: %s", e.AnalysisID, e.Reason)
}

// Options control the fixed parts of generated rules.
type Options struct {
	Prefix    string
	Classtype string
	Priority  int
}

// Generator assembles rule text and assigns SIDs.
type Generator struct {
	opts  Options
	alloc *SIDAllocator
	log   *logrus.Logger
	now   func() time.Time

	// mu makes SID allocation and rule assembly one step.
	mu sync.Mutex
}

// NewGenerator creates a generator drawing SIDs from alloc.
func NewGenerator(opts Options, alloc *SIDAllocator, log *logrus.Logger) *Generator {
	if opts.Prefix == "" {
		opts.Prefix = "ML_GENERATED"
	}
	if opts.Classtype == "" {
		opts.Classtype = "trojan-activity"
	}
	if opts.Priority < 1 {
		opts.Priority = 1
	}
	return &Generator{opts: opts, alloc: alloc, log: log, now: time.Now}
}

// Generate builds a rule for res. It is safe for concurrent use; concurrent
// calls always receive distinct SIDs.
func (g *Generator) Generate(res *types.AnalysisResult) (*types.GeneratedRule, error) {
	if res == nil {
		return nil, &GenerationError{Reason: "nil analysis"}
	}
	hdr, err := g.header(res)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sid, err := g.alloc.Next()
	if err != nil {
		// The SID is still unique in this process; the rule file scan
		// recovers the mark on restart once the rule is deployed.
		g.log.WithError(err).WithField("sid", sid).Warn("SID high-water mark not persisted")
	}
	created := g.now().UTC()
	text := fmt.Sprintf("%s (%s)", hdr, g.options(res, sid, created))

	return &types.GeneratedRule{
		SID:        sid,
		Text:       text,
		AnalysisID: res.ID,
		Analysis:   res,
		CreatedAt:  created,
	}, nil
}

// header validates the originating alert and renders the rule header.
func (g *Generator) header(res *types.AnalysisResult) (string, error) {
	a := res.Alert
	if a == nil {
		return "", &GenerationError{AnalysisID: res.ID, Reason: "analysis has no alert"}
	}
	if res.ID == "" {
		return "", &GenerationError{Reason: "analysis has no id"}
	}
	proto := strings.ToLower(a.Protocol)
	if !ruleProtocols.Has(proto) {
		return "", &GenerationError{AnalysisID: res.ID, Reason: fmt.Sprintf("unsupported protocol %q", a.Protocol)}
	}
	src, err := ruleAddr(a.SrcIP)
	if err != nil {
		return "", &GenerationError{AnalysisID: res.ID, Reason: "source " + err.Error()}
	}
	dst, err := ruleAddr(a.DstIP)
	if err != nil {
		return "", &GenerationError{AnalysisID: res.ID, Reason: "destination " + err.Error()}
	}
	sport, err := rulePort(a.SrcPort, proto)
	if err != nil {
		return "", &GenerationError{AnalysisID: res.ID, Reason: "source " + err.Error()}
	}
	dport, err := rulePort(a.DstPort, proto)
	if err != nil {
		return "", &GenerationError{AnalysisID: res.ID, Reason: "destination " + err.Error()}
	}
	return fmt.Sprintf("%s %s %s %s -> %s %s", Action(res.RecommendedAction), proto, src, sport, dst, dport), nil
}

func (g *Generator) options(res *types.AnalysisResult, sid int, created time.Time) string {
	label := sanitize(res.ThreatLabel)
	if label == "" {
		label = "unclassified"
	}
	msg := fmt.Sprintf("%s %s", g.opts.Prefix, label)
	if detail := sanitize(res.Rationale); detail != "" {
		if r := []rune(detail); len(r) > maxMsgDetail {
			detail = strings.TrimSpace(string(r[:maxMsgDetail]))
		}
		msg += ": " + detail
	}
	msg += fmt.Sprintf(" [analysis:%s]", res.ID)

	opts := []string{
		fmt.Sprintf(`msg:"%s"`, msg),
		"classtype:" + g.opts.Classtype,
		"priority:" + strconv.Itoa(g.opts.Priority),
		"reference:ml_analysis," + res.ID,
		fmt.Sprintf("metadata:ml_confidence %.2f, ml_generated %s", res.Confidence, created.Format("20060102")),
		"sid:" + strconv.Itoa(sid),
		"rev:1",
	}
	return strings.Join(opts, "; ") + ";"
}

// Action maps a recommended action to a rule action.
func Action(recommended string) string {
	switch strings.ToLower(recommended) {
	case "block", "drop":
		return "drop"
	case "reject":
		return "reject"
	default:
		return "alert"
	}
}

func ruleAddr(ip string) (string, error) {
	if ip == "any" {
		return "any", nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("address %q is not an IP", ip)
	}
	return parsed.String(), nil
}

// rulePort renders a port; 0 and portless protocols become "any".
func rulePort(port int, proto string) (string, error) {
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("port %d out of range", port)
	}
	if port == 0 || proto == "icmp" || proto == "ip" {
		return "any", nil
	}
	return strconv.Itoa(port), nil
}

// sanitize removes characters that would break a quoted rule option.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '"', ';', '\\':
			return -1
		case '\n', '\r', '\t':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
