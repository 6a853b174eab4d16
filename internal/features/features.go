// Package features derives fixed-shape feature vectors from alerts.
package features

import (
	"math"
	"net"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/ids-rule-runner/internal/detection"
	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

// Direction values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionLateral  = "lateral"
	DirectionExternal = "external"
)

// NoSignature is the matched_signature value when no signature matched.
const NoSignature = "none"

var (
	// Ports commonly abused for remote access, lateral movement or backdoors.
	suspiciousPorts = sets.New[int](22, 23, 135, 139, 445, 1433, 3389, 5900, 6667, 31337, 12345, 4444)

	// Ports that raise the severity score.
	sensitivePorts = sets.New[int](22, 23, 135, 139, 445, 1433, 3389, 5900)

	protocols = sets.New[string]("tcp", "udp", "icmp", "ip")

	highRiskClassifications = []string{
		"trojan-activity", "malware-cnc", "attempted-admin", "successful-admin",
		"attempted-dos", "denial-of-service", "network-trojan",
	}
)

var privateRangeStrs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16", // Link-local
	"fc00::/7",
	"fe80::/10",
	"::1/128",
}

// Extractor computes FeatureVectors. It holds no mutable state, so Extract
// is a pure function of its arguments and safe for concurrent use.
type Extractor struct {
	engine        *detection.Engine
	horizon       time.Duration
	privateRanges []*net.IPNet
}

// NewExtractor creates an extractor. Temporal counts only consider recent
// alerts no older than horizon relative to the alert being extracted.
func NewExtractor(engine *detection.Engine, horizon time.Duration) *Extractor {
	x := &Extractor{engine: engine, horizon: horizon}
	for _, cidr := range privateRangeStrs {
		_, ipnet, _ := net.ParseCIDR(cidr)
		x.privateRanges = append(x.privateRanges, ipnet)
	}
	return x
}

// Extract derives the feature vector for alert given the recent window.
// recent must not include alert itself.
func (x *Extractor) Extract(alert *types.Alert, recent []*types.Alert) *types.FeatureVector {
	srcIP := net.ParseIP(alert.SrcIP)
	dstIP := net.ParseIP(alert.DstIP)

	fv := &types.FeatureVector{
		SrcInternal:      x.isPrivate(srcIP),
		DstInternal:      x.isPrivate(dstIP),
		Direction:        x.direction(srcIP, dstIP),
		SrcPortCategory:  PortCategory(alert.SrcPort),
		DstPortCategory:  PortCategory(alert.DstPort),
		SuspiciousPort:   suspiciousPorts.Has(alert.SrcPort) || suspiciousPorts.Has(alert.DstPort),
		Protocol:         normalizeProtocol(alert.Protocol),
		HourOfDay:        -1,
		DayOfWeek:        -1,
		TimeBucket:       types.Unknown,
		SeverityScore:    SeverityScore(alert),
		Patterns:         make(map[string]bool, len(x.engine.Signatures())),
		MatchedSignature: NoSignature,
	}
	if !alert.Timestamp.IsZero() {
		fv.HourOfDay = alert.Timestamp.Hour()
		fv.DayOfWeek = int(alert.Timestamp.Weekday())
		fv.TimeBucket = timeBucket(fv.HourOfDay)
		fv.IsWeekend = alert.Timestamp.Weekday() == time.Saturday || alert.Timestamp.Weekday() == time.Sunday
	}

	for _, id := range x.engine.IDs() {
		fv.Patterns[id] = false
	}
	for _, sig := range x.engine.Match(alert) {
		fv.Patterns[sig.ID] = true
		if !fv.KnownAttackPattern {
			fv.KnownAttackPattern = true
			fv.MatchedSignature = sig.Label
		}
	}

	x.temporal(fv, alert, recent)
	return fv
}

func (x *Extractor) temporal(fv *types.FeatureVector, alert *types.Alert, recent []*types.Alert) {
	var oldest time.Time
	if x.horizon > 0 && !alert.Timestamp.IsZero() {
		oldest = alert.Timestamp.Add(-x.horizon)
	}
	for _, r := range recent {
		if !oldest.IsZero() && r.Timestamp.Before(oldest) {
			continue
		}
		if !alert.Timestamp.IsZero() && r.Timestamp.After(alert.Timestamp) {
			continue
		}
		fv.WindowOccupancy++
		if r.SrcIP == alert.SrcIP {
			fv.RecentFromSource++
		}
		if r.DstIP == alert.DstIP {
			fv.RecentToDest++
		}
		if r.Message == alert.Message {
			fv.RecentSameMessage++
		}
	}
}

func (x *Extractor) isPrivate(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, r := range x.privateRanges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

func (x *Extractor) direction(src, dst net.IP) string {
	if src == nil || dst == nil {
		return types.Unknown
	}
	srcInt, dstInt := x.isPrivate(src), x.isPrivate(dst)
	switch {
	case !srcInt && dstInt:
		return DirectionInbound
	case srcInt && !dstInt:
		return DirectionOutbound
	case srcInt && dstInt:
		return DirectionLateral
	default:
		return DirectionExternal
	}
}

// PortCategory buckets a port; 0 means unspecified.
func PortCategory(port int) string {
	switch {
	case port <= 0:
		return types.Unknown
	case port < 1024:
		return "well_known"
	case port < 49152:
		return "registered"
	default:
		return "dynamic"
	}
}

func timeBucket(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

func normalizeProtocol(p string) string {
	p = strings.ToLower(p)
	if protocols.Has(p) {
		return p
	}
	return types.Unknown
}

// SeverityScore rates an alert in [0,1] from its priority, classification,
// protocol and ports.
func SeverityScore(alert *types.Alert) float64 {
	var score float64
	switch alert.Priority {
	case 1:
		score += 0.4
	case 2:
		score += 0.3
	case 3:
		score += 0.2
	default:
		score += 0.1
	}

	class := strings.ReplaceAll(strings.ToLower(alert.Classification), " ", "-")
	for _, hr := range highRiskClassifications {
		if strings.Contains(class, hr) {
			score += 0.3
			break
		}
	}

	switch strings.ToLower(alert.Protocol) {
	case "tcp", "udp":
		score += 0.1
	}

	if sensitivePorts.Has(alert.SrcPort) || sensitivePorts.Has(alert.DstPort) {
		score += 0.2
	}

	score = math.Round(score*100) / 100
	if score > 1 {
		return 1
	}
	return score
}
