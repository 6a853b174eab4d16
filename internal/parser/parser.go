// Package parser turns two-line detection-engine alert records into
// types.Alert values.
//
// A record is a header line followed by a detail line:
//
//	2025-01-01T00:00:00 [Attempted Admin Privilege Gain] [Priority: 1] suspicious login
//	tcp 10.0.0.5:4444 -> 192.168.1.10:22
package parser

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

var (
	headerRe = regexp.MustCompile(`^(\S+)\s+\[([^\]]+)\]\s+\[(?:Priority:\s*)?(\d+)\]\s+(.+)$`)
	detailRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*)\s+(\S+)\s+->\s+(\S+)$`)
)

var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339,
	time.RFC3339Nano,
	"01/02/06-15:04:05.999999",
}

// ParseError reports a malformed alert record. It is never fatal.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed alert: %s: %q", e.Reason, e.Line)
}

type header struct {
	timestamp      time.Time
	classification string
	priority       int
	message        string
	line           string
}

// IsHeader reports whether line has the shape of a header line.
func IsHeader(line string) bool {
	return headerRe.MatchString(strings.TrimSpace(line))
}

// IsDetail reports whether line has the shape of a detail line.
func IsDetail(line string) bool {
	return detailRe.MatchString(strings.TrimSpace(line))
}

func parseHeader(line string) (*header, error) {
	line = strings.TrimSpace(line)
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return nil, &ParseError{Line: line, Reason: "not a header line"}
	}
	ts, err := parseTimestamp(m[1])
	if err != nil {
		return nil, &ParseError{Line: line, Reason: err.Error()}
	}
	prio, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, &ParseError{Line: line, Reason: "bad priority"}
	}
	classification := strings.TrimSpace(m[2])
	if classification == "" {
		return nil, &ParseError{Line: line, Reason: "empty classification"}
	}
	return &header{
		timestamp:      ts,
		classification: classification,
		priority:       prio,
		message:        strings.TrimSpace(m[4]),
		line:           line,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Parse builds an Alert from a header line and its detail line.
func Parse(headerLine, detailLine string) (*types.Alert, error) {
	h, err := parseHeader(headerLine)
	if err != nil {
		return nil, err
	}
	return h.withDetail(detailLine)
}

func (h *header) withDetail(line string) (*types.Alert, error) {
	line = strings.TrimSpace(line)
	m := detailRe.FindStringSubmatch(line)
	if m == nil {
		return nil, &ParseError{Line: line, Reason: "not a detail line"}
	}
	srcIP, srcPort, err := splitEndpoint(m[2])
	if err != nil {
		return nil, &ParseError{Line: line, Reason: "source: " + err.Error()}
	}
	dstIP, dstPort, err := splitEndpoint(m[3])
	if err != nil {
		return nil, &ParseError{Line: line, Reason: "destination: " + err.Error()}
	}
	return &types.Alert{
		Timestamp:      h.timestamp,
		Classification: h.classification,
		Priority:       h.priority,
		Message:        h.message,
		Protocol:       strings.ToLower(m[1]),
		SrcIP:          srcIP,
		SrcPort:        srcPort,
		DstIP:          dstIP,
		DstPort:        dstPort,
		Raw:            h.line + "\n" + line,
	}, nil
}

// splitEndpoint splits "addr:port" or "[v6addr]:port". A "*" port means unspecified (0).
func splitEndpoint(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing address in %q", s)
	}
	if portStr == "*" {
		return host, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}

// Assembler pairs header and detail lines fed one at a time, in log order.
// It is not safe for concurrent use.
type Assembler struct {
	pending *header
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Feed consumes one line. It returns an Alert when the line completes a
// record, a *ParseError when the input is malformed, and (nil, nil) when
// more input is needed. A header followed by a non-detail line is reported
// as malformed, and the new line is then considered as a header in its own
// right so a following good record is not lost.
func (a *Assembler) Feed(line string) (*types.Alert, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if a.pending != nil {
		if IsDetail(line) {
			h := a.pending
			a.pending = nil
			return h.withDetail(line)
		}
		dangling := a.pending
		a.pending = nil
		if h, err := parseHeader(line); err == nil {
			a.pending = h
			return nil, &ParseError{Line: dangling.line, Reason: "header without detail line"}
		}
		return nil, &ParseError{Line: dangling.line + "\n" + line, Reason: "header followed by unrecognized line"}
	}
	if IsHeader(line) {
		h, err := parseHeader(line)
		if err != nil {
			return nil, err
		}
		a.pending = h
		return nil, nil
	}
	if IsDetail(line) {
		return nil, &ParseError{Line: line, Reason: "detail line without header"}
	}
	return nil, &ParseError{Line: line, Reason: "unrecognized line"}
}

// Pending reports whether a header is waiting for its detail line.
func (a *Assembler) Pending() bool {
	return a.pending != nil
}

// Flush discards any dangling header, reporting it as malformed.
func (a *Assembler) Flush() error {
	if a.pending == nil {
		return nil
	}
	line := a.pending.line
	a.pending = nil
	return &ParseError{Line: line, Reason: "header without detail line"}
}
