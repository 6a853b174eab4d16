package detection

import (
	"testing"
	"time"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

func alert(classification, message string, srcPort, dstPort int) *types.Alert {
	return &types.Alert{
		Timestamp: time.Now(), Classification: classification, Priority: 2, Message: message,
		Protocol: "tcp", SrcIP: "10.0.0.5", SrcPort: srcPort, DstIP: "192.168.1.10", DstPort: dstPort,
	}
}

func TestNewEngine(t *testing.T) {
	e := NewEngine()
	if e == nil {
		t.Fatal("NewEngine() returned nil")
	}
	if len(e.Signatures()) < 8 {
		t.Errorf("expected at least 8 signatures, got %d", len(e.Signatures()))
	}
	seen := map[string]bool{}
	for _, id := range e.IDs() {
		if seen[id] {
			t.Errorf("duplicate signature ID %s", id)
		}
		seen[id] = true
	}
}

func TestEngine_Match_NoMatch(t *testing.T) {
	e := NewEngine()
	hits := e.Match(alert("Misc activity", "ICMP echo request on windows host", 0, 0))
	if len(hits) != 0 {
		t.Errorf("expected 0 matches for benign alert, got %d (%s)", len(hits), hits[0].ID)
	}
}

func TestEngine_Match_Keywords(t *testing.T) {
	tests := []struct {
		name           string
		classification string
		message        string
		want           string
	}{
		{"exploit", "Attempted User Privilege Gain", "SERVER-APACHE buffer overflow", "IDS-001"},
		{"trojan", "A Network Trojan was detected", "MALWARE-CNC beacon", "IDS-002"},
		{"sqli", "Web Application Attack", "SQL injection attempt", "IDS-003"},
		{"scan", "Detection of a Network Scan", "nmap TCP scan", "IDS-004"},
		{"brute force", "Misc activity", "SSH brute force login attempt", "IDS-005"},
		{"ddos", "Detection of a Denial of Service Attack", "SYN flood", "IDS-006"},
		{"admin", "Attempted Admin Privilege Gain", "suspicious login", "IDS-007"},
	}
	e := NewEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := e.Match(alert(tt.classification, tt.message, 40000, 80))
			for _, h := range hits {
				if h.ID == tt.want {
					return
				}
			}
			t.Errorf("expected %s among matches, got %v", tt.want, hits)
		})
	}
}

func TestEngine_Match_ReverseShellPort(t *testing.T) {
	e := NewEngine()
	hits := e.Match(alert("Misc activity", "outbound connection", 4444, 22))
	if len(hits) != 1 || hits[0].ID != "IDS-008" {
		t.Fatalf("expected only IDS-008, got %v", hits)
	}
	if hits[0].Label != "reverse-shell" {
		t.Errorf("label = %q", hits[0].Label)
	}
}
