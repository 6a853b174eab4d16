// Package detection holds the static list of attack signatures matched
// against alerts to derive pattern features and local threat labels.
package detection

import (
	"regexp"
	"strings"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

// Signature describes one known attack pattern.
type Signature struct {
	ID          string
	Name        string
	Label       string
	MitreTactic string
	MitreID     string
	Condition   func(alert *types.Alert) bool
}

// Engine matches alerts against its signatures.
type Engine struct {
	signatures []*Signature
}

// NewEngine creates an engine with the default signature set.
func NewEngine() *Engine {
	return &Engine{signatures: defaultSignatures()}
}

// Match returns the signatures that match the alert, in declaration order.
func (e *Engine) Match(alert *types.Alert) []*Signature {
	var hits []*Signature
	for _, sig := range e.signatures {
		if sig.Condition(alert) {
			hits = append(hits, sig)
		}
	}
	return hits
}

// Signatures returns the loaded signatures (read-only).
func (e *Engine) Signatures() []*Signature {
	return e.signatures
}

// IDs returns the signature IDs in declaration order.
func (e *Engine) IDs() []string {
	ids := make([]string, len(e.signatures))
	for i, sig := range e.signatures {
		ids[i] = sig.ID
	}
	return ids
}

// textMatcher matches whole words or phrases in the alert message and classification.
func textMatcher(words ...string) func(*types.Alert) bool {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	re := regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	return func(a *types.Alert) bool {
		return re.MatchString(a.Message) || re.MatchString(a.Classification)
	}
}

func defaultSignatures() []*Signature {
	return []*Signature{
		{
			ID:          "IDS-001",
			Name:        "Exploit Attempt",
			Label:       "exploit-attempt",
			MitreTactic: "Execution",
			MitreID:     "T1203",
			Condition:   textMatcher("exploit", "shellcode", "buffer overflow", "overflow attempt"),
		},
		{
			ID:          "IDS-002",
			Name:        "Malware Communication",
			Label:       "malware-cnc",
			MitreTactic: "Command and Control",
			MitreID:     "T1071",
			Condition:   textMatcher("backdoor", "trojan", "malware", "trojan-activity", "malware-cnc", "botnet"),
		},
		{
			ID:          "IDS-003",
			Name:        "Web Application Attack",
			Label:       "web-application-attack",
			MitreTactic: "Initial Access",
			MitreID:     "T1190",
			Condition:   textMatcher("sql injection", "xss", "cross-site scripting", "directory traversal", "web-application-attack"),
		},
		{
			ID:          "IDS-004",
			Name:        "Reconnaissance",
			Label:       "reconnaissance",
			MitreTactic: "Discovery",
			MitreID:     "T1046",
			Condition:   textMatcher("reconnaissance", "scan", "portscan", "sweep", "attempted-recon"),
		},
		{
			ID:          "IDS-005",
			Name:        "Brute Force",
			Label:       "brute-force",
			MitreTactic: "Credential Access",
			MitreID:     "T1110",
			Condition:   textMatcher("brute force", "brute-force", "password guessing", "login failures"),
		},
		{
			ID:          "IDS-006",
			Name:        "Denial of Service",
			Label:       "denial-of-service",
			MitreTactic: "Impact",
			MitreID:     "T1498",
			Condition:   textMatcher("denial of service", "dos", "ddos", "flood", "attempted-dos", "denial-of-service"),
		},
		{
			ID:          "IDS-007",
			Name:        "Privilege Escalation",
			Label:       "privilege-escalation",
			MitreTactic: "Privilege Escalation",
			MitreID:     "T1068",
			Condition:   textMatcher("admin privilege", "user privilege", "attempted-admin", "successful-admin", "attempted-user"),
		},
		{
			ID:          "IDS-008",
			Name:        "Reverse Shell Port",
			Label:       "reverse-shell",
			MitreTactic: "Command and Control",
			MitreID:     "T1059.004",
			Condition: func(a *types.Alert) bool {
				shellPorts := map[int]bool{4444: true, 5555: true, 6666: true, 1337: true, 31337: true}
				return shellPorts[a.SrcPort] || shellPorts[a.DstPort]
			},
		},
	}
}
