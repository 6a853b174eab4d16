package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

func scenarioResult() *types.AnalysisResult {
	return &types.AnalysisResult{
		ID:                "3f2a9c1e-0000-4000-8000-000000000001",
		Confidence:        0.99,
		ThreatLabel:       "privilege-escalation",
		Rationale:         `Admin login "from" reverse; shell port`,
		RecommendedAction: "monitor",
		Alert: &types.Alert{
			Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Classification: "Attempted Admin Privilege Gain",
			Priority: 1, Message: "suspicious login", Protocol: "tcp",
			SrcIP: "10.0.0.5", SrcPort: 4444, DstIP: "192.168.1.10", DstPort: 22,
		},
	}
}

func newGenerator(t *testing.T, dir string) *Generator {
	t.Helper()
	alloc, err := NewSIDAllocator(MinSID, filepath.Join(dir, "sid.state"), dir)
	require.NoError(t, err)
	g := NewGenerator(Options{Prefix: "ML_GENERATED", Classtype: "trojan-activity", Priority: 1}, alloc, logrus.New())
	g.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return g
}

func TestGenerate_ScenarioRule(t *testing.T) {
	g := newGenerator(t, t.TempDir())
	rule, err := g.Generate(scenarioResult())
	require.NoError(t, err)

	assert.Equal(t, 2000000, rule.SID)
	assert.Equal(t, scenarioResult().ID, rule.AnalysisID)
	want := `alert tcp 10.0.0.5 4444 -> 192.168.1.10 22 (` +
		`msg:"ML_GENERATED privilege-escalation: Admin login from reverse shell port [analysis:3f2a9c1e-0000-4000-8000-000000000001]"; ` +
		`classtype:trojan-activity; priority:1; reference:ml_analysis,3f2a9c1e-0000-4000-8000-000000000001; ` +
		`metadata:ml_confidence 0.99, ml_generated 20250102; sid:2000000; rev:1;)`
	assert.Equal(t, want, rule.Text)
	assert.NotContains(t, rule.Text, "\n")
}

func TestGenerate_ActionsAndPorts(t *testing.T) {
	g := newGenerator(t, t.TempDir())

	res := scenarioResult()
	res.RecommendedAction = "block"
	rule, err := g.Generate(res)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rule.Text, "drop tcp "), rule.Text)

	res = scenarioResult()
	res.RecommendedAction = "REJECT"
	res.Alert.Protocol = "icmp"
	rule, err = g.Generate(res)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rule.Text, "reject icmp 10.0.0.5 any -> 192.168.1.10 any ("), rule.Text)

	res = scenarioResult()
	res.Alert.SrcPort = 0
	res.Alert.SrcIP = "2001:db8::1"
	rule, err = g.Generate(res)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rule.Text, "alert tcp 2001:db8::1 any -> 192.168.1.10 22 ("), rule.Text)
}

func TestGenerate_TruncatesLongRationale(t *testing.T) {
	g := newGenerator(t, t.TempDir())
	res := scenarioResult()
	res.Rationale = strings.Repeat("é", 200)
	rule, err := g.Generate(res)
	require.NoError(t, err)
	assert.Contains(t, rule.Text, ": "+strings.Repeat("é", maxMsgDetail)+" [analysis:")
}

func TestGenerate_ErrorsDoNotConsumeSIDs(t *testing.T) {
	g := newGenerator(t, t.TempDir())
	bad := []func(r *types.AnalysisResult){
		func(r *types.AnalysisResult) { r.Alert.SrcIP = "not-an-ip" },
		func(r *types.AnalysisResult) { r.Alert.DstIP = "" },
		func(r *types.AnalysisResult) { r.Alert.Protocol = "sctp" },
		func(r *types.AnalysisResult) { r.Alert.DstPort = 70000 },
		func(r *types.AnalysisResult) { r.Alert = nil },
		func(r *types.AnalysisResult) { r.ID = "" },
	}
	for i, mutate := range bad {
		res := scenarioResult()
		mutate(res)
		_, err := g.Generate(res)
		var gerr *GenerationError
		require.ErrorAs(t, err, &gerr, "case %d", i)
	}
	_, err := g.Generate(nil)
	var gerr *GenerationError
	require.ErrorAs(t, err, &gerr)

	rule, err := g.Generate(scenarioResult())
	require.NoError(t, err)
	assert.Equal(t, 2000000, rule.SID)
}

func TestGenerate_ConcurrentSIDsAreDistinct(t *testing.T) {
	g := newGenerator(t, t.TempDir())
	const n = 200
	sids := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rule, err := g.Generate(scenarioResult())
			if err != nil {
				t.Error(err)
				return
			}
			if !strings.Contains(rule.Text, fmt.Sprintf("sid:%d;", rule.SID)) {
				t.Errorf("rule text does not carry its SID %d: %s", rule.SID, rule.Text)
			}
			sids[i] = rule.SID
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for _, sid := range sids {
		assert.GreaterOrEqual(t, sid, MinSID)
		assert.False(t, seen[sid], "duplicate SID %d", sid)
		seen[sid] = true
	}
	assert.Len(t, seen, n)
}

func TestSIDAllocator_SeedsFromRuleFiles(t *testing.T) {
	dir := t.TempDir()
	rules := "# sid:9999999; commented out\n" +
		"alert tcp any any -> any 80 (msg:\"a\"; sid:2000041; rev:1;)\n" +
		"alert tcp any any -> any 81 (msg:\"b\"; sid: 1000001 ; rev:2;)\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.rules"), []byte(rules), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("sid:5000000;"), 0o644))

	alloc, err := NewSIDAllocator(MinSID, "", dir)
	require.NoError(t, err)
	assert.Equal(t, 2000042, alloc.Peek())
}

func TestSIDAllocator_ResumesFromHighWaterMark(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state", "sid.state")

	alloc, err := NewSIDAllocator(MinSID, state, dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := alloc.Next()
		require.NoError(t, err)
	}

	restarted, err := NewSIDAllocator(MinSID, state, dir)
	require.NoError(t, err)
	sid, err := restarted.Next()
	require.NoError(t, err)
	assert.Equal(t, 2000003, sid)

	data, err := os.ReadFile(state)
	require.NoError(t, err)
	assert.Equal(t, "2000003\n", string(data))
}

func TestSIDAllocator_FloorAndCorruptState(t *testing.T) {
	alloc, err := NewSIDAllocator(5, "", "")
	require.NoError(t, err)
	assert.Equal(t, MinSID, alloc.Peek())

	alloc, err = NewSIDAllocator(3000000, "", "")
	require.NoError(t, err)
	assert.Equal(t, 3000000, alloc.Peek())

	state := filepath.Join(t.TempDir(), "sid.state")
	require.NoError(t, os.WriteFile(state, []byte("garbage"), 0o644))
	_, err = NewSIDAllocator(MinSID, state, "")
	assert.Error(t, err)
}

func TestAction(t *testing.T) {
	assert.Equal(t, "drop", Action("block"))
	assert.Equal(t, "reject", Action("reject"))
	assert.Equal(t, "alert", Action("monitor"))
	assert.Equal(t, "alert", Action(""))
}
