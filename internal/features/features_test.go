package features

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/ids-rule-runner/internal/detection"
	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) // a Wednesday

func scenarioAlert() *types.Alert {
	return &types.Alert{
		Timestamp: base, Classification: "Attempted Admin Privilege Gain", Priority: 1,
		Message: "suspicious login", Protocol: "tcp",
		SrcIP: "10.0.0.5", SrcPort: 4444, DstIP: "192.168.1.10", DstPort: 22,
	}
}

func newExtractor() *Extractor {
	return NewExtractor(detection.NewEngine(), 5*time.Minute)
}

func TestExtract_ScenarioAlert(t *testing.T) {
	fv := newExtractor().Extract(scenarioAlert(), nil)

	assert.True(t, fv.SrcInternal)
	assert.True(t, fv.DstInternal)
	assert.Equal(t, DirectionLateral, fv.Direction)
	assert.Equal(t, "registered", fv.SrcPortCategory)
	assert.Equal(t, "well_known", fv.DstPortCategory)
	assert.True(t, fv.SuspiciousPort)
	assert.Equal(t, "tcp", fv.Protocol)
	assert.Equal(t, 0, fv.HourOfDay)
	assert.Equal(t, int(time.Wednesday), fv.DayOfWeek)
	assert.Equal(t, "night", fv.TimeBucket)
	assert.False(t, fv.IsWeekend)
	assert.InDelta(t, 1.0, fv.SeverityScore, 1e-9)
	assert.True(t, fv.KnownAttackPattern)
	assert.True(t, fv.Patterns["IDS-007"])
	assert.True(t, fv.Patterns["IDS-008"])
	assert.Equal(t, "privilege-escalation", fv.MatchedSignature)
	assert.Zero(t, fv.WindowOccupancy)
}

func TestExtract_SchemaIsInvariant(t *testing.T) {
	x := newExtractor()
	want := x.Extract(scenarioAlert(), nil).Names()

	odd := []*types.Alert{
		{},
		{Protocol: "SCTP", SrcIP: "not-an-ip", DstIP: "also-bad", Priority: 99},
		{Timestamp: base.Add(36 * time.Hour), Classification: "Misc activity", Priority: 3,
			Message: "icmp ping", Protocol: "icmp", SrcIP: "8.8.8.8", DstIP: "1.1.1.1"},
		{Timestamp: base, Protocol: "udp", SrcIP: "2001:db8::1", SrcPort: 53, DstIP: "fe80::1", DstPort: 60000},
	}
	for i, a := range odd {
		fv := x.Extract(a, []*types.Alert{scenarioAlert()})
		if !reflect.DeepEqual(fv.Names(), want) {
			t.Errorf("alert %d: field set differs:\n got %v\nwant %v", i, fv.Names(), want)
		}
		for k, v := range fv.Map() {
			if v == nil {
				t.Errorf("alert %d: %s is nil", i, k)
			}
		}
	}
}

func TestExtract_UnknownBuckets(t *testing.T) {
	fv := newExtractor().Extract(&types.Alert{Protocol: "gre", SrcIP: "bogus", DstIP: "10.0.0.1"}, nil)
	assert.Equal(t, types.Unknown, fv.Direction)
	assert.Equal(t, types.Unknown, fv.Protocol)
	assert.Equal(t, types.Unknown, fv.SrcPortCategory)
	assert.Equal(t, types.Unknown, fv.TimeBucket)
	assert.Equal(t, NoSignature, fv.MatchedSignature)
	assert.InDelta(t, 0.1, fv.SeverityScore, 1e-9)
}

func TestExtract_Direction(t *testing.T) {
	x := newExtractor()
	tests := []struct{ src, dst, want string }{
		{"8.8.8.8", "10.0.0.1", DirectionInbound},
		{"172.16.4.4", "8.8.8.8", DirectionOutbound},
		{"192.168.1.1", "127.0.0.1", DirectionLateral},
		{"8.8.8.8", "1.1.1.1", DirectionExternal},
		{"169.254.1.1", "9.9.9.9", DirectionOutbound},
	}
	for _, tt := range tests {
		fv := x.Extract(&types.Alert{SrcIP: tt.src, DstIP: tt.dst}, nil)
		assert.Equal(t, tt.want, fv.Direction, "%s -> %s", tt.src, tt.dst)
	}
}

func TestExtract_TemporalCountsHonorHorizon(t *testing.T) {
	x := newExtractor()
	a := scenarioAlert()
	recent := []*types.Alert{
		{Timestamp: base.Add(-10 * time.Minute), SrcIP: a.SrcIP, DstIP: a.DstIP, Message: a.Message}, // too old
		{Timestamp: base.Add(-time.Minute), SrcIP: a.SrcIP, DstIP: "8.8.8.8", Message: "other"},
		{Timestamp: base.Add(-30 * time.Second), SrcIP: "1.2.3.4", DstIP: a.DstIP, Message: a.Message},
		{Timestamp: base.Add(time.Minute), SrcIP: a.SrcIP, DstIP: a.DstIP, Message: a.Message}, // future
	}
	fv := x.Extract(a, recent)
	assert.Equal(t, 2, fv.WindowOccupancy)
	assert.Equal(t, 1, fv.RecentFromSource)
	assert.Equal(t, 1, fv.RecentToDest)
	assert.Equal(t, 1, fv.RecentSameMessage)
}

func TestExtract_Deterministic(t *testing.T) {
	x := newExtractor()
	recent := []*types.Alert{scenarioAlert()}
	assert.Equal(t, x.Extract(scenarioAlert(), recent), x.Extract(scenarioAlert(), recent))
}

func TestSeverityScore(t *testing.T) {
	tests := []struct {
		name  string
		alert types.Alert
		want  float64
	}{
		{"priority 2 plain", types.Alert{Priority: 2, Protocol: "icmp"}, 0.3},
		{"priority 3 udp", types.Alert{Priority: 3, Protocol: "udp"}, 0.3},
		{"trojan class", types.Alert{Priority: 2, Classification: "trojan-activity", Protocol: "tcp"}, 0.7},
		{"sensitive src port", types.Alert{Priority: 4, SrcPort: 3389}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, SeverityScore(&tt.alert), 1e-9)
		})
	}
}

func TestPortCategory(t *testing.T) {
	assert.Equal(t, types.Unknown, PortCategory(0))
	assert.Equal(t, "well_known", PortCategory(1023))
	assert.Equal(t, "registered", PortCategory(1024))
	assert.Equal(t, "registered", PortCategory(49151))
	assert.Equal(t, "dynamic", PortCategory(49152))
}

func TestWindow_EvictsBySize(t *testing.T) {
	w := NewWindow(3, 0)
	for i := 0; i < 5; i++ {
		w.Add(&types.Alert{Timestamp: base.Add(time.Duration(i) * time.Second), SrcPort: i})
	}
	snap := w.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 2, snap[0].SrcPort)
	assert.Equal(t, 4, snap[2].SrcPort)
}

func TestWindow_EvictsByHorizon(t *testing.T) {
	w := NewWindow(100, time.Minute)
	w.Add(&types.Alert{Timestamp: base, SrcPort: 1})
	w.Add(&types.Alert{Timestamp: base.Add(30 * time.Second), SrcPort: 2})
	w.Add(&types.Alert{Timestamp: base.Add(90 * time.Second), SrcPort: 3})
	snap := w.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 2, snap[0].SrcPort)

	w.Add(&types.Alert{Timestamp: base.Add(time.Hour), SrcPort: 4})
	assert.Equal(t, 1, w.Len(), "newest alert is always retained")
}

func TestWindow_SnapshotIsACopy(t *testing.T) {
	w := NewWindow(2, 0)
	w.Add(&types.Alert{SrcPort: 1})
	snap := w.Snapshot()
	w.Add(&types.Alert{SrcPort: 2})
	w.Add(&types.Alert{SrcPort: 3})
	assert.Equal(t, 1, snap[0].SrcPort)
}
