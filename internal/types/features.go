package types

import "sort"

// Unknown is the bucket used for any categorical feature that cannot be derived.
const Unknown = "unknown"

// FeatureVector is the fixed-shape input handed to classifiers.
// Every field is always populated; Patterns carries one entry per known signature.
type FeatureVector struct {
	SrcInternal        bool            `json:"src_is_internal"`
	DstInternal        bool            `json:"dst_is_internal"`
	Direction          string          `json:"direction"`
	SrcPortCategory    string          `json:"src_port_category"`
	DstPortCategory    string          `json:"dst_port_category"`
	SuspiciousPort     bool            `json:"suspicious_port"`
	Protocol           string          `json:"protocol"`
	HourOfDay          int             `json:"hour_of_day"`
	DayOfWeek          int             `json:"day_of_week"`
	TimeBucket         string          `json:"time_bucket"`
	IsWeekend          bool            `json:"is_weekend"`
	SeverityScore      float64         `json:"severity_score"`
	Patterns           map[string]bool `json:"patterns"`
	KnownAttackPattern bool            `json:"known_attack_pattern"`
	MatchedSignature   string          `json:"matched_signature"`
	RecentFromSource   int             `json:"recent_from_source"`
	RecentToDest       int             `json:"recent_to_destination"`
	RecentSameMessage  int             `json:"recent_same_message"`
	WindowOccupancy    int             `json:"window_occupancy"`
}

// Map flattens the vector into named fields. Pattern flags are keyed "pattern_<id>".
func (fv *FeatureVector) Map() map[string]interface{} {
	m := map[string]interface{}{
		"src_is_internal":       fv.SrcInternal,
		"dst_is_internal":       fv.DstInternal,
		"direction":             fv.Direction,
		"src_port_category":     fv.SrcPortCategory,
		"dst_port_category":     fv.DstPortCategory,
		"suspicious_port":       fv.SuspiciousPort,
		"protocol":              fv.Protocol,
		"hour_of_day":           fv.HourOfDay,
		"day_of_week":           fv.DayOfWeek,
		"time_bucket":           fv.TimeBucket,
		"is_weekend":            fv.IsWeekend,
		"severity_score":        fv.SeverityScore,
		"known_attack_pattern":  fv.KnownAttackPattern,
		"matched_signature":     fv.MatchedSignature,
		"recent_from_source":    fv.RecentFromSource,
		"recent_to_destination": fv.RecentToDest,
		"recent_same_message":   fv.RecentSameMessage,
		"window_occupancy":      fv.WindowOccupancy,
	}
	for id, hit := range fv.Patterns {
		m["pattern_"+id] = hit
	}
	return m
}

// Names returns the sorted field names of Map.
func (fv *FeatureVector) Names() []string {
	m := fv.Map()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
