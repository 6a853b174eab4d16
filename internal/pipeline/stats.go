package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

// Stats holds the pipeline counters.
type Stats struct {
	mu  sync.Mutex
	s   types.StatsSnapshot
	now func() time.Time
}

// NewStats starts a new set of counters.
func NewStats() *Stats {
	now := time.Now().UTC()
	return &Stats{
		s: types.StatsSnapshot{
			Errors:      make(map[string]int64),
			StartTime:   now,
			LastUpdated: now,
		},
		now: time.Now,
	}
}

func (st *Stats) update(fn func(s *types.StatsSnapshot)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
	st.s.LastUpdated = st.now().UTC()
}

func (st *Stats) addError(kind string) {
	st.update(func(s *types.StatsSnapshot) {
		s.Errors[kind]++
		switch kind {
		case types.ErrKindParse:
			s.ParseErrors++
		case types.ErrKindDeployRejected:
			s.DeployRejected++
		case types.ErrKindDeployRolledBack:
			s.DeployRolledBack++
		}
	})
	pipelineErrors.WithLabelValues(kind).Inc()
}

func (st *Stats) addInFlight(delta int64) {
	st.mu.Lock()
	st.s.InFlight += delta
	st.mu.Unlock()
	inFlight.Add(float64(delta))
}

// Snapshot returns a copy of the counters.
func (st *Stats) Snapshot() types.StatsSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := st.s
	snap.Errors = make(map[string]int64, len(st.s.Errors))
	for k, v := range st.s.Errors {
		snap.Errors[k] = v
	}
	snap.UptimeSeconds = st.now().Sub(st.s.StartTime).Seconds()
	return snap
}

// WriteStatsFile writes snap as JSON to path, replacing it atomically.
func WriteStatsFile(path string, snap types.StatsSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
