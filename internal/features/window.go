package features

import (
	"time"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
)

// Window is a bounded, time-ordered buffer of recent alerts. Alerts are
// evicted oldest-first once more than size are held or once they fall
// outside horizon relative to the newest alert. It is not safe for
// concurrent use.
type Window struct {
	size    int
	horizon time.Duration
	alerts  []*types.Alert
}

// NewWindow creates a window holding at most size alerts spanning at most horizon.
func NewWindow(size int, horizon time.Duration) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, horizon: horizon, alerts: make([]*types.Alert, 0, size)}
}

// Add appends an alert and evicts what no longer fits.
func (w *Window) Add(a *types.Alert) {
	w.alerts = append(w.alerts, a)
	drop := len(w.alerts) - w.size
	if drop < 0 {
		drop = 0
	}
	if w.horizon > 0 && !a.Timestamp.IsZero() {
		oldest := a.Timestamp.Add(-w.horizon)
		for drop < len(w.alerts)-1 && w.alerts[drop].Timestamp.Before(oldest) {
			drop++
		}
	}
	if drop > 0 {
		n := copy(w.alerts, w.alerts[drop:])
		for i := n; i < len(w.alerts); i++ {
			w.alerts[i] = nil
		}
		w.alerts = w.alerts[:n]
	}
}

// Snapshot returns a copy of the held alerts, oldest first.
func (w *Window) Snapshot() []*types.Alert {
	out := make([]*types.Alert, len(w.alerts))
	copy(out, w.alerts)
	return out
}

// Len returns the number of held alerts.
func (w *Window) Len() int {
	return len(w.alerts)
}
