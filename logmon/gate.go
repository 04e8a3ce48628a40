package logmon

import "sync/atomic"

// PauseGate is the process-wide flag that halts live log monitoring while
// another subsystem mutates the log files. Pause and Resume nest; the
// gate stays closed until every Pause has a matching Resume.
type PauseGate struct {
	depth atomic.Int32
}

// NewPauseGate returns an open gate.
func NewPauseGate() *PauseGate {
	return &PauseGate{}
}

// Pause closes the gate. Calls must be balanced with Resume.
func (g *PauseGate) Pause() {
	g.depth.Add(1)
}

// Resume reopens the gate once all pauses are released.
func (g *PauseGate) Resume() {
	g.depth.Add(-1)
}

// IsPaused reports whether any pause is outstanding.
func (g *PauseGate) IsPaused() bool {
	return g.depth.Load() > 0
}
