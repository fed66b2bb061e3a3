// Package viewstate is the tiny shared contract ViewChange publishes
// and Commitment consults, keeping the two components one-way
// dependent instead of calling back into each other (§9: "Commitment
// consults a shared view_state snapshot; ViewChange never calls back
// into Commitment, it publishes events").
package viewstate

// State is a point-in-time snapshot of the local view.
type State struct {
	View         uint64
	InViewChange bool
}

// Source reports the current view/view-change snapshot.
type Source interface {
	Snapshot() State
}

// Static is the trivial Source used when no ViewChange component is
// wired in (unit tests exercising Commitment alone).
type Static struct{ S State }

// Snapshot implements Source.
func (s Static) Snapshot() State { return s.S }
