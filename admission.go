package tarssh

import "sync/atomic"

// admission tracks live connections against the client ceiling. The check in
// hasRoom and the increment in admit are deliberately separate operations: the
// count may briefly overshoot max by whatever was accepted in between.
type admission struct {
	live atomic.Int64
	max  int64
}

func newAdmission(maxClients int) *admission {
	return &admission{max: int64(maxClients)}
}

func (a *admission) hasRoom() bool {
	return a.live.Load() < a.max
}

// admit records a newly accepted connection and returns the new count.
func (a *admission) admit() int64 {
	return a.live.Add(1)
}

// release must be called exactly once per admitted connection.
// It returns the remaining count.
func (a *admission) release() int64 {
	return a.live.Add(-1)
}

func (a *admission) count() int64 {
	return a.live.Load()
}
