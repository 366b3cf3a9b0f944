package model

import (
	"time"
)

// RunState describes where a synchronization run is in its lifecycle.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateEndOK   RunState = "end-ok"
	RunStateEndKO   RunState = "end-ko"
	// RunStateEndKilled is only reached through the shutdown path: the
	// process was stopped while the run was active.
	RunStateEndKilled RunState = "end-killed"
)

// Terminal reports whether the state is one of the three end states.
func (s RunState) Terminal() bool {
	return s == RunStateEndOK || s == RunStateEndKO || s == RunStateEndKilled
}

// SyncRun is one synchronization attempt. At most one record may be in
// RunStateRunning at any time; the orchestrator checks before inserting.
// A run is terminally mutated exactly once and never deleted.
type SyncRun struct {
	ID        string     `json:"id"`
	StartDate time.Time  `json:"startDate"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	State     RunState   `json:"state"`
}
