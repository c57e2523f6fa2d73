package model

import (
	"encoding/json"
	"time"
)

// Session state constants.
const (
	StateIdle       = "idle"
	StateConfigured = "configured"
	StateRunning    = "running"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[string]map[string]bool{
	StateIdle: {
		StateConfigured: true,
	},
	StateConfigured: {
		StateConfigured: true,
		StateRunning:    true,
	},
	StateRunning: {
		StateCompleted: true,
		StateFailed:    true,
	},
	StateCompleted: {
		StateConfigured: true,
	},
	StateFailed: {
		StateConfigured: true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether state ends a run.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// LogLine represents a single persisted worker output line from a run.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one execution of a job. Restarting a job keeps JobID and produces a
// new Run.
type Run struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	Processor  string          `json:"processor"`
	Status     string          `json:"status"`
	Params     Params          `json:"params"`
	Progress   Progress        `json:"progress"`
	Envelope   json.RawMessage `json:"envelope,omitempty"`
	Error      string          `json:"error,omitempty"`
	TimeoutS   *int            `json:"timeout_s,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
