package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a run identifier.
func NewID() string {
	return ulid.Make().String()
}

// Result is the outcome of one sandboxed script execution.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// TestOutcome is how a single challenge test fared during a validation run.
type TestOutcome struct {
	Script     string `json:"script"`
	Kind       string `json:"kind"`
	Passed     bool   `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimedOut   bool   `json:"timed_out"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report summarises one validation run of a challenge.
type Report struct {
	ID          string        `json:"id"`
	Challenge   string        `json:"challenge"`
	Image       string        `json:"image"`
	ContainerID string        `json:"container_id,omitempty"`
	Ready       bool          `json:"ready"`
	Passed      bool          `json:"passed"`
	Error       string        `json:"error,omitempty"`
	Tests       []TestOutcome `json:"tests"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}
