package model

import "fmt"

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not-started"
	RunStatusRunning    RunStatus = "running"
	RunStatusUploading  RunStatus = "uploading"
	RunStatusSuccess    RunStatus = "success"
	RunStatusFailed     RunStatus = "failed"
)

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusSuccess: true,
	RunStatusFailed:  true,
}

var validRunStatuses = map[RunStatus]bool{
	RunStatusNotStarted: true,
	RunStatusRunning:    true,
	RunStatusUploading:  true,
	RunStatusSuccess:    true,
	RunStatusFailed:     true,
}

// IsTerminal reports whether s is a terminal status. No further queue
// accounting happens after the first transition into a terminal status.
func IsTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

// ParseRunStatus validates a wire-level status string.
func ParseRunStatus(s string) (RunStatus, error) {
	rs := RunStatus(s)
	if !validRunStatuses[rs] {
		return "", fmt.Errorf("invalid run status %q (want not-started|running|uploading|success|failed)", s)
	}
	return rs, nil
}

// IsCompleting is the exactly-once completion predicate: true only on the
// first transition from a non-terminal status into a terminal one. Repeated
// terminal writes evaluate false and must not decrement queue counters.
func IsCompleting(prev, next RunStatus) bool {
	return IsTerminal(next) && !IsTerminal(prev)
}
