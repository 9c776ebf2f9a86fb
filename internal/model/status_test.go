package model

import "testing"

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunStatusNotStarted, false},
		{RunStatusRunning, false},
		{RunStatusUploading, false},
		{RunStatusSuccess, true},
		{RunStatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestParseRunStatus(t *testing.T) {
	for _, valid := range []string{"not-started", "running", "uploading", "success", "failed"} {
		if _, err := ParseRunStatus(valid); err != nil {
			t.Errorf("ParseRunStatus(%q) failed: %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "done", "SUCCESS", "pending"} {
		if _, err := ParseRunStatus(invalid); err == nil {
			t.Errorf("ParseRunStatus(%q) should fail", invalid)
		}
	}
}

func TestIsCompleting(t *testing.T) {
	tests := []struct {
		name       string
		prev, next RunStatus
		completing bool
	}{
		{"running to success", RunStatusRunning, RunStatusSuccess, true},
		{"not-started to failed", RunStatusNotStarted, RunStatusFailed, true},
		{"uploading to success", RunStatusUploading, RunStatusSuccess, true},
		{"running to uploading", RunStatusRunning, RunStatusUploading, false},
		{"success repeated", RunStatusSuccess, RunStatusSuccess, false},
		{"success to failed", RunStatusSuccess, RunStatusFailed, false},
		{"failed to running", RunStatusFailed, RunStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCompleting(tt.prev, tt.next); got != tt.completing {
				t.Errorf("IsCompleting(%q, %q) = %v, want %v", tt.prev, tt.next, got, tt.completing)
			}
		})
	}
}
