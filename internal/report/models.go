// Package report owns the generation report: the single authoritative record
// of every task's outcome for a run. The aggregator is the sole writer; the
// orchestrator, the API and the final report file all read from it.
package report

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Task statuses as recorded in the report. Terminal statuses never regress.
const (
	StatusSubmitted  = "submitted"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusIncomplete = "incomplete"
)

// IsTerminal reports whether a status is final for the run.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusIncomplete:
		return true
	}
	return false
}

// TaskRecord is one task's entry in the report.
type TaskRecord struct {
	TaskID    string    `json:"task_id"`
	SceneID   string    `json:"scene_id"`
	Kind      string    `json:"kind"`
	Provider  string    `json:"provider,omitempty"`
	Status    string    `json:"status"`
	AssetURL  string    `json:"asset_url,omitempty"`
	AssetPath string    `json:"asset_path,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompileErrorRecord is a scene the compiler rejected.
type CompileErrorRecord struct {
	SceneID string `json:"scene_id"`
	Reason  string `json:"reason"`
}

// Summary is the per-status tally of a report.
type Summary struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Incomplete int `json:"incomplete"`
	InFlight   int `json:"in_flight"`
}

// NewID returns a random identifier in UUID shape.
func NewID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// Report is a point-in-time snapshot of the run.
type Report struct {
	CharacterID   string               `json:"character_id,omitempty"`
	Date          string               `json:"date,omitempty"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Summary       Summary              `json:"summary"`
	Tasks         []TaskRecord         `json:"tasks"`
	CompileErrors []CompileErrorRecord `json:"compile_errors,omitempty"`
}
