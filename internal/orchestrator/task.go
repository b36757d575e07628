package orchestrator

import "github.com/stagehand/stagehand-agent/internal/script"

// TaskState tracks a task through the run. Pending tasks wait on a
// dependency; queued tasks wait for a worker slot. Succeeded, failed, skipped
// and incomplete are terminal.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskQueued     TaskState = "queued"
	TaskSubmitted  TaskState = "submitted"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
	TaskSkipped    TaskState = "skipped"
	TaskIncomplete TaskState = "incomplete"
)

func (s TaskState) terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskIncomplete:
		return true
	}
	return false
}

// trackedTask is the orchestrator's runtime view of one compiled task.
type trackedTask struct {
	task     *script.Task
	state    TaskState
	attempts int
	assetURL string
	reason   string
}
