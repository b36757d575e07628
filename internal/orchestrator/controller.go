package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stagehand/stagehand-agent/internal/provider"
	"github.com/stagehand/stagehand-agent/internal/script"
)

// outcome is the result of driving one task to rest.
type outcome struct {
	state     TaskState
	assetURL  string
	reason    string
	attempts  int
	cancelled bool
}

// process drives a single task and applies its outcome. Cancelled tasks are
// left for finalize, which records them outside the dying context.
func (o *Orchestrator) process(ctx context.Context, id string) {
	o.mu.Lock()
	tr, ok := o.tasks[id]
	if !ok || tr.state != TaskQueued {
		o.mu.Unlock()
		return
	}
	tr.state = TaskSubmitted
	task := tr.task
	o.mu.Unlock()

	out := o.runTask(ctx, task)
	if out.cancelled {
		return
	}
	o.finish(ctx, id, out.state, out.assetURL, out.reason, out.attempts)
}

// runTask owns the submit/poll/retry loop for one task. A task whose
// deadline passes without a terminal answer is stalled: its slot is reused
// for a fresh submission until the retry budget runs out.
func (o *Orchestrator) runTask(ctx context.Context, task *script.Task) outcome {
	logger := o.logger.With("task_id", task.ID, "kind", task.Kind)

	p, ok := o.providers.ForKind(task.Kind)
	if !ok {
		return outcome{state: TaskFailed, reason: fmt.Sprintf("no provider configured for kind %q", task.Kind)}
	}

	req := provider.Request{
		TaskID:        task.ID,
		Prompt:        task.Prompt,
		ReferenceURLs: task.ReferenceURLs,
	}
	if task.DependsOn != "" {
		req.FirstFrameURL = o.assetOf(task.DependsOn)
	}

	deadline := o.opts.ImageTimeout
	if task.Kind == script.KindVideo {
		deadline = o.opts.VideoTimeout
	}

	for attempt := 1; ; attempt++ {
		handle, err := provider.SubmitWithRetry(ctx, p, req, o.opts.SubmitRetries, logger)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{cancelled: true, attempts: attempt}
			}
			logger.Error("submission rejected", "provider", p.Name(), "attempt", attempt, "error", err)
			return outcome{state: TaskFailed, reason: err.Error(), attempts: attempt}
		}

		logger.Info("task submitted", "provider", p.Name(), "job_id", handle.JobID, "attempt", attempt)
		o.agg.RecordSubmitted(ctx, task.ID, task.SceneID, task.Kind, p.Name(), attempt)

		out := o.pollUntilDeadline(ctx, p, handle, deadline, logger)
		out.attempts = attempt
		if out.cancelled {
			return out
		}
		if out.state != taskStalled {
			if out.state == TaskSucceeded {
				o.downloadAsset(ctx, task, out.assetURL, logger)
			}
			return out
		}

		// Stalled: the deadline passed without an answer. The job keeps
		// running on the provider side; we stop watching it.
		if !o.opts.TimeoutRetryEnabled || attempt > o.opts.MaxRetryOnTimeout {
			reason := fmt.Sprintf("no result within %s after %d attempt(s)", deadline, attempt)
			logger.Error("task timed out, retry budget exhausted", "attempts", attempt)
			return outcome{state: TaskFailed, reason: reason, attempts: attempt}
		}
		logger.Warn("task stalled, resubmitting", "attempt", attempt, "max_retries", o.opts.MaxRetryOnTimeout)
	}
}

// taskStalled is a sentinel state internal to the controller loop: the
// attempt's deadline passed without a terminal poll result.
const taskStalled TaskState = "stalled"

// pollUntilDeadline polls a submitted job until it settles, its deadline
// passes, the poll error cap is hit, or the context is cancelled. Individual
// poll failures are tolerated; only an unbroken run of them fails the job.
func (o *Orchestrator) pollUntilDeadline(ctx context.Context, p provider.Provider, handle provider.JobHandle, deadline time.Duration, logger *slog.Logger) outcome {
	expiry := time.Now().Add(deadline)
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return outcome{cancelled: true}
		case <-ticker.C:
		}

		if time.Now().After(expiry) {
			return outcome{state: taskStalled}
		}

		result, err := p.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{cancelled: true}
			}
			consecutiveErrors++
			logger.Warn("poll failed", "job_id", handle.JobID,
				"consecutive_errors", consecutiveErrors, "error", err)
			if consecutiveErrors >= o.opts.MaxPollErrors {
				return outcome{
					state:  TaskFailed,
					reason: fmt.Sprintf("%d consecutive poll failures: %v", consecutiveErrors, err),
				}
			}
			continue
		}
		consecutiveErrors = 0

		switch result.Status {
		case provider.StatusSucceeded:
			return outcome{state: TaskSucceeded, assetURL: result.AssetURL}
		case provider.StatusFailed:
			return outcome{state: TaskFailed, reason: result.Reason}
		}
		// Pending or running: keep polling.
	}
}

// downloadAsset fetches a succeeded task's asset to the output directory.
// Failure only costs the local copy; the task stays succeeded.
func (o *Orchestrator) downloadAsset(ctx context.Context, task *script.Task, assetURL string, logger *slog.Logger) {
	if o.downloader == nil || assetURL == "" {
		return
	}
	path, err := o.downloader.Fetch(ctx, assetURL, script.AssetFilename(task.SceneID, task.Kind))
	if err != nil {
		logger.Warn("asset download failed", "url", assetURL, "error", err)
		return
	}
	o.agg.SetAssetPath(ctx, task.ID, path)
}
