// Package orchestrator drives compiled tasks through their providers: a
// bounded worker pool submits, polls and retries until every task reaches a
// terminal state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stagehand/stagehand-agent/internal/assets"
	"github.com/stagehand/stagehand-agent/internal/config"
	"github.com/stagehand/stagehand-agent/internal/provider"
	"github.com/stagehand/stagehand-agent/internal/report"
	"github.com/stagehand/stagehand-agent/internal/script"
)

// Options are the orchestrator tunables. Zero values fall back to the
// configured defaults.
type Options struct {
	MaxWorkers          int
	PollInterval        time.Duration
	ImageTimeout        time.Duration
	VideoTimeout        time.Duration
	MaxRetryOnTimeout   int
	TimeoutRetryEnabled bool
	SubmitRetries       int
	MaxPollErrors       int
}

func (o *Options) normalize() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = config.DefaultMaxWorkers
	}
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultPollInterval * time.Second
	}
	if o.ImageTimeout <= 0 {
		o.ImageTimeout = config.DefaultImageTimeout * time.Second
	}
	if o.VideoTimeout <= 0 {
		o.VideoTimeout = config.DefaultVideoTimeout * time.Second
	}
	if o.SubmitRetries <= 0 {
		o.SubmitRetries = config.DefaultSubmitRetries
	}
	if o.MaxPollErrors <= 0 {
		o.MaxPollErrors = config.DefaultMaxPollErrors
	}
}

// Orchestrator runs one compiled task set to completion.
type Orchestrator struct {
	opts       Options
	providers  *provider.Registry
	agg        *report.Aggregator
	downloader *assets.Downloader
	logger     *slog.Logger

	mu         sync.Mutex
	tasks      map[string]*trackedTask
	dependents map[string][]string
	remaining  int
	closed     bool
	queue      chan string
}

// New builds an orchestrator. The downloader may be nil; assets then stay on
// the provider CDN and only their URLs are reported.
func New(opts Options, providers *provider.Registry, agg *report.Aggregator, downloader *assets.Downloader, logger *slog.Logger) *Orchestrator {
	opts.normalize()
	return &Orchestrator{
		opts:       opts,
		providers:  providers,
		agg:        agg,
		downloader: downloader,
		logger:     logger,
	}
}

// Run executes all tasks and blocks until every one is terminal or the
// context is cancelled. Tasks that already succeeded in a previous run are
// skipped; their assets feed dependents as usual. On cancellation the
// remaining tasks are marked incomplete and ctx's error is returned.
func (o *Orchestrator) Run(ctx context.Context, tasks []*script.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	ready := o.prepare(tasks)
	for _, id := range ready {
		o.queue <- id
	}

	o.logger.Info("orchestrator starting",
		"tasks", len(tasks), "ready", len(ready), "workers", o.opts.MaxWorkers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.opts.MaxWorkers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case id, ok := <-o.queue:
					if !ok {
						return nil
					}
					o.process(gctx, id)
				}
			}
		})
	}

	err := g.Wait()
	o.finalize(context.Background())

	if err != nil {
		o.logger.Warn("run interrupted", "error", err)
		return fmt.Errorf("run interrupted: %w", err)
	}
	o.logger.Info("run complete")
	return nil
}

// prepare indexes the task set, applies previous-run results and returns the
// initially ready task IDs in compile order.
func (o *Orchestrator) prepare(tasks []*script.Task) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.tasks = make(map[string]*trackedTask, len(tasks))
	o.dependents = make(map[string][]string)
	o.queue = make(chan string, len(tasks))

	for _, t := range tasks {
		tr := &trackedTask{task: t, state: TaskPending}
		if url, ok := o.agg.Succeeded(t.ID); ok {
			tr.state = TaskSucceeded
			tr.assetURL = url
			o.logger.Info("skipping task succeeded in previous run", "task_id", t.ID)
		}
		o.tasks[t.ID] = tr
		if t.DependsOn != "" {
			o.dependents[t.DependsOn] = append(o.dependents[t.DependsOn], t.ID)
		}
	}

	var ready []string
	for _, t := range tasks {
		tr := o.tasks[t.ID]
		if tr.state != TaskPending {
			continue
		}
		o.remaining++
		if t.DependsOn == "" {
			tr.state = TaskQueued
			ready = append(ready, t.ID)
			continue
		}
		if dep, ok := o.tasks[t.DependsOn]; ok && dep.state == TaskSucceeded {
			tr.state = TaskQueued
			ready = append(ready, t.ID)
		}
	}

	if o.remaining == 0 {
		o.closed = true
		close(o.queue)
	}
	return ready
}

// finish applies a task's terminal outcome: records it, unblocks or skips
// dependents, and closes the queue when the last task settles. Skipping a
// dependent never consumes a worker slot.
func (o *Orchestrator) finish(ctx context.Context, id string, state TaskState, assetURL, reason string, attempts int) {
	o.mu.Lock()
	tr, ok := o.tasks[id]
	if !ok || tr.state.terminal() {
		o.mu.Unlock()
		return
	}
	tr.state = state
	tr.assetURL = assetURL
	tr.reason = reason
	tr.attempts = attempts
	o.remaining--

	var unblocked []string
	var skipped []*trackedTask
	if state == TaskSucceeded {
		for _, depID := range o.dependents[id] {
			d := o.tasks[depID]
			if d.state != TaskPending {
				continue
			}
			d.state = TaskQueued
			unblocked = append(unblocked, depID)
		}
	} else {
		o.skipDependentsLocked(id, &skipped)
	}

	done := o.remaining == 0
	if done && !o.closed {
		o.closed = true
	} else {
		done = false
	}
	o.mu.Unlock()

	o.agg.RecordTerminal(ctx, report.TaskRecord{
		TaskID:   id,
		SceneID:  tr.task.SceneID,
		Kind:     tr.task.Kind,
		Status:   string(state),
		AssetURL: assetURL,
		Reason:   reason,
		Attempts: attempts,
	})

	for _, d := range skipped {
		o.logger.Info("skipping task", "task_id", d.task.ID, "reason", d.reason)
		o.agg.RecordTerminal(ctx, report.TaskRecord{
			TaskID:  d.task.ID,
			SceneID: d.task.SceneID,
			Kind:    d.task.Kind,
			Status:  report.StatusSkipped,
			Reason:  d.reason,
		})
	}

	for _, depID := range unblocked {
		o.queue <- depID
	}
	if done {
		close(o.queue)
	}
}

// skipDependentsLocked marks every transitive dependent of id skipped.
// Callers hold o.mu.
func (o *Orchestrator) skipDependentsLocked(id string, out *[]*trackedTask) {
	for _, depID := range o.dependents[id] {
		d := o.tasks[depID]
		if d.state.terminal() {
			continue
		}
		d.state = TaskSkipped
		d.reason = "dependency " + id + " did not succeed"
		o.remaining--
		*out = append(*out, d)
		o.skipDependentsLocked(depID, out)
	}
}

// finalize marks everything still non-terminal as incomplete. Reached after
// the worker pool exits, so nothing races it.
func (o *Orchestrator) finalize(ctx context.Context) {
	o.mu.Lock()
	var leftovers []*trackedTask
	for _, tr := range o.tasks {
		if !tr.state.terminal() {
			tr.state = TaskIncomplete
			tr.reason = "run cancelled"
			leftovers = append(leftovers, tr)
		}
	}
	o.mu.Unlock()

	for _, tr := range leftovers {
		o.agg.RecordTerminal(ctx, report.TaskRecord{
			TaskID:   tr.task.ID,
			SceneID:  tr.task.SceneID,
			Kind:     tr.task.Kind,
			Status:   report.StatusIncomplete,
			Reason:   tr.reason,
			Attempts: tr.attempts,
		})
	}
}

// assetOf returns the asset URL of a terminal task.
func (o *Orchestrator) assetOf(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if tr, ok := o.tasks[id]; ok {
		return tr.assetURL
	}
	return ""
}
