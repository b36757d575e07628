package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Aggregator is the sole writer of the generation report. All status
// transitions funnel through it; workers never touch records directly.
// Terminal entries never regress: a late or duplicate update against a
// finished task is logged and dropped.
//
// The in-memory map is authoritative. Persistence failures are logged but do
// not fail the run; they only degrade resumability.
type Aggregator struct {
	mu            sync.Mutex
	logger        *slog.Logger
	repo          Repository
	tasks         map[string]*TaskRecord
	compileErrors []CompileErrorRecord
	characterID   string
	date          string
}

func NewAggregator(repo Repository, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger: logger,
		repo:   repo,
		tasks:  make(map[string]*TaskRecord),
	}
}

// SetRunInfo stamps the report with the script's identity.
func (a *Aggregator) SetRunInfo(characterID, date string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.characterID = characterID
	a.date = date
}

// Restore loads persisted records from a previous run. Only succeeded rows
// matter for resumption; everything else was already marked incomplete at
// database open.
func (a *Aggregator) Restore(ctx context.Context) error {
	if a.repo == nil {
		return nil
	}

	records, err := a.repo.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	compileErrors, err := a.repo.ListCompileErrors(ctx)
	if err != nil {
		return fmt.Errorf("restore compile errors: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	restored := 0
	for _, rec := range records {
		// Only successes carry over: anything else is retried from
		// scratch and must not block resubmission.
		if rec.Status != StatusSucceeded {
			continue
		}
		a.tasks[rec.TaskID] = rec
		restored++
	}
	for _, rec := range compileErrors {
		a.compileErrors = append(a.compileErrors, *rec)
	}
	if restored > 0 {
		a.logger.Info("restored succeeded tasks from previous run", "count", restored)
	}
	return nil
}

// Succeeded reports whether a task already succeeded in a previous run, and
// if so returns its asset URL for dependents.
func (a *Aggregator) Succeeded(taskID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.tasks[taskID]
	if !ok || rec.Status != StatusSucceeded {
		return "", false
	}
	return rec.AssetURL, true
}

// RecordCompileError adds a scene the compiler rejected.
func (a *Aggregator) RecordCompileError(ctx context.Context, sceneID, reason string) {
	a.mu.Lock()
	a.compileErrors = append(a.compileErrors, CompileErrorRecord{SceneID: sceneID, Reason: reason})
	a.mu.Unlock()

	a.logger.Warn("scene failed to compile", "scene_id", sceneID, "reason", reason)
	if a.repo != nil {
		if err := a.repo.UpsertCompileError(ctx, &CompileErrorRecord{SceneID: sceneID, Reason: reason}); err != nil {
			a.logger.Warn("failed to persist compile error", "scene_id", sceneID, "error", err)
		}
	}
}

// RecordSubmitted marks a task as in flight. Attempts counts submissions, so
// a resubmission after a stall increments it.
func (a *Aggregator) RecordSubmitted(ctx context.Context, taskID, sceneID, kind, provider string, attempts int) {
	a.mu.Lock()
	existing, ok := a.tasks[taskID]
	if ok && IsTerminal(existing.Status) {
		a.mu.Unlock()
		a.logger.Warn("ignoring submit against terminal task",
			"task_id", taskID, "status", existing.Status)
		return
	}
	rec := &TaskRecord{
		TaskID:    taskID,
		SceneID:   sceneID,
		Kind:      kind,
		Provider:  provider,
		Status:    StatusSubmitted,
		Attempts:  attempts,
		UpdatedAt: time.Now().UTC(),
	}
	a.tasks[taskID] = rec
	a.mu.Unlock()

	a.persist(ctx, rec)
}

// RecordTerminal finalizes a task. A task already in a terminal state keeps
// its original outcome.
func (a *Aggregator) RecordTerminal(ctx context.Context, rec TaskRecord) {
	if !IsTerminal(rec.Status) {
		a.logger.Error("RecordTerminal called with non-terminal status",
			"task_id", rec.TaskID, "status", rec.Status)
		return
	}

	a.mu.Lock()
	if existing, ok := a.tasks[rec.TaskID]; ok {
		if IsTerminal(existing.Status) {
			a.mu.Unlock()
			a.logger.Warn("ignoring status regression on terminal task",
				"task_id", rec.TaskID, "have", existing.Status, "got", rec.Status)
			return
		}
		if rec.Attempts == 0 {
			rec.Attempts = existing.Attempts
		}
	}
	rec.UpdatedAt = time.Now().UTC()
	stored := rec
	a.tasks[rec.TaskID] = &stored
	a.mu.Unlock()

	a.persist(ctx, &stored)
}

// SetAssetPath records where a succeeded task's asset was downloaded to.
// Download failures leave the record untouched; the remote URL still stands.
func (a *Aggregator) SetAssetPath(ctx context.Context, taskID, path string) {
	a.mu.Lock()
	rec, ok := a.tasks[taskID]
	if !ok || rec.Status != StatusSucceeded {
		a.mu.Unlock()
		a.logger.Warn("ignoring asset path for non-succeeded task", "task_id", taskID)
		return
	}
	rec.AssetPath = path
	rec.UpdatedAt = time.Now().UTC()
	stored := *rec
	a.mu.Unlock()

	a.persist(ctx, &stored)
}

func (a *Aggregator) persist(ctx context.Context, rec *TaskRecord) {
	if a.repo == nil {
		return
	}
	if err := a.repo.UpsertTask(ctx, rec); err != nil {
		a.logger.Warn("failed to persist task record", "task_id", rec.TaskID, "error", err)
	}
}

// Snapshot returns a consistent copy of the report. Callers may read it at
// any time during the run.
func (a *Aggregator) Snapshot() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := Report{
		CharacterID: a.characterID,
		Date:        a.date,
		GeneratedAt: time.Now().UTC(),
		Tasks:       make([]TaskRecord, 0, len(a.tasks)),
	}
	for _, rec := range a.tasks {
		r.Tasks = append(r.Tasks, *rec)
		r.Summary.Total++
		switch rec.Status {
		case StatusSucceeded:
			r.Summary.Succeeded++
		case StatusFailed:
			r.Summary.Failed++
		case StatusSkipped:
			r.Summary.Skipped++
		case StatusIncomplete:
			r.Summary.Incomplete++
		default:
			r.Summary.InFlight++
		}
	}
	sort.Slice(r.Tasks, func(i, j int) bool { return r.Tasks[i].TaskID < r.Tasks[j].TaskID })
	r.CompileErrors = append(r.CompileErrors, a.compileErrors...)
	return r
}

// WriteFile writes the final report JSON.
func (a *Aggregator) WriteFile(path string) error {
	snapshot := a.Snapshot()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	a.logger.Info("wrote generation report", "path", path,
		"total", snapshot.Summary.Total, "succeeded", snapshot.Summary.Succeeded,
		"failed", snapshot.Summary.Failed)
	return nil
}
