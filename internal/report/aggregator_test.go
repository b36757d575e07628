package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stagehand/stagehand-agent/internal/db"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewRepository(database.Conn())
}

func TestAggregatorLifecycle(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(testRepo(t), testLogger())

	agg.RecordSubmitted(ctx, "s1.image", "s1", "image", "nanobanana", 1)

	snap := agg.Snapshot()
	if snap.Summary.Total != 1 || snap.Summary.InFlight != 1 {
		t.Errorf("summary after submit = %+v", snap.Summary)
	}

	agg.RecordTerminal(ctx, TaskRecord{
		TaskID: "s1.image", SceneID: "s1", Kind: "image", Provider: "nanobanana",
		Status: StatusSucceeded, AssetURL: "https://cdn.example.com/a.png",
	})

	url, ok := agg.Succeeded("s1.image")
	if !ok || url != "https://cdn.example.com/a.png" {
		t.Errorf("Succeeded() = %q, %v", url, ok)
	}

	snap = agg.Snapshot()
	if snap.Summary.Succeeded != 1 || snap.Summary.InFlight != 0 {
		t.Errorf("summary after success = %+v", snap.Summary)
	}
}

func TestTerminalEntriesNeverRegress(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(nil, testLogger())

	agg.RecordSubmitted(ctx, "s1.image", "s1", "image", "nanobanana", 1)
	agg.RecordTerminal(ctx, TaskRecord{TaskID: "s1.image", SceneID: "s1", Kind: "image", Status: StatusSucceeded, AssetURL: "u1"})

	// A late failure against the finished task is dropped.
	agg.RecordTerminal(ctx, TaskRecord{TaskID: "s1.image", SceneID: "s1", Kind: "image", Status: StatusFailed, Reason: "late poll"})

	// So is a late resubmission.
	agg.RecordSubmitted(ctx, "s1.image", "s1", "image", "nanobanana", 2)

	snap := agg.Snapshot()
	if len(snap.Tasks) != 1 {
		t.Fatalf("task count = %d", len(snap.Tasks))
	}
	if snap.Tasks[0].Status != StatusSucceeded || snap.Tasks[0].AssetURL != "u1" {
		t.Errorf("record regressed: %+v", snap.Tasks[0])
	}
}

func TestRestoreFromPreviousRun(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	first := NewAggregator(repo, testLogger())
	first.RecordSubmitted(ctx, "s1.image", "s1", "image", "nanobanana", 1)
	first.RecordTerminal(ctx, TaskRecord{TaskID: "s1.image", SceneID: "s1", Kind: "image", Status: StatusSucceeded, AssetURL: "u1"})
	first.RecordCompileError(ctx, "s9", "scene has neither an image prompt nor a video prompt")

	second := NewAggregator(repo, testLogger())
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	url, ok := second.Succeeded("s1.image")
	if !ok || url != "u1" {
		t.Errorf("Succeeded() after restore = %q, %v", url, ok)
	}

	snap := second.Snapshot()
	if len(snap.CompileErrors) != 1 || snap.CompileErrors[0].SceneID != "s9" {
		t.Errorf("compile errors after restore = %+v", snap.CompileErrors)
	}
}

func TestSetAssetPath(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(nil, testLogger())

	agg.RecordSubmitted(ctx, "s1.image", "s1", "image", "nanobanana", 1)

	// Path updates are only valid on succeeded tasks.
	agg.SetAssetPath(ctx, "s1.image", "/out/s1_frame.png")
	if snap := agg.Snapshot(); snap.Tasks[0].AssetPath != "" {
		t.Errorf("asset path set on in-flight task: %+v", snap.Tasks[0])
	}

	agg.RecordTerminal(ctx, TaskRecord{TaskID: "s1.image", SceneID: "s1", Kind: "image", Status: StatusSucceeded, AssetURL: "u1"})
	agg.SetAssetPath(ctx, "s1.image", "/out/s1_frame.png")

	snap := agg.Snapshot()
	if snap.Tasks[0].AssetPath != "/out/s1_frame.png" {
		t.Errorf("asset path = %q", snap.Tasks[0].AssetPath)
	}
}

func TestWriteFile(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(nil, testLogger())
	agg.SetRunInfo("luna_002", "2026-08-23")

	agg.RecordSubmitted(ctx, "s1.image", "s1", "image", "nanobanana", 1)
	agg.RecordTerminal(ctx, TaskRecord{TaskID: "s1.image", SceneID: "s1", Kind: "image", Status: StatusSucceeded, AssetURL: "u1"})
	agg.RecordTerminal(ctx, TaskRecord{TaskID: "s1.video", SceneID: "s1", Kind: "video", Status: StatusSkipped, Reason: "dependency failed"})

	path := filepath.Join(t.TempDir(), "out", "generation_report.json")
	if err := agg.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if rep.CharacterID != "luna_002" || rep.Summary.Total != 2 || rep.Summary.Succeeded != 1 || rep.Summary.Skipped != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRepositoryUpsert(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	rec := &TaskRecord{TaskID: "s1.image", SceneID: "s1", Kind: "image", Status: StatusSubmitted, Attempts: 1}
	if err := repo.UpsertTask(ctx, rec); err != nil {
		t.Fatalf("UpsertTask() error = %v", err)
	}

	rec.Status = StatusSucceeded
	rec.AssetURL = "u1"
	rec.Attempts = 2
	if err := repo.UpsertTask(ctx, rec); err != nil {
		t.Fatalf("UpsertTask() update error = %v", err)
	}

	got, err := repo.GetTask(ctx, "s1.image")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != StatusSucceeded || got.AssetURL != "u1" || got.Attempts != 2 {
		t.Errorf("record = %+v", got)
	}

	if missing, err := repo.GetTask(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("GetTask(missing) = %v, %v", missing, err)
	}

	if err := repo.SetConfig(ctx, "auth_token", "abc"); err != nil {
		t.Fatal(err)
	}
	if v, err := repo.GetConfig(ctx, "auth_token"); err != nil || v != "abc" {
		t.Errorf("GetConfig() = %q, %v", v, err)
	}
}
