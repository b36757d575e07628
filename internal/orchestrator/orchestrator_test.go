package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stagehand/stagehand-agent/internal/provider"
	"github.com/stagehand/stagehand-agent/internal/report"
	"github.com/stagehand/stagehand-agent/internal/script"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testOptions() Options {
	return Options{
		MaxWorkers:          4,
		PollInterval:        2 * time.Millisecond,
		ImageTimeout:        50 * time.Millisecond,
		VideoTimeout:        80 * time.Millisecond,
		MaxRetryOnTimeout:   2,
		TimeoutRetryEnabled: true,
		SubmitRetries:       1,
		MaxPollErrors:       3,
	}
}

// step scripts one submission attempt of a fake provider.
type step struct {
	rejectErr error         // submission fails with this error
	delay     time.Duration // time until the job settles
	never     bool          // job never settles
	pollErr   bool          // every poll returns an error
	result    provider.PollResult
}

func succeedStep(assetURL string) step {
	return step{result: provider.PollResult{Status: provider.StatusSucceeded, AssetURL: assetURL}}
}

type fakeJob struct {
	step    step
	readyAt time.Time
	settled bool
}

// fakeProvider plays scripted steps per task. Tasks without a script succeed
// immediately with a synthetic asset URL.
type fakeProvider struct {
	name string
	kind string

	mu          sync.Mutex
	steps       map[string][]step
	submits     map[string]int
	firstFrames map[string]string
	jobs        map[string]*fakeJob
	nextID      int
	active      int
	maxActive   int
}

func newFakeProvider(name, kind string) *fakeProvider {
	return &fakeProvider{
		name:        name,
		kind:        kind,
		steps:       make(map[string][]step),
		submits:     make(map[string]int),
		firstFrames: make(map[string]string),
		jobs:        make(map[string]*fakeJob),
	}
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Kind() string { return f.kind }

func (f *fakeProvider) script(taskID string, steps ...step) {
	f.steps[taskID] = steps
}

func (f *fakeProvider) stepFor(taskID string, attempt int) step {
	ss := f.steps[taskID]
	if len(ss) == 0 {
		return succeedStep("https://cdn.test/" + taskID)
	}
	if attempt > len(ss) {
		return ss[len(ss)-1]
	}
	return ss[attempt-1]
}

func (f *fakeProvider) Submit(_ context.Context, req provider.Request) (provider.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits[req.TaskID]++
	f.firstFrames[req.TaskID] = req.FirstFrameURL

	st := f.stepFor(req.TaskID, f.submits[req.TaskID])
	if st.rejectErr != nil {
		return provider.JobHandle{}, st.rejectErr
	}

	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.jobs[id] = &fakeJob{step: st, readyAt: time.Now().Add(st.delay)}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return provider.JobHandle{Provider: f.name, JobID: id}, nil
}

func (f *fakeProvider) Poll(_ context.Context, handle provider.JobHandle) (provider.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	j, ok := f.jobs[handle.JobID]
	if !ok {
		return provider.PollResult{}, fmt.Errorf("unknown job %q", handle.JobID)
	}
	if j.step.pollErr {
		return provider.PollResult{}, errors.New("poll failed")
	}
	if j.step.never || time.Now().Before(j.readyAt) {
		return provider.PollResult{Status: provider.StatusRunning}, nil
	}
	if !j.settled {
		j.settled = true
		f.active--
	}
	return j.step.result, nil
}

func (f *fakeProvider) submitCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[taskID]
}

func (f *fakeProvider) firstFrame(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstFrames[taskID]
}

func registryWith(providers ...provider.Provider) *provider.Registry {
	r := provider.NewRegistry()
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// sceneTasks builds an image task and an optional dependent video task.
func sceneTasks(sceneID string, withVideo bool) []*script.Task {
	img := &script.Task{
		ID:      script.TaskID(sceneID, script.KindImage),
		SceneID: sceneID,
		Kind:    script.KindImage,
		Prompt:  "prompt for " + sceneID,
	}
	tasks := []*script.Task{img}
	if withVideo {
		tasks = append(tasks, &script.Task{
			ID:        script.TaskID(sceneID, script.KindVideo),
			SceneID:   sceneID,
			Kind:      script.KindVideo,
			Prompt:    "motion for " + sceneID,
			DependsOn: img.ID,
		})
	}
	return tasks
}

func statusOf(t *testing.T, snap report.Report, taskID string) report.TaskRecord {
	t.Helper()
	for _, rec := range snap.Tasks {
		if rec.TaskID == taskID {
			return rec
		}
	}
	t.Fatalf("task %s not in report", taskID)
	return report.TaskRecord{}
}

func TestRunSceneEndToEnd(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)
	vid := newFakeProvider("vid", script.KindVideo)
	img.script("s1.image", succeedStep("https://cdn.test/s1_frame.png"))

	agg := report.NewAggregator(nil, testLogger())
	o := New(testOptions(), registryWith(img, vid), agg, nil, testLogger())

	if err := o.Run(context.Background(), sceneTasks("s1", true)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snap := agg.Snapshot()
	if snap.Summary.Succeeded != 2 {
		t.Fatalf("summary = %+v", snap.Summary)
	}

	// The video was submitted only after the image succeeded, with the
	// generated frame as its starting image.
	if got := vid.firstFrame("s1.video"); got != "https://cdn.test/s1_frame.png" {
		t.Errorf("video first frame = %q", got)
	}
	if rec := statusOf(t, snap, "s1.video"); rec.AssetURL != "https://cdn.test/s1.video" {
		t.Errorf("video asset = %q", rec.AssetURL)
	}
}

func TestWorkerPoolBound(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)

	var tasks []*script.Task
	for i := 0; i < 5; i++ {
		sceneID := fmt.Sprintf("s%d", i)
		img.script(sceneID+".image", step{
			delay:  10 * time.Millisecond,
			result: provider.PollResult{Status: provider.StatusSucceeded, AssetURL: "u"},
		})
		tasks = append(tasks, sceneTasks(sceneID, false)...)
	}

	opts := testOptions()
	opts.MaxWorkers = 2

	agg := report.NewAggregator(nil, testLogger())
	o := New(opts, registryWith(img), agg, nil, testLogger())

	if err := o.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if snap := agg.Snapshot(); snap.Summary.Succeeded != 5 {
		t.Fatalf("summary = %+v", snap.Summary)
	}
	if img.maxActive > 2 {
		t.Errorf("max concurrent jobs = %d, want <= 2", img.maxActive)
	}
}

func TestTimeoutRetryBudgetExact(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)
	img.script("s1.image", step{never: true})

	opts := testOptions()
	opts.ImageTimeout = 10 * time.Millisecond
	opts.MaxRetryOnTimeout = 2

	agg := report.NewAggregator(nil, testLogger())
	o := New(opts, registryWith(img), agg, nil, testLogger())

	if err := o.Run(context.Background(), sceneTasks("s1", false)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// 1 initial attempt + exactly 2 resubmissions.
	if got := img.submitCount("s1.image"); got != 3 {
		t.Errorf("submit count = %d, want 3", got)
	}

	rec := statusOf(t, agg.Snapshot(), "s1.image")
	if rec.Status != report.StatusFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
	if !strings.Contains(rec.Reason, "no result within") {
		t.Errorf("reason = %q", rec.Reason)
	}
	if rec.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.Attempts)
	}
}

func TestTimeoutRetryDisabled(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)
	img.script("s1.image", step{never: true})

	opts := testOptions()
	opts.ImageTimeout = 10 * time.Millisecond
	opts.TimeoutRetryEnabled = false

	agg := report.NewAggregator(nil, testLogger())
	o := New(opts, registryWith(img), agg, nil, testLogger())

	if err := o.Run(context.Background(), sceneTasks("s1", false)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := img.submitCount("s1.image"); got != 1 {
		t.Errorf("submit count = %d, want 1", got)
	}
	if rec := statusOf(t, agg.Snapshot(), "s1.image"); rec.Status != report.StatusFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
}

func TestStalledTaskRecoversOnResubmit(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)
	img.script("s1.image", step{never: true}, succeedStep("u"))

	opts := testOptions()
	opts.ImageTimeout = 10 * time.Millisecond

	agg := report.NewAggregator(nil, testLogger())
	o := New(opts, registryWith(img), agg, nil, testLogger())

	if err := o.Run(context.Background(), sceneTasks("s1", false)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec := statusOf(t, agg.Snapshot(), "s1.image")
	if rec.Status != report.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", rec.Status)
	}
	if rec.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", rec.Attempts)
	}
}

func TestRejectedSubmitSkipsDependentOnly(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)
	vid := newFakeProvider("vid", script.KindVideo)
	img.script("s1.image", step{rejectErr: &provider.SubmitError{
		Provider: "img", StatusCode: 400, Message: "prompt rejected",
	}})

	tasks := append(sceneTasks("s1", true), sceneTasks("s2", true)...)

	agg := report.NewAggregator(nil, testLogger())
	o := New(testOptions(), registryWith(img, vid), agg, nil, testLogger())

	if err := o.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snap := agg.Snapshot()
	if rec := statusOf(t, snap, "s1.image"); rec.Status != report.StatusFailed {
		t.Errorf("s1.image status = %q", rec.Status)
	}
	rec := statusOf(t, snap, "s1.video")
	if rec.Status != report.StatusSkipped {
		t.Errorf("s1.video status = %q, want skipped", rec.Status)
	}
	if !strings.Contains(rec.Reason, "s1.image") {
		t.Errorf("skip reason = %q", rec.Reason)
	}
	if got := vid.submitCount("s1.video"); got != 0 {
		t.Errorf("skipped task was submitted %d times", got)
	}

	// The sibling scene is unaffected.
	if rec := statusOf(t, snap, "s2.video"); rec.Status != report.StatusSucceeded {
		t.Errorf("s2.video status = %q", rec.Status)
	}
}

func TestProviderReportedFailure(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)
	img.script("s1.image", step{result: provider.PollResult{
		Status: provider.StatusFailed, Reason: "content policy",
	}})

	agg := report.NewAggregator(nil, testLogger())
	o := New(testOptions(), registryWith(img), agg, nil, testLogger())

	if err := o.Run(context.Background(), sceneTasks("s1", false)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec := statusOf(t, agg.Snapshot(), "s1.image")
	if rec.Status != report.StatusFailed || rec.Reason != "content policy" {
		t.Errorf("record = %+v", rec)
	}
	// A provider-reported failure is final, never resubmitted.
	if got := img.submitCount("s1.image"); got != 1 {
		t.Errorf("submit count = %d, want 1", got)
	}
}

func TestConsecutivePollErrorsFailTask(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)
	img.script("s1.image", step{pollErr: true})

	opts := testOptions()
	opts.MaxPollErrors = 3

	agg := report.NewAggregator(nil, testLogger())
	o := New(opts, registryWith(img), agg, nil, testLogger())

	if err := o.Run(context.Background(), sceneTasks("s1", false)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec := statusOf(t, agg.Snapshot(), "s1.image")
	if rec.Status != report.StatusFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
	if !strings.Contains(rec.Reason, "consecutive poll failures") {
		t.Errorf("reason = %q", rec.Reason)
	}
}

func TestCancelMarksRemainingIncomplete(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)
	img.script("s1.image", step{never: true})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	agg := report.NewAggregator(nil, testLogger())
	o := New(testOptions(), registryWith(img), agg, nil, testLogger())

	err := o.Run(ctx, sceneTasks("s1", true))
	if err == nil {
		t.Fatal("expected error from cancelled run")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v", err)
	}

	snap := agg.Snapshot()
	if snap.Summary.Incomplete != 2 {
		t.Errorf("summary = %+v", snap.Summary)
	}
}

func TestResumeSkipsSucceededTasks(t *testing.T) {
	img := newFakeProvider("img", script.KindImage)
	vid := newFakeProvider("vid", script.KindVideo)

	agg := report.NewAggregator(nil, testLogger())
	// The image finished in a previous run.
	agg.RecordTerminal(context.Background(), report.TaskRecord{
		TaskID: "s1.image", SceneID: "s1", Kind: script.KindImage,
		Status: report.StatusSucceeded, AssetURL: "https://cdn.test/prev_frame.png",
	})

	o := New(testOptions(), registryWith(img, vid), agg, nil, testLogger())
	if err := o.Run(context.Background(), sceneTasks("s1", true)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := img.submitCount("s1.image"); got != 0 {
		t.Errorf("already-succeeded task was submitted %d times", got)
	}
	// The dependent still runs, fed by the previous run's asset.
	if got := vid.firstFrame("s1.video"); got != "https://cdn.test/prev_frame.png" {
		t.Errorf("video first frame = %q", got)
	}
	if rec := statusOf(t, agg.Snapshot(), "s1.video"); rec.Status != report.StatusSucceeded {
		t.Errorf("video status = %q", rec.Status)
	}
}

func TestAllTasksAlreadyDone(t *testing.T) {
	agg := report.NewAggregator(nil, testLogger())
	agg.RecordTerminal(context.Background(), report.TaskRecord{
		TaskID: "s1.image", SceneID: "s1", Kind: script.KindImage,
		Status: report.StatusSucceeded, AssetURL: "u",
	})

	o := New(testOptions(), registryWith(newFakeProvider("img", script.KindImage)), agg, nil, testLogger())
	if err := o.Run(context.Background(), sceneTasks("s1", false)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestMissingProviderFailsTask(t *testing.T) {
	agg := report.NewAggregator(nil, testLogger())
	o := New(testOptions(), provider.NewRegistry(), agg, nil, testLogger())

	if err := o.Run(context.Background(), sceneTasks("s1", false)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec := statusOf(t, agg.Snapshot(), "s1.image")
	if rec.Status != report.StatusFailed || !strings.Contains(rec.Reason, "no provider") {
		t.Errorf("record = %+v", rec)
	}
}
