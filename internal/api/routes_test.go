package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stagehand/stagehand-agent/internal/report"
)

// fakeRepo is an in-memory report.Repository for handler tests.
type fakeRepo struct {
	config map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{config: map[string]string{"auth_token": "test-token"}}
}

func (f *fakeRepo) UpsertTask(context.Context, *report.TaskRecord) error { return nil }
func (f *fakeRepo) GetTask(context.Context, string) (*report.TaskRecord, error) {
	return nil, nil
}
func (f *fakeRepo) ListTasks(context.Context) ([]*report.TaskRecord, error) { return nil, nil }
func (f *fakeRepo) UpsertCompileError(context.Context, *report.CompileErrorRecord) error {
	return nil
}
func (f *fakeRepo) ListCompileErrors(context.Context) ([]*report.CompileErrorRecord, error) {
	return nil, nil
}
func (f *fakeRepo) GetConfig(_ context.Context, key string) (string, error) {
	return f.config[key], nil
}
func (f *fakeRepo) SetConfig(_ context.Context, key, value string) error {
	f.config[key] = value
	return nil
}

func testConfig(t *testing.T) ServerConfig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agg := report.NewAggregator(nil, logger)
	return ServerConfig{
		Port:       0,
		Aggregator: agg,
		Repository: newFakeRepo(),
		Logger:     logger,
		StartTime:  time.Now(),
		Version:    "test",
	}
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return body
}

func TestHealthIsPublic(t *testing.T) {
	router := NewRouter(testConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("health status = %v", body["status"])
	}
}

func TestStatusRequiresAuth(t *testing.T) {
	router := NewRouter(testConfig(t))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer test-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestStatusReflectsRun(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	cfg.Aggregator.RecordSubmitted(ctx, "s1.image", "s1", "image", "nanobanana", 1)
	cfg.Aggregator.RecordTerminal(ctx, report.TaskRecord{
		TaskID: "s2.image", SceneID: "s2", Kind: "image",
		Status: report.StatusFailed, Reason: "content policy",
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	NewRouter(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["state"] != "running" {
		t.Errorf("state = %v, want running", body["state"])
	}
	if body["last_error"] != "content policy" {
		t.Errorf("last_error = %v", body["last_error"])
	}

	summary, ok := body["summary"].(map[string]interface{})
	if !ok {
		t.Fatal("summary missing from response")
	}
	if summary["total"] != float64(2) || summary["failed"] != float64(1) {
		t.Errorf("summary = %v", summary)
	}
}

func TestReportEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Aggregator.SetRunInfo("luna_002", "2026-08-23")
	cfg.Aggregator.RecordTerminal(context.Background(), report.TaskRecord{
		TaskID: "s1.image", SceneID: "s1", Kind: "image",
		Status: report.StatusSucceeded, AssetURL: "u1",
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	NewRouter(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var rep report.Report
	if err := json.NewDecoder(rr.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.CharacterID != "luna_002" || len(rep.Tasks) != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestScenesGroupsTasks(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	cfg.Aggregator.RecordTerminal(ctx, report.TaskRecord{
		TaskID: "s1.image", SceneID: "s1", Kind: "image", Status: report.StatusSucceeded,
	})
	cfg.Aggregator.RecordTerminal(ctx, report.TaskRecord{
		TaskID: "s1.video", SceneID: "s1", Kind: "video", Status: report.StatusSucceeded,
	})
	cfg.Aggregator.RecordTerminal(ctx, report.TaskRecord{
		TaskID: "s2.image", SceneID: "s2", Kind: "image", Status: report.StatusFailed,
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/scenes", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	NewRouter(cfg).ServeHTTP(rr, req)

	var resp ScenesResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode scenes: %v", err)
	}
	if len(resp.Scenes) != 2 {
		t.Fatalf("scene count = %d", len(resp.Scenes))
	}
	if resp.Scenes[0].SceneID != "s1" || len(resp.Scenes[0].Tasks) != 2 {
		t.Errorf("first scene = %+v", resp.Scenes[0])
	}
}

func TestRequestIDHeader(t *testing.T) {
	router := NewRouter(testConfig(t))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}
