package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stagehand/stagehand-agent/internal/report"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Get("/report", reportHandler(cfg))
		r.Get("/scenes", scenesHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := cfg.Aggregator.Snapshot()

		state := "running"
		if snapshot.Summary.InFlight == 0 && snapshot.Summary.Total > 0 {
			state = "complete"
		}
		if snapshot.Summary.Total == 0 {
			state = "idle"
		}

		lastError := ""
		for _, rec := range snapshot.Tasks {
			if rec.Status == report.StatusFailed && rec.Reason != "" {
				lastError = rec.Reason
			}
		}

		WriteJSON(w, http.StatusOK, StatusResponse{
			State:         state,
			Summary:       snapshot.Summary,
			CompileErrors: len(snapshot.CompileErrors),
			LastError:     lastError,
		})
	}
}

func reportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Aggregator.Snapshot())
	}
}

func scenesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := cfg.Aggregator.Snapshot()

		byScene := map[string][]report.TaskRecord{}
		for _, rec := range snapshot.Tasks {
			byScene[rec.SceneID] = append(byScene[rec.SceneID], rec)
		}

		resp := ScenesResponse{Scenes: make([]SceneResponse, 0, len(byScene))}
		for sceneID, tasks := range byScene {
			resp.Scenes = append(resp.Scenes, SceneResponse{SceneID: sceneID, Tasks: tasks})
		}
		sort.Slice(resp.Scenes, func(i, j int) bool {
			return resp.Scenes[i].SceneID < resp.Scenes[j].SceneID
		})

		WriteJSON(w, http.StatusOK, resp)
	}
}
