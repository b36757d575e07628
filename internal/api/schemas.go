package api

import "github.com/stagehand/stagehand-agent/internal/report"

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State         string         `json:"state"`
	Summary       report.Summary `json:"summary"`
	CompileErrors int            `json:"compile_errors"`
	LastError     string         `json:"last_error,omitempty"`
}

type SceneResponse struct {
	SceneID string              `json:"scene_id"`
	Tasks   []report.TaskRecord `json:"tasks"`
}

type ScenesResponse struct {
	Scenes []SceneResponse `json:"scenes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
