package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stagehand/stagehand-agent/internal/config"
)

// Kling is an asynchronous image-to-video backend. It requires a starting
// image; text-only submissions are rejected before any network call.
type Kling struct {
	cfg    config.KlingConfig
	client *http.Client
}

func NewKling(cfg config.KlingConfig) *Kling {
	return &Kling{cfg: cfg, client: newHTTPClient()}
}

func (k *Kling) Name() string { return config.ProviderKling }
func (k *Kling) Kind() string { return "video" }

type klingSubmit struct {
	ModelName string  `json:"model_name"`
	Prompt    string  `json:"prompt"`
	Mode      string  `json:"mode,omitempty"`
	Duration  string  `json:"duration,omitempty"`
	CfgScale  float64 `json:"cfg_scale,omitempty"`
	Image     string  `json:"image"`
	Sound     string  `json:"sound,omitempty"`
}

type klingEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type klingJob struct {
	TaskID string `json:"task_id"`
}

type klingStatus struct {
	TaskStatus    string `json:"task_status"` // submitted, processing, succeed, failed
	TaskStatusMsg string `json:"task_status_msg"`
	TaskResult    struct {
		Videos []struct {
			URL string `json:"url"`
		} `json:"videos"`
	} `json:"task_result"`
}

func (k *Kling) Submit(ctx context.Context, req Request) (JobHandle, error) {
	if req.FirstFrameURL == "" {
		return JobHandle{}, &SubmitError{Provider: k.Name(), Message: "starting image is required"}
	}

	body, err := json.Marshal(klingSubmit{
		ModelName: k.cfg.Model,
		Prompt:    req.Prompt,
		Mode:      k.cfg.Mode,
		Duration:  k.cfg.Duration,
		CfgScale:  k.cfg.CfgScale,
		Image:     req.FirstFrameURL,
		Sound:     k.cfg.Sound,
	})
	if err != nil {
		return JobHandle{}, fmt.Errorf("marshal kling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, k.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return JobHandle{}, fmt.Errorf("kling: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+k.cfg.Key)

	resp, err := k.client.Do(httpReq)
	if err != nil {
		return JobHandle{}, networkError(k.Name(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return JobHandle{}, networkError(k.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return JobHandle{}, submitError(k.Name(), resp.StatusCode, string(respBody))
	}

	var env klingEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return JobHandle{}, &SubmitError{Provider: k.Name(), Message: fmt.Sprintf("decode response: %v", err)}
	}
	if env.Code != 0 {
		return JobHandle{}, &SubmitError{Provider: k.Name(), Message: fmt.Sprintf("code %d: %s", env.Code, env.Message)}
	}

	var job klingJob
	if err := json.Unmarshal(env.Data, &job); err != nil || job.TaskID == "" {
		return JobHandle{}, &SubmitError{Provider: k.Name(), Message: "response missing task id"}
	}
	return JobHandle{Provider: k.Name(), JobID: job.TaskID}, nil
}

func (k *Kling) Poll(ctx context.Context, handle JobHandle) (PollResult, error) {
	pollURL := strings.TrimRight(k.cfg.URL, "/") + "/" + handle.JobID

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("kling: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+k.cfg.Key)

	resp, err := k.client.Do(httpReq)
	if err != nil {
		return PollResult{}, fmt.Errorf("kling poll: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PollResult{}, fmt.Errorf("kling poll: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, fmt.Errorf("kling poll: HTTP %d: %s", resp.StatusCode, respBody)
	}

	var env klingEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return PollResult{}, fmt.Errorf("kling poll: decode response: %w", err)
	}
	if env.Code != 0 {
		return PollResult{}, fmt.Errorf("kling poll: code %d: %s", env.Code, env.Message)
	}

	var st klingStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return PollResult{}, fmt.Errorf("kling poll: decode status: %w", err)
	}

	switch st.TaskStatus {
	case "submitted":
		return PollResult{Status: StatusPending}, nil
	case "processing":
		return PollResult{Status: StatusRunning}, nil
	case "succeed":
		if len(st.TaskResult.Videos) == 0 || st.TaskResult.Videos[0].URL == "" {
			return PollResult{}, fmt.Errorf("kling poll: success without video url")
		}
		return PollResult{Status: StatusSucceeded, AssetURL: st.TaskResult.Videos[0].URL}, nil
	case "failed":
		reason := st.TaskStatusMsg
		if reason == "" {
			reason = "generation failed"
		}
		return PollResult{Status: StatusFailed, Reason: reason}, nil
	default:
		return PollResult{}, fmt.Errorf("kling poll: unknown status %q", st.TaskStatus)
	}
}
