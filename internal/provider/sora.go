package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/stagehand/stagehand-agent/internal/config"
)

// Sora is an asynchronous video backend. Submissions are form-encoded with a
// bearer key; jobs are polled by id. The generated first frame is passed as
// the starting image.
type Sora struct {
	cfg    config.SoraConfig
	client *http.Client
}

func NewSora(cfg config.SoraConfig) *Sora {
	return &Sora{cfg: cfg, client: newHTTPClient()}
}

func (s *Sora) Name() string { return config.ProviderSora }
func (s *Sora) Kind() string { return "video" }

type soraEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type soraJob struct {
	ID json.Number `json:"id"`
}

type soraStatus struct {
	Status     int    `json:"status"` // 0 queued, 1 success, 2 failed, 3 generating
	RemoteURL  string `json:"remote_url"`
	FailReason string `json:"fail_reason"`
}

// urlWithKey appends the API key as a query parameter.
func urlWithKey(rawURL, key string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Sora) Submit(ctx context.Context, req Request) (JobHandle, error) {
	form := url.Values{
		"prompt":      {req.Prompt},
		"aspectRatio": {s.cfg.AspectRatio},
		"duration":    {s.cfg.Duration},
		"size":        {s.cfg.Size},
	}
	if req.FirstFrameURL != "" {
		form.Set("url", req.FirstFrameURL)
	}

	submitURL, err := urlWithKey(s.cfg.SubmitURL, s.cfg.Key)
	if err != nil {
		return JobHandle{}, fmt.Errorf("sora: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, strings.NewReader(form.Encode()))
	if err != nil {
		return JobHandle{}, fmt.Errorf("sora: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	env, err := s.doSubmit(httpReq)
	if err != nil {
		return JobHandle{}, err
	}
	if env.Code != 200 {
		return JobHandle{}, &SubmitError{Provider: s.Name(), Message: fmt.Sprintf("code %d: %s", env.Code, env.Msg)}
	}

	var job soraJob
	if err := json.Unmarshal(env.Data, &job); err != nil || job.ID.String() == "" {
		return JobHandle{}, &SubmitError{Provider: s.Name(), Message: "response missing job id"}
	}
	return JobHandle{Provider: s.Name(), JobID: job.ID.String()}, nil
}

func (s *Sora) doSubmit(httpReq *http.Request) (*soraEnvelope, error) {
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, networkError(s.Name(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, networkError(s.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, submitError(s.Name(), resp.StatusCode, string(respBody))
	}

	var env soraEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, &SubmitError{Provider: s.Name(), Message: fmt.Sprintf("decode response: %v", err)}
	}
	return &env, nil
}

func (s *Sora) Poll(ctx context.Context, handle JobHandle) (PollResult, error) {
	u, err := url.Parse(s.cfg.PollURL)
	if err != nil {
		return PollResult{}, fmt.Errorf("sora: parse poll url: %w", err)
	}
	q := u.Query()
	q.Set("key", s.cfg.Key)
	q.Set("id", handle.JobID)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("sora: build request: %w", err)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return PollResult{}, fmt.Errorf("sora poll: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PollResult{}, fmt.Errorf("sora poll: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, fmt.Errorf("sora poll: HTTP %d: %s", resp.StatusCode, respBody)
	}

	var env soraEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return PollResult{}, fmt.Errorf("sora poll: decode response: %w", err)
	}
	if env.Code != 200 {
		return PollResult{}, fmt.Errorf("sora poll: code %d: %s", env.Code, env.Msg)
	}

	var st soraStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return PollResult{}, fmt.Errorf("sora poll: decode status: %w", err)
	}

	switch st.Status {
	case 0:
		return PollResult{Status: StatusPending}, nil
	case 3:
		return PollResult{Status: StatusRunning}, nil
	case 1:
		if st.RemoteURL == "" {
			return PollResult{}, fmt.Errorf("sora poll: success without video url")
		}
		return PollResult{Status: StatusSucceeded, AssetURL: st.RemoteURL}, nil
	case 2:
		reason := st.FailReason
		if reason == "" {
			reason = "generation failed"
		}
		return PollResult{Status: StatusFailed, Reason: reason}, nil
	default:
		return PollResult{}, fmt.Errorf("sora poll: unknown status %d", st.Status)
	}
}
