package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/stagehand/stagehand-agent/internal/config"
)

// NanoBanana is an asynchronous image backend. Submissions are JSON with the
// API key passed as a query parameter; jobs are polled by id.
type NanoBanana struct {
	cfg    config.NanoBananaConfig
	client *http.Client
}

func NewNanoBanana(cfg config.NanoBananaConfig) *NanoBanana {
	return &NanoBanana{cfg: cfg, client: newHTTPClient()}
}

func (n *NanoBanana) Name() string { return config.ProviderNanoBanana }
func (n *NanoBanana) Kind() string { return "image" }

type nanoBananaSubmit struct {
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
	ImageSize   string   `json:"imageSize,omitempty"`
	ImageURLs   []string `json:"img_url,omitempty"`
}

type nanoBananaEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type nanoBananaJob struct {
	ID json.Number `json:"id"`
}

type nanoBananaStatus struct {
	Status     int    `json:"status"` // 0 queued, 1 generating, 2 success, 3 failed
	ImageURL   string `json:"image_url"`
	FailReason string `json:"fail_reason"`
}

func (n *NanoBanana) Submit(ctx context.Context, req Request) (JobHandle, error) {
	body, err := json.Marshal(nanoBananaSubmit{
		Prompt:      req.Prompt,
		AspectRatio: n.cfg.AspectRatio,
		ImageSize:   n.cfg.ImageSize,
		ImageURLs:   req.ReferenceURLs,
	})
	if err != nil {
		return JobHandle{}, fmt.Errorf("marshal nanobanana request: %w", err)
	}

	env, err := n.do(ctx, http.MethodPost, n.cfg.SubmitURL, url.Values{"key": {n.cfg.Key}}, bytes.NewReader(body))
	if err != nil {
		return JobHandle{}, err
	}
	if env.Code != 200 {
		return JobHandle{}, &SubmitError{Provider: n.Name(), Message: fmt.Sprintf("code %d: %s", env.Code, env.Msg)}
	}

	var job nanoBananaJob
	if err := json.Unmarshal(env.Data, &job); err != nil || job.ID.String() == "" {
		return JobHandle{}, &SubmitError{Provider: n.Name(), Message: "response missing job id"}
	}
	return JobHandle{Provider: n.Name(), JobID: job.ID.String()}, nil
}

func (n *NanoBanana) Poll(ctx context.Context, handle JobHandle) (PollResult, error) {
	env, err := n.do(ctx, http.MethodGet, n.cfg.PollURL, url.Values{"key": {n.cfg.Key}, "id": {handle.JobID}}, nil)
	if err != nil {
		return PollResult{}, err
	}
	if env.Code != 200 {
		return PollResult{}, fmt.Errorf("nanobanana poll: code %d: %s", env.Code, env.Msg)
	}

	var st nanoBananaStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return PollResult{}, fmt.Errorf("nanobanana poll: decode status: %w", err)
	}

	switch st.Status {
	case 0:
		return PollResult{Status: StatusPending}, nil
	case 1:
		return PollResult{Status: StatusRunning}, nil
	case 2:
		if st.ImageURL == "" {
			return PollResult{}, fmt.Errorf("nanobanana poll: success without image url")
		}
		return PollResult{Status: StatusSucceeded, AssetURL: st.ImageURL}, nil
	case 3:
		reason := st.FailReason
		if reason == "" {
			reason = "generation failed"
		}
		return PollResult{Status: StatusFailed, Reason: reason}, nil
	default:
		return PollResult{}, fmt.Errorf("nanobanana poll: unknown status %d", st.Status)
	}
}

func (n *NanoBanana) do(ctx context.Context, method, rawURL string, query url.Values, body io.Reader) (*nanoBananaEnvelope, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("nanobanana: parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("nanobanana: build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		if method == http.MethodPost {
			return nil, networkError(n.Name(), err)
		}
		return nil, fmt.Errorf("nanobanana: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("nanobanana: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if method == http.MethodPost {
			return nil, submitError(n.Name(), resp.StatusCode, string(respBody))
		}
		return nil, fmt.Errorf("nanobanana: HTTP %d: %s", resp.StatusCode, respBody)
	}

	var env nanoBananaEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("nanobanana: decode response: %w", err)
	}
	return &env, nil
}
