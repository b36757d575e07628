package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/stagehand/stagehand-agent/internal/config"
)

// Seedream is a synchronous image backend: the asset URL arrives in the
// submit response. To fit the submit/poll contract the adapter parks the
// result under a synthetic job id; the first poll reports success.
type Seedream struct {
	cfg    config.SeedreamConfig
	client *http.Client

	mu      sync.Mutex
	results map[string]string // job id -> asset URL
	nextID  int
}

func NewSeedream(cfg config.SeedreamConfig) *Seedream {
	return &Seedream{cfg: cfg, client: newHTTPClient(), results: make(map[string]string)}
}

func (s *Seedream) Name() string { return config.ProviderSeedream }
func (s *Seedream) Kind() string { return "image" }

type seedreamSubmit struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	Image          []string `json:"image,omitempty"`
	Size           string   `json:"size,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Watermark      bool     `json:"watermark"`
}

type seedreamResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Seedream) Submit(ctx context.Context, req Request) (JobHandle, error) {
	body, err := json.Marshal(seedreamSubmit{
		Model:          s.cfg.Model,
		Prompt:         req.Prompt,
		Image:          req.ReferenceURLs,
		Size:           s.cfg.Size,
		ResponseFormat: s.cfg.ResponseFormat,
		Watermark:      s.cfg.Watermark,
	})
	if err != nil {
		return JobHandle{}, fmt.Errorf("marshal seedream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return JobHandle{}, fmt.Errorf("seedream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.Key)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return JobHandle{}, networkError(s.Name(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return JobHandle{}, networkError(s.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return JobHandle{}, submitError(s.Name(), resp.StatusCode, string(respBody))
	}

	var out seedreamResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return JobHandle{}, &SubmitError{Provider: s.Name(), Message: fmt.Sprintf("decode response: %v", err)}
	}
	if out.Error != nil {
		return JobHandle{}, &SubmitError{Provider: s.Name(), Message: fmt.Sprintf("%s: %s", out.Error.Code, out.Error.Message)}
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		return JobHandle{}, &SubmitError{Provider: s.Name(), Message: "response missing image url"}
	}

	s.mu.Lock()
	s.nextID++
	jobID := fmt.Sprintf("seedream-%d", s.nextID)
	s.results[jobID] = out.Data[0].URL
	s.mu.Unlock()

	return JobHandle{Provider: s.Name(), JobID: jobID}, nil
}

func (s *Seedream) Poll(_ context.Context, handle JobHandle) (PollResult, error) {
	s.mu.Lock()
	assetURL, ok := s.results[handle.JobID]
	if ok {
		delete(s.results, handle.JobID)
	}
	s.mu.Unlock()

	if !ok {
		return PollResult{}, fmt.Errorf("seedream: unknown job %q", handle.JobID)
	}
	return PollResult{Status: StatusSucceeded, AssetURL: assetURL}, nil
}
