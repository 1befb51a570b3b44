// Package collector is the HTTP client for the stage data-collection
// services. Each stage's fetch and store is a black-box call to a collector
// endpoint keyed by data type; this package only moves requests and
// classifies failures, it knows nothing about what the data means.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/atlasguide/enrich/internal/pipeline"
)

// Config locates the collector service.
type Config struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// DefaultConfig returns collector client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:9090",
		TimeoutSeconds: 120,
	}
}

// Validate checks the collector configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("collector base_url is required")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("collector timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	return nil
}

// Client talks to the collector service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a collector client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

// Bindings returns a stage binding for every stage name, all backed by this
// client.
func (c *Client) Bindings() map[string]pipeline.StageBinding {
	bindings := make(map[string]pipeline.StageBinding, len(pipeline.StageOrder))
	for _, stage := range pipeline.StageOrder {
		binding := &stageClient{client: c, dataType: stage}
		bindings[stage] = pipeline.StageBinding{Fetcher: binding, Storer: binding}
	}
	return bindings
}

// stageClient binds the shared client to one data type.
type stageClient struct {
	client   *Client
	dataType string
}

type fetchResponse struct {
	Data  json.RawMessage `json:"data"`
	Count int             `json:"count"`
}

func (s *stageClient) Fetch(ctx context.Context, req pipeline.FetchRequest) (*pipeline.FetchResult, error) {
	url := fmt.Sprintf("%s/collect/%s", s.client.baseURL, s.dataType)

	body, status, err := s.client.post(ctx, url, req)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNotFound || status == http.StatusNoContent:
		return &pipeline.FetchResult{}, nil
	case status == http.StatusTooManyRequests:
		return nil, fmt.Errorf("collector %s: %w", s.dataType, pipeline.ErrRateLimited)
	case status == http.StatusPaymentRequired || status == http.StatusForbidden:
		return nil, fmt.Errorf("collector %s: %w", s.dataType, pipeline.ErrQuotaExceeded)
	case status != http.StatusOK:
		return nil, fmt.Errorf("collector %s: unexpected status %d: %s", s.dataType, status, truncate(body))
	}

	var resp fetchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("collector %s: decoding response: %w", s.dataType, err)
	}

	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return &pipeline.FetchResult{}, nil
	}

	return &pipeline.FetchResult{Data: resp.Data, Count: resp.Count}, nil
}

type storeRequest struct {
	AttractionID int64 `json:"attraction_id"`
	Data         any   `json:"data"`
}

func (s *stageClient) Store(ctx context.Context, attractionID int64, data any) error {
	url := fmt.Sprintf("%s/store/%s", s.client.baseURL, s.dataType)

	body, status, err := s.client.post(ctx, url, storeRequest{AttractionID: attractionID, Data: data})
	if err != nil {
		return err
	}

	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return fmt.Errorf("collector %s: store failed with status %d: %s", s.dataType, status, truncate(body))
	}

	return nil
}

func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
