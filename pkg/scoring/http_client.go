package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fraudshield/pkg/features"
)

// HTTPScorer calls an external model server over JSON. The per-call
// deadline comes from the caller's context; Timeout only bounds the
// underlying transport as a safety net.
type HTTPScorer struct {
	url        string
	httpClient *http.Client
}

// NewHTTPScorer creates a client for the model server's /score endpoint.
func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScorer{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
	// SchemaVersion lets the server reject vectors built against a
	// different window configuration.
	SchemaVersion int `json:"schema_version"`
}

type scoreResponse struct {
	Probability  float64 `json:"probability"`
	ModelVersion string  `json:"model_version"`
	Error        string  `json:"error,omitempty"`
}

// Score posts the vector and returns the model's probability and version.
func (h *HTTPScorer) Score(ctx context.Context, vec *features.Vector) (Result, error) {
	body, err := json.Marshal(scoreRequest{Names: vec.Names, Values: vec.Values, SchemaVersion: vec.ConfigVersion})
	if err != nil {
		return Result{}, fmt.Errorf("scoring: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("scoring: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("scoring: model server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("scoring: model server status %d", resp.StatusCode)
	}
	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("scoring: decode response: %w", err)
	}
	if out.Error != "" {
		return Result{}, fmt.Errorf("scoring: model server: %s", out.Error)
	}
	if out.Probability < 0 || out.Probability > 1 {
		return Result{}, fmt.Errorf("scoring: probability %f out of [0,1]", out.Probability)
	}
	return Result{Probability: out.Probability, ModelVersion: out.ModelVersion}, nil
}
