// Package agents implements the four workflow loop steps. Each agent exposes
// a method with the engine's step signature; the engine composes them without
// knowing what they do.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SearchResult is one document returned by a search provider.
type SearchResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"content"`
	Score   float64 `json:"score"`
}

// SearchProvider finds documents for a query.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// HTTPSearchProvider calls a JSON search API (Tavily-style request/response).
type HTTPSearchProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPSearchProvider creates a provider for the given endpoint.
func NewHTTPSearchProvider(endpoint, apiKey string, logger *zap.Logger) *HTTPSearchProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSearchProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

func (p *HTTPSearchProvider) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	body, err := json.Marshal(map[string]any{
		"api_key":     p.apiKey,
		"query":       query,
		"max_results": limit,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, payload)
	}

	var parsed struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	p.logger.Debug("Search completed",
		zap.String("query", query),
		zap.Int("results", len(parsed.Results)),
	)
	return parsed.Results, nil
}
