package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTPSource fetches game state from an upstream REST endpoint at
// <baseURL>/games/<gameID>.
type HTTPSource struct {
	id      string
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source backed by an HTTP endpoint. The overall
// call deadline is enforced by the fan-out client's per-call context, so
// the http.Client itself carries no timeout.
func NewHTTPSource(id, baseURL string) *HTTPSource {
	return &HTTPSource{
		id:      id,
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

// ID implements Source.
func (s *HTTPSource) ID() string { return s.id }

// GetGameState implements Source.
func (s *HTTPSource) GetGameState(ctx context.Context, gameID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/games/%s", s.baseURL, url.PathEscape(gameID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
