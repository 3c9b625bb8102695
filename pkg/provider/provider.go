// Package provider fans out game-state fetches to multiple independent,
// unreliable upstream sources and returns per-source observations.
//
// Each source call is bounded by its own timeout and rate limit. Partial
// failures are collected, not raised: the fetch succeeds as long as at
// least one source responds with a valid payload.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/promogate/promogate/pkg/consensus"
)

// gameStateSchema validates raw source payloads before they reach the
// consensus engine. Sources that drift from the contract are treated as
// failed, not silently fused.
const gameStateSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["game_id", "home_score", "away_score", "is_final"],
	"properties": {
		"game_id": {"type": "string", "minLength": 1},
		"home_team": {"type": "string"},
		"away_team": {"type": "string"},
		"home_score": {"type": "integer", "minimum": 0},
		"away_score": {"type": "integer", "minimum": 0},
		"is_final": {"type": "boolean"},
		"updated_at": {"type": "string"}
	}
}`

// Source is one upstream data provider.
type Source interface {
	// ID returns the stable source identifier used for weighting.
	ID() string

	// GetGameState returns the raw JSON payload for a game.
	GetGameState(ctx context.Context, gameID string) ([]byte, error)
}

// APIRecorder receives per-call latency samples from the fetch path.
// The performance monitor implements this.
type APIRecorder interface {
	RecordAPICall(source string, latency time.Duration, success bool)
}

// Client fans out to all configured sources in parallel.
type Client struct {
	sources     []Source
	callTimeout time.Duration
	limiters    map[string]*rate.Limiter
	schema      *jsonschema.Schema
	recorder    APIRecorder
	logger      *slog.Logger
}

// ClientConfig configures the fan-out client.
type ClientConfig struct {
	// CallTimeout bounds each individual source call.
	CallTimeout time.Duration
	// RatePerSecond throttles calls per source; zero disables limiting.
	RatePerSecond float64
	// Burst is the per-source limiter burst; defaults to 1.
	Burst int
}

// NewClient creates a multi-source client. recorder may be nil.
func NewClient(sources []Source, cfg ClientConfig, recorder APIRecorder) (*Client, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("provider: at least one source required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	schema, err := jsonschema.CompileString("game_state.schema.json", gameStateSchema)
	if err != nil {
		return nil, fmt.Errorf("provider: compile payload schema: %w", err)
	}

	limiters := make(map[string]*rate.Limiter, len(sources))
	if cfg.RatePerSecond > 0 {
		for _, src := range sources {
			limiters[src.ID()] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
		}
	}

	return &Client{
		sources:     sources,
		callTimeout: cfg.CallTimeout,
		limiters:    limiters,
		schema:      schema,
		recorder:    recorder,
		logger:      slog.Default().With("component", "provider"),
	}, nil
}

// FetchGame implements consensus.SourceFetcher. Sources are queried in
// parallel; each failure is recorded as a partial failure string. An error
// is returned only if every source fails.
func (c *Client) FetchGame(ctx context.Context, gameID string) (*consensus.FetchResult, error) {
	type outcome struct {
		obs *consensus.SourceObservation
		err error
		id  string
	}

	results := make([]outcome, len(c.sources))
	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			obs, err := c.fetchOne(ctx, src, gameID)
			results[i] = outcome{obs: obs, err: err, id: src.ID()}
		}(i, src)
	}
	wg.Wait()

	result := &consensus.FetchResult{}
	for _, out := range results {
		if out.err != nil {
			result.Partial = append(result.Partial, fmt.Sprintf("%s: %v", out.id, out.err))
			continue
		}
		result.Sources = append(result.Sources, *out.obs)
	}

	if len(result.Sources) == 0 {
		return nil, fmt.Errorf("provider: all %d sources failed for game %s: %v",
			len(c.sources), gameID, result.Partial)
	}
	return result, nil
}

func (c *Client) fetchOne(ctx context.Context, src Source, gameID string) (*consensus.SourceObservation, error) {
	if limiter, ok := c.limiters[src.ID()]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	started := time.Now()
	payload, err := src.GetGameState(callCtx, gameID)
	latency := time.Since(started)

	if c.recorder != nil {
		c.recorder.RecordAPICall(src.ID(), latency, err == nil)
	}
	if err != nil {
		c.logger.Warn("source fetch failed", "source", src.ID(), "game_id", gameID, "error", err)
		return nil, err
	}

	state, err := c.decodePayload(payload)
	if err != nil {
		return nil, err
	}

	return &consensus.SourceObservation{
		SourceID:       src.ID(),
		State:          *state,
		FetchedAt:      time.Now(),
		ResponseTimeMs: latency.Milliseconds(),
	}, nil
}

// decodePayload schema-validates and unmarshals a raw source payload.
func (c *Client) decodePayload(payload []byte) (*consensus.GameState, error) {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if err := c.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("payload failed schema validation: %w", err)
	}

	var state consensus.GameState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("decode game state: %w", err)
	}
	return &state, nil
}
