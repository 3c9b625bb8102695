// Package consensus fuses multi-source game observations into one
// confidence-scored decision with an auditable rationale.
package consensus

import (
	"context"
	"errors"
	"time"
)

// ErrNoSources is returned when an evaluation is attempted with zero
// observations. No decision is possible; this is a precondition failure,
// not a NEEDS_REVIEW outcome.
var ErrNoSources = errors.New("consensus: no source observations available")

// GameState is one provider's reported view of a game.
type GameState struct {
	GameID    string    `json:"game_id"`
	HomeTeam  string    `json:"home_team"`
	AwayTeam  string    `json:"away_team"`
	HomeScore int       `json:"home_score"`
	AwayScore int       `json:"away_score"`
	IsFinal   bool      `json:"is_final"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// SourceObservation is one provider's read of a game. Immutable once
// received; owned by the fetch that produced it.
type SourceObservation struct {
	SourceID       string    `json:"source_id"`
	State          GameState `json:"state"`
	FetchedAt      time.Time `json:"fetched_at"`
	ResponseTimeMs int64     `json:"response_time_ms"`
}

// SourceContribution is the derived per-source strength for one evaluation.
// Never persisted standalone, only embedded in a Decision.
type SourceContribution struct {
	SourceID      string  `json:"source_id"`
	Weight        float64 `json:"weight"`
	QualityFactor float64 `json:"quality_factor"`
	RecencyFactor float64 `json:"recency_factor"`
	WeightedScore float64 `json:"weighted_score"`
	Agrees        bool    `json:"agrees"`
}

// Status is the decision outcome category.
type Status string

const (
	// StatusConfirmed requires full agreement across at least two sources.
	StatusConfirmed Status = "CONFIRMED"
	// StatusProvisional is a credible but unconfirmed decision; it always
	// requires later reconciliation.
	StatusProvisional Status = "PROVISIONAL"
	// StatusNeedsReview is never auto-approved downstream.
	StatusNeedsReview Status = "NEEDS_REVIEW"
)

// Decision is the fused outcome of one evaluation. Created per call,
// persisted to the evidence store, never mutated afterwards.
//
// Invariant: Status == CONFIRMED implies Confidence == 1.0 and more than
// one contribution.
type Decision struct {
	GameID                 string               `json:"game_id"`
	Status                 Status               `json:"status"`
	ChosenState            GameState            `json:"chosen_state"`
	Confidence             float64              `json:"confidence"`
	Contributions          []SourceContribution `json:"contributions"`
	Rationale              string               `json:"rationale"`
	RequiresReconciliation bool                 `json:"requires_reconciliation"`
	EvidenceHash           string               `json:"evidence_hash,omitempty"`
	DecidedAt              time.Time            `json:"decided_at"`
}

// FetchResult is the outcome of a multi-source fetch. Partial per-source
// failures degrade confidence but do not abort the evaluation as long as
// at least one source succeeded.
type FetchResult struct {
	Sources []SourceObservation `json:"sources"`
	Partial []string            `json:"partial_failures,omitempty"`
}

// SourceFetcher fans out to the upstream data providers for one game.
type SourceFetcher interface {
	FetchGame(ctx context.Context, gameID string) (*FetchResult, error)
}
