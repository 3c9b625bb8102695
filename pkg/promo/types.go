// Package promo holds the promotion, game, and triggered-deal records and
// the store contract the workflow orchestrator validates against.
package promo

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a promotion or game does not exist.
var ErrNotFound = errors.New("promo: not found")

// Promotion is a money-equivalent offer gated on a game outcome.
type Promotion struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	Title  string `json:"title"`
	// TriggerCondition is a CEL expression over the confirmed game state,
	// e.g. "is_final && home_team == team_id && home_score > away_score".
	TriggerCondition string    `json:"trigger_condition"`
	Active           bool      `json:"active"`
	LastStatus       string    `json:"last_status,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PromotionPatch carries partial updates applied after validation.
type PromotionPatch struct {
	Active     *bool
	LastStatus *string
}

// Game links an external provider game id to the local teams.
type Game struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	HomeTeamID string    `json:"home_team_id"`
	AwayTeamID string    `json:"away_team_id"`
	StartsAt   time.Time `json:"starts_at"`
}

// TriggeredDeal records one released offer. The idempotency key is
// deterministic in (gameID, promotionID) so retried or overlapping
// validations cannot release the same offer twice.
type TriggeredDeal struct {
	ID             string    `json:"id"`
	PromotionID    string    `json:"promotion_id"`
	GameID         string    `json:"game_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	EvidenceHash   string    `json:"evidence_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the promotion/game persistence contract. Read-mostly from the
// core's perspective; writes go through the integration bridge.
type Store interface {
	GetPromotionsByTeam(ctx context.Context, teamID string) ([]Promotion, error)
	GetGameByExternalID(ctx context.Context, externalID string) (*Game, error)
	UpdatePromotion(ctx context.Context, id string, patch PromotionPatch) error

	// CreateTriggeredDeal inserts a deal unless its idempotency key is
	// already present. Reports whether a new row was created.
	CreateTriggeredDeal(ctx context.Context, deal TriggeredDeal) (created bool, err error)
}
