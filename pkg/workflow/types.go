// Package workflow drives per-promotion validation for incoming game
// events: a bounded-concurrency pipeline that sequences consensus
// evaluation, classifies outcomes, anchors every step to evidence, and
// hands approved promotions to the integration bridge.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/promogate/promogate/pkg/consensus"
	"github.com/promogate/promogate/pkg/evidence"
	"github.com/promogate/promogate/pkg/promo"
)

// EventType categorizes upstream game events.
type EventType string

const (
	EventScoreUpdate  EventType = "score_update"
	EventStatusChange EventType = "status_change"
	// EventGameEnd events jump the queue: a finished game is what
	// promotions actually trigger on.
	EventGameEnd EventType = "game_end"
)

// GameEvent is delivered by the upstream game monitor.
type GameEvent struct {
	GameID       string              `json:"game_id"`
	EventType    EventType           `json:"event_type"`
	CurrentState consensus.GameState `json:"current_state"`
	// Triggered marks events the monitor flagged for downstream
	// validation; others are ignored.
	Triggered    bool      `json:"triggered"`
	EvidenceHash string    `json:"evidence_hash,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// ExecutionStatus is the workflow state machine. Transitions are monotonic:
// pending → running → {completed | failed}; failed may move once more to
// rolled_back when rollback is enabled.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusRunning    ExecutionStatus = "running"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusRolledBack ExecutionStatus = "rolled_back"
)

// Execution tracks one event's validation run. Owned exclusively by the
// orchestrator while active; persisted to evidence once terminal.
type Execution struct {
	ExecutionID           string          `json:"execution_id"`
	GameEvent             GameEvent       `json:"game_event"`
	GameID                string          `json:"game_id"`
	TeamID                string          `json:"team_id,omitempty"`
	CandidatePromotionIDs []string        `json:"candidate_promotion_ids"`
	Status                ExecutionStatus `json:"status"`
	StartedAt             time.Time       `json:"started_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	ApprovedPromotionIDs  []string        `json:"approved_promotion_ids"`
	RejectedPromotionIDs  []string        `json:"rejected_promotion_ids"`
	FailedPromotionIDs    []string        `json:"failed_promotion_ids"`
	EvidenceHashes        []string        `json:"evidence_hashes"`
	Error                 string          `json:"error,omitempty"`
	RollbackReason        string          `json:"rollback_reason,omitempty"`
}

// ExecutionError is emitted on the orchestrator's bounded error channel so
// background failures stay observable instead of being swallowed.
type ExecutionError struct {
	ExecutionID string
	GameID      string
	Err         error
	OccurredAt  time.Time
}

// Metrics are the orchestrator's running aggregates.
type Metrics struct {
	TotalExecutions      uint64  `json:"total_executions"`
	SuccessfulExecutions uint64  `json:"successful_executions"`
	FailedExecutions     uint64  `json:"failed_executions"`
	RolledBackExecutions uint64  `json:"rolled_back_executions"`
	MeanProcessingMs     float64 `json:"mean_processing_ms"`
	ActiveExecutions     int     `json:"active_executions"`
	QueuedEvents         int     `json:"queued_events"`
	PromotionsProcessed  uint64  `json:"promotions_processed"`
	PromotionsApproved   uint64  `json:"promotions_approved"`
	PromotionsRejected   uint64  `json:"promotions_rejected"`
}

// ConsensusEvaluator is the consensus engine contract the orchestrator
// validates against.
type ConsensusEvaluator interface {
	EvaluateAndPersist(ctx context.Context, gameID, promotionID string) (*consensus.Decision, error)
}

// TriggerChecker folds promotion-specific trigger conditions into the
// validation step.
type TriggerChecker interface {
	Satisfied(p promo.Promotion, state consensus.GameState, teamID string) (bool, error)
}

// EvidenceWriter is the slice of the evidence store the orchestrator needs.
type EvidenceWriter interface {
	Put(ctx context.Context, v any) (*evidence.Record, error)
}

// Bridge consumes terminal executions: promotion status updates,
// triggered-deal creation, and notification dispatch, all idempotent.
type Bridge interface {
	ProcessExecution(ctx context.Context, exec *Execution) error
}

// LatencyRecorder receives validation latency samples.
type LatencyRecorder interface {
	RecordValidationLatency(d time.Duration)
}

// IdempotencyKey derives the deterministic key that prevents duplicate
// triggered effects for the same (game, promotion) pair across overlapping
// or retried executions.
func IdempotencyKey(gameID, promotionID string) string {
	sum := sha256.Sum256([]byte(gameID + "|" + promotionID))
	return hex.EncodeToString(sum[:])
}
