package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/promogate/promogate/pkg/promo"
	"github.com/promogate/promogate/pkg/workflow"
)

const (
	statusApproved = "approved"
	statusRejected = "rejected"
)

// Bridge applies a terminal execution's outcome to the promotion
// platform. It implements the orchestrator's handoff contract.
type Bridge struct {
	store    promo.Store
	registry IdempotencyRegistry
	notifier Notifier
	logger   *slog.Logger
}

func New(store promo.Store, registry IdempotencyRegistry, notifier Notifier) *Bridge {
	return &Bridge{
		store:    store,
		registry: registry,
		notifier: notifier,
		logger:   slog.Default().With("component", "bridge"),
	}
}

// ProcessExecution releases deals for approved promotions and records
// statuses for rejected ones. Approved effects pass two idempotency
// gates: the shared registry claim, then the deal table's unique key.
// Either one stopping a duplicate is a clean no-op, not an error.
func (b *Bridge) ProcessExecution(ctx context.Context, exec *workflow.Execution) error {
	for _, promotionID := range exec.ApprovedPromotionIDs {
		if err := b.release(ctx, exec, promotionID); err != nil {
			return err
		}
	}

	rejected := statusRejected
	for _, promotionID := range exec.RejectedPromotionIDs {
		if err := b.store.UpdatePromotion(ctx, promotionID, promo.PromotionPatch{LastStatus: &rejected}); err != nil {
			return fmt.Errorf("bridge: mark %s rejected: %w", promotionID, err)
		}
	}
	return nil
}

func (b *Bridge) release(ctx context.Context, exec *workflow.Execution, promotionID string) error {
	key := workflow.IdempotencyKey(exec.GameID, promotionID)

	claimed, err := b.registry.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("bridge: claim %s: %w", promotionID, err)
	}
	if !claimed {
		b.logger.Info("deal already claimed, skipping",
			"promotion_id", promotionID,
			"game_id", exec.GameID,
			"idempotency_key", key)
		return nil
	}

	deal := promo.TriggeredDeal{
		PromotionID:    promotionID,
		GameID:         exec.GameID,
		IdempotencyKey: key,
		EvidenceHash:   chainTip(exec),
	}
	created, err := b.store.CreateTriggeredDeal(ctx, deal)
	if err != nil {
		return fmt.Errorf("bridge: create deal for %s: %w", promotionID, err)
	}
	if !created {
		b.logger.Info("deal already recorded, skipping",
			"promotion_id", promotionID,
			"idempotency_key", key)
		return nil
	}

	approved := statusApproved
	if err := b.store.UpdatePromotion(ctx, promotionID, promo.PromotionPatch{LastStatus: &approved}); err != nil {
		return fmt.Errorf("bridge: mark %s approved: %w", promotionID, err)
	}
	if b.notifier != nil {
		if err := b.notifier.DealTriggered(ctx, deal); err != nil {
			// Notification is best-effort: the deal exists and is evidenced,
			// a missed announcement must not fail or rerun the release.
			b.logger.Warn("notification failed",
				"promotion_id", promotionID,
				"error", err.Error())
		}
	}
	b.logger.Info("deal released",
		"promotion_id", promotionID,
		"game_id", exec.GameID,
		"evidence_hash", deal.EvidenceHash)
	return nil
}

// chainTip is the newest evidence hash in the execution's chain, tying
// the released deal back to its audit trail.
func chainTip(exec *workflow.Execution) string {
	if len(exec.EvidenceHashes) == 0 {
		return ""
	}
	return exec.EvidenceHashes[len(exec.EvidenceHashes)-1]
}
