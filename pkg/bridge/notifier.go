package bridge

import (
	"context"
	"log/slog"

	"github.com/promogate/promogate/pkg/promo"
)

// Notifier announces released deals to downstream consumers.
type Notifier interface {
	DealTriggered(ctx context.Context, deal promo.TriggeredDeal) error
}

// LogNotifier writes notifications to the structured log. It stands in
// for a push/webhook dispatcher in single-node deployments.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.Default().With("component", "notifier")}
}

func (n *LogNotifier) DealTriggered(_ context.Context, deal promo.TriggeredDeal) error {
	n.logger.Info("deal triggered",
		"deal_id", deal.ID,
		"promotion_id", deal.PromotionID,
		"game_id", deal.GameID,
		"evidence_hash", deal.EvidenceHash)
	return nil
}
