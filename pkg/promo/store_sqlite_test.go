package promo

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "promo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestGetPromotionsByTeam_OnlyActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedPromotion(ctx, Promotion{
		ID: "p1", TeamID: "SF", Title: "Free taco on home win",
		TriggerCondition: "is_final && home_score > away_score", Active: true,
	}))
	require.NoError(t, store.SeedPromotion(ctx, Promotion{
		ID: "p2", TeamID: "SF", Title: "Retired promo",
		TriggerCondition: "is_final", Active: false,
	}))
	require.NoError(t, store.SeedPromotion(ctx, Promotion{
		ID: "p3", TeamID: "LA", Title: "Other team",
		TriggerCondition: "is_final", Active: true,
	}))

	promotions, err := store.GetPromotionsByTeam(ctx, "SF")
	require.NoError(t, err)
	require.Len(t, promotions, 1)
	assert.Equal(t, "p1", promotions[0].ID)
}

func TestGetGameByExternalID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedGame(ctx, Game{
		ID: "g1", ExternalID: "mlb-2026-0828-SF-LA",
		HomeTeamID: "SF", AwayTeamID: "LA", StartsAt: time.Now(),
	}))

	game, err := store.GetGameByExternalID(ctx, "mlb-2026-0828-SF-LA")
	require.NoError(t, err)
	assert.Equal(t, "SF", game.HomeTeamID)

	_, err = store.GetGameByExternalID(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTriggeredDeal_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	deal := TriggeredDeal{
		PromotionID:    "p1",
		GameID:         "g1",
		IdempotencyKey: "abc123",
		EvidenceHash:   "deadbeef",
	}

	created, err := store.CreateTriggeredDeal(ctx, deal)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateTriggeredDeal(ctx, deal)
	require.NoError(t, err)
	assert.False(t, created, "second insert with same idempotency key must be a no-op")
}

func TestUpdatePromotion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedPromotion(ctx, Promotion{
		ID: "p1", TeamID: "SF", Title: "t", TriggerCondition: "is_final", Active: true,
	}))

	status := "approved"
	require.NoError(t, store.UpdatePromotion(ctx, "p1", PromotionPatch{LastStatus: &status}))

	promotions, err := store.GetPromotionsByTeam(ctx, "SF")
	require.NoError(t, err)
	require.Len(t, promotions, 1)
	assert.Equal(t, "approved", promotions[0].LastStatus)

	err = store.UpdatePromotion(ctx, "missing", PromotionPatch{LastStatus: &status})
	assert.ErrorIs(t, err, ErrNotFound)
}
