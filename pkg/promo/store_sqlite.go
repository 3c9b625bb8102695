package promo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS promotions (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		title TEXT NOT NULL,
		trigger_condition TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		last_status TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_promotions_team ON promotions(team_id);

	CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		home_team_id TEXT NOT NULL,
		away_team_id TEXT NOT NULL,
		starts_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS triggered_deals (
		id TEXT PRIMARY KEY,
		promotion_id TEXT NOT NULL,
		game_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		evidence_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// GetPromotionsByTeam implements Store. Only active promotions are
// candidates for validation.
func (s *SQLiteStore) GetPromotionsByTeam(ctx context.Context, teamID string) ([]Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, title, trigger_condition, active, COALESCE(last_status, ''), created_at, updated_at
		FROM promotions WHERE team_id = ? AND active = 1`, teamID)
	if err != nil {
		return nil, fmt.Errorf("promo: promotions for team %s: %w", teamID, err)
	}
	defer func() { _ = rows.Close() }()

	var promotions []Promotion
	for rows.Next() {
		var (
			p                    Promotion
			active               int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.TeamID, &p.Title, &p.TriggerCondition, &active, &p.LastStatus, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.Active = active != 0
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		promotions = append(promotions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return promotions, nil
}

// GetGameByExternalID implements Store.
func (s *SQLiteStore) GetGameByExternalID(ctx context.Context, externalID string) (*Game, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, home_team_id, away_team_id, starts_at
		FROM games WHERE external_id = ?`, externalID)

	var (
		g        Game
		startsAt string
	)
	err := row.Scan(&g.ID, &g.ExternalID, &g.HomeTeamID, &g.AwayTeamID, &startsAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: game %s", ErrNotFound, externalID)
		}
		return nil, err
	}
	g.StartsAt = parseTime(startsAt)
	return &g, nil
}

// UpdatePromotion implements Store.
func (s *SQLiteStore) UpdatePromotion(ctx context.Context, id string, patch PromotionPatch) error {
	query := "UPDATE promotions SET updated_at = ?"
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}
	if patch.Active != nil {
		query += ", active = ?"
		args = append(args, boolToInt(*patch.Active))
	}
	if patch.LastStatus != nil {
		query += ", last_status = ?"
		args = append(args, *patch.LastStatus)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("promo: update %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: promotion %s", ErrNotFound, id)
	}
	return nil
}

// CreateTriggeredDeal implements Store. The UNIQUE constraint on the
// idempotency key makes concurrent duplicate inserts resolve to one row.
func (s *SQLiteStore) CreateTriggeredDeal(ctx context.Context, deal TriggeredDeal) (bool, error) {
	if deal.ID == "" {
		deal.ID = uuid.New().String()
	}
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO triggered_deals (id, promotion_id, game_id, idempotency_key, evidence_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		deal.ID, deal.PromotionID, deal.GameID, deal.IdempotencyKey, deal.EvidenceHash,
		deal.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("promo: create triggered deal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SeedPromotion inserts a promotion row, used at bootstrap and in tests.
func (s *SQLiteStore) SeedPromotion(ctx context.Context, p Promotion) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (id, team_id, title, trigger_condition, active, last_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TeamID, p.Title, p.TriggerCondition, boolToInt(p.Active), p.LastStatus, now, now)
	return err
}

// SeedGame inserts a game row, used at bootstrap and in tests.
func (s *SQLiteStore) SeedGame(ctx context.Context, g Game) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO games (id, external_id, home_team_id, away_team_id, starts_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.ExternalID, g.HomeTeamID, g.AwayTeamID, g.StartsAt.UTC().Format(time.RFC3339Nano))
	return err
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
