package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promogate/promogate/pkg/canonical"
	"github.com/promogate/promogate/pkg/consensus"
	"github.com/promogate/promogate/pkg/evidence"
	"github.com/promogate/promogate/pkg/promo"
)

type stubEvaluator struct {
	mu       sync.Mutex
	calls    int
	blocking chan struct{}
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	evaluate func(gameID, promotionID string) (*consensus.Decision, error)
}

func (s *stubEvaluator) EvaluateAndPersist(ctx context.Context, gameID, promotionID string) (*consensus.Decision, error) {
	if n := s.inFlight.Add(1); n > s.maxSeen.Load() {
		s.maxSeen.Store(n)
	}
	defer s.inFlight.Add(-1)
	if s.blocking != nil {
		<-s.blocking
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.evaluate(gameID, promotionID)
}

type stubTriggers struct {
	satisfied bool
	err       error
}

func (s stubTriggers) Satisfied(p promo.Promotion, state consensus.GameState, teamID string) (bool, error) {
	return s.satisfied, s.err
}

type stubBridge struct {
	mu    sync.Mutex
	execs []Execution
	err   error
}

func (b *stubBridge) ProcessExecution(ctx context.Context, exec *Execution) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.execs = append(b.execs, *exec)
	return nil
}

func (b *stubBridge) processed() []Execution {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Execution(nil), b.execs...)
}

type memEvidence struct {
	mu      sync.Mutex
	records []*evidence.Record
}

func (m *memEvidence) Put(ctx context.Context, v any) (*evidence.Record, error) {
	digest, form, err := canonical.Hash(v)
	if err != nil {
		return nil, err
	}
	rec := &evidence.Record{Hash: digest, CanonicalForm: form}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return rec, nil
}

type stubPromoStore struct {
	mu         sync.Mutex
	games      map[string]promo.Game
	promotions map[string][]promo.Promotion
	patches    map[string][]promo.PromotionPatch
}

func newStubPromoStore() *stubPromoStore {
	return &stubPromoStore{
		games:      make(map[string]promo.Game),
		promotions: make(map[string][]promo.Promotion),
		patches:    make(map[string][]promo.PromotionPatch),
	}
}

func (s *stubPromoStore) GetPromotionsByTeam(ctx context.Context, teamID string) ([]promo.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]promo.Promotion(nil), s.promotions[teamID]...), nil
}

func (s *stubPromoStore) GetGameByExternalID(ctx context.Context, externalID string) (*promo.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	game, ok := s.games[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: game %s", promo.ErrNotFound, externalID)
	}
	return &game, nil
}

func (s *stubPromoStore) UpdatePromotion(ctx context.Context, id string, patch promo.PromotionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches[id] = append(s.patches[id], patch)
	return nil
}

func (s *stubPromoStore) CreateTriggeredDeal(ctx context.Context, deal promo.TriggeredDeal) (bool, error) {
	return true, nil
}

func confirmedDecision(gameID string) *consensus.Decision {
	return &consensus.Decision{
		GameID: gameID,
		Status: consensus.StatusConfirmed,
		ChosenState: consensus.GameState{
			GameID: gameID, HomeTeam: "SF", AwayTeam: "LA",
			HomeScore: 5, AwayScore: 3, IsFinal: true,
		},
		Confidence:   1.0,
		EvidenceHash: fakeHash("decision-" + gameID),
	}
}

func fakeHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func seedGame(store *stubPromoStore, externalID string) {
	store.games[externalID] = promo.Game{
		ID: "g-" + externalID, ExternalID: externalID,
		HomeTeamID: "SF", AwayTeamID: "LA",
	}
}

func testConfig() Config {
	return Config{
		MaxConcurrent: 4,
		TickInterval:  5 * time.Millisecond,
	}
}

func waitIdle(t *testing.T, o *Orchestrator, executions uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		m := o.MetricsSnapshot()
		terminal := m.SuccessfulExecutions + m.FailedExecutions + m.RolledBackExecutions
		return terminal >= executions && m.ActiveExecutions == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_ApprovesConfirmedSatisfiedPromotion(t *testing.T) {
	store := newStubPromoStore()
	seedGame(store, "mlb-1")
	store.promotions["SF"] = []promo.Promotion{{
		ID: "p1", TeamID: "SF", Active: true,
		TriggerCondition: "is_final && home_score > away_score",
	}}

	evaluator := &stubEvaluator{evaluate: func(gameID, promotionID string) (*consensus.Decision, error) {
		return confirmedDecision(gameID), nil
	}}
	bridge := &stubBridge{}
	o := New(testConfig(), evaluator, stubTriggers{satisfied: true}, store, &memEvidence{}, bridge)
	require.NoError(t, o.Start())
	defer func() { _ = o.Stop(context.Background()) }()

	o.OnGameEvent(GameEvent{
		GameID: "mlb-1", EventType: EventGameEnd, Triggered: true,
		EvidenceHash: fakeHash("event"),
	})
	waitIdle(t, o, 1)

	m := o.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.TotalExecutions)
	assert.Equal(t, uint64(1), m.SuccessfulExecutions)
	assert.Equal(t, uint64(1), m.PromotionsApproved)
	assert.Zero(t, m.PromotionsRejected)

	processed := bridge.processed()
	require.Len(t, processed, 1)
	exec := processed[0]
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, []string{"p1"}, exec.ApprovedPromotionIDs)
	assert.Contains(t, exec.EvidenceHashes, fakeHash("event"),
		"event evidence must chain into the execution")
	assert.Contains(t, exec.EvidenceHashes, fakeHash("decision-mlb-1"),
		"consensus decision evidence must chain into the execution")
}

func TestOrchestrator_RejectsUnconfirmedDecision(t *testing.T) {
	store := newStubPromoStore()
	seedGame(store, "mlb-2")
	store.promotions["SF"] = []promo.Promotion{{ID: "p1", TeamID: "SF", Active: true}}

	evaluator := &stubEvaluator{evaluate: func(gameID, promotionID string) (*consensus.Decision, error) {
		return &consensus.Decision{
			GameID:     gameID,
			Status:     consensus.StatusNeedsReview,
			Confidence: 0.4,
			Rationale:  "sources disagree on home_score",
		}, nil
	}}
	bridge := &stubBridge{}
	// Trigger would pass; the unconfirmed consensus alone must block approval.
	o := New(testConfig(), evaluator, stubTriggers{satisfied: true}, store, &memEvidence{}, bridge)
	require.NoError(t, o.Start())
	defer func() { _ = o.Stop(context.Background()) }()

	o.OnGameEvent(GameEvent{GameID: "mlb-2", EventType: EventGameEnd, Triggered: true})
	waitIdle(t, o, 1)

	m := o.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.SuccessfulExecutions)
	assert.Zero(t, m.PromotionsApproved)
	assert.Equal(t, uint64(1), m.PromotionsRejected)

	processed := bridge.processed()
	require.Len(t, processed, 1)
	assert.Equal(t, []string{"p1"}, processed[0].RejectedPromotionIDs)
	assert.Empty(t, processed[0].ApprovedPromotionIDs)
}

func TestOrchestrator_RejectsUnsatisfiedTrigger(t *testing.T) {
	store := newStubPromoStore()
	seedGame(store, "mlb-3")
	store.promotions["SF"] = []promo.Promotion{{ID: "p1", TeamID: "SF", Active: true}}

	evaluator := &stubEvaluator{evaluate: func(gameID, promotionID string) (*consensus.Decision, error) {
		return confirmedDecision(gameID), nil
	}}
	o := New(testConfig(), evaluator, stubTriggers{satisfied: false}, store, &memEvidence{}, &stubBridge{})
	require.NoError(t, o.Start())
	defer func() { _ = o.Stop(context.Background()) }()

	o.OnGameEvent(GameEvent{GameID: "mlb-3", EventType: EventGameEnd, Triggered: true})
	waitIdle(t, o, 1)

	m := o.MetricsSnapshot()
	assert.Zero(t, m.PromotionsApproved)
	assert.Equal(t, uint64(1), m.PromotionsRejected)
}

func TestOrchestrator_PromotionFailureIsIsolated(t *testing.T) {
	store := newStubPromoStore()
	seedGame(store, "mlb-4")
	store.promotions["SF"] = []promo.Promotion{
		{ID: "p-ok", TeamID: "SF", Active: true},
		{ID: "p-bad", TeamID: "SF", Active: true},
	}

	evalErr := &consensus.EvaluationError{
		EvidenceHash: fakeHash("failure"),
		Err:          errors.New("all sources unavailable"),
	}
	evaluator := &stubEvaluator{evaluate: func(gameID, promotionID string) (*consensus.Decision, error) {
		if promotionID == "p-bad" {
			return nil, evalErr
		}
		return confirmedDecision(gameID), nil
	}}
	bridge := &stubBridge{}
	o := New(testConfig(), evaluator, stubTriggers{satisfied: true}, store, &memEvidence{}, bridge)
	require.NoError(t, o.Start())
	defer func() { _ = o.Stop(context.Background()) }()

	o.OnGameEvent(GameEvent{GameID: "mlb-4", EventType: EventGameEnd, Triggered: true})
	waitIdle(t, o, 1)

	processed := bridge.processed()
	require.Len(t, processed, 1)
	exec := processed[0]
	assert.Equal(t, StatusCompleted, exec.Status,
		"one promotion failing must not fail the execution")
	assert.Equal(t, []string{"p-ok"}, exec.ApprovedPromotionIDs)
	assert.Equal(t, []string{"p-bad"}, exec.FailedPromotionIDs)
	assert.Contains(t, exec.EvidenceHashes, fakeHash("failure"),
		"failure evidence must chain into the execution")

	select {
	case execErr := <-o.Errors():
		assert.Equal(t, exec.ExecutionID, execErr.ExecutionID)
		assert.ErrorContains(t, execErr.Err, "p-bad")
	default:
		t.Fatal("expected an error on the error channel")
	}
}

func TestOrchestrator_UnknownGameFailsExecution(t *testing.T) {
	evaluator := &stubEvaluator{evaluate: func(gameID, promotionID string) (*consensus.Decision, error) {
		return confirmedDecision(gameID), nil
	}}
	o := New(testConfig(), evaluator, stubTriggers{satisfied: true},
		newStubPromoStore(), &memEvidence{}, &stubBridge{})
	require.NoError(t, o.Start())
	defer func() { _ = o.Stop(context.Background()) }()

	o.OnGameEvent(GameEvent{GameID: "missing", EventType: EventGameEnd, Triggered: true})
	waitIdle(t, o, 1)

	m := o.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.FailedExecutions)
	assert.Zero(t, m.SuccessfulExecutions)

	select {
	case execErr := <-o.Errors():
		assert.ErrorIs(t, execErr.Err, promo.ErrNotFound)
	default:
		t.Fatal("expected an error on the error channel")
	}
}

func TestOrchestrator_RollbackOnBridgeFailure(t *testing.T) {
	store := newStubPromoStore()
	seedGame(store, "mlb-5")
	store.promotions["SF"] = []promo.Promotion{{ID: "p1", TeamID: "SF", Active: true}}

	evaluator := &stubEvaluator{evaluate: func(gameID, promotionID string) (*consensus.Decision, error) {
		return confirmedDecision(gameID), nil
	}}
	bridge := &stubBridge{err: errors.New("downstream unavailable")}
	cfg := testConfig()
	cfg.RollbackEnabled = true
	ev := &memEvidence{}
	o := New(cfg, evaluator, stubTriggers{satisfied: true}, store, ev, bridge)
	require.NoError(t, o.Start())
	defer func() { _ = o.Stop(context.Background()) }()

	o.OnGameEvent(GameEvent{GameID: "mlb-5", EventType: EventGameEnd, Triggered: true})
	waitIdle(t, o, 1)

	m := o.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.RolledBackExecutions)
	assert.Zero(t, m.SuccessfulExecutions)

	store.mu.Lock()
	patches := store.patches["p1"]
	store.mu.Unlock()
	require.Len(t, patches, 1, "approved promotion must be reverted")
	require.NotNil(t, patches[0].LastStatus)
	assert.Equal(t, "reverted", *patches[0].LastStatus)

	// The failed run itself is still evidenced.
	ev.mu.Lock()
	defer ev.mu.Unlock()
	require.NotEmpty(t, ev.records)
	assert.Contains(t, ev.records[len(ev.records)-1].CanonicalForm, "rolled_back")
}

func TestOrchestrator_ConcurrencyCap(t *testing.T) {
	store := newStubPromoStore()
	for i := range 6 {
		seedGame(store, fmt.Sprintf("game-%d", i))
	}
	store.promotions["SF"] = []promo.Promotion{{ID: "p1", TeamID: "SF", Active: true}}

	release := make(chan struct{})
	evaluator := &stubEvaluator{
		blocking: release,
		evaluate: func(gameID, promotionID string) (*consensus.Decision, error) {
			return confirmedDecision(gameID), nil
		},
	}
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	o := New(cfg, evaluator, stubTriggers{satisfied: true}, store, &memEvidence{}, &stubBridge{})
	require.NoError(t, o.Start())
	defer func() { _ = o.Stop(context.Background()) }()

	for i := range 6 {
		o.OnGameEvent(GameEvent{GameID: fmt.Sprintf("game-%d", i), EventType: EventGameEnd, Triggered: true})
	}

	require.Eventually(t, func() bool {
		return o.MetricsSnapshot().ActiveExecutions == 2
	}, 3*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, o.MetricsSnapshot().ActiveExecutions, 2)

	close(release)
	waitIdle(t, o, 6)
	assert.LessOrEqual(t, evaluator.maxSeen.Load(), int64(2),
		"no more than MaxConcurrent evaluations may overlap")
	assert.Equal(t, uint64(6), o.MetricsSnapshot().SuccessfulExecutions)
}

func TestOrchestrator_IgnoresUntriggeredEvents(t *testing.T) {
	evaluator := &stubEvaluator{evaluate: func(gameID, promotionID string) (*consensus.Decision, error) {
		return confirmedDecision(gameID), nil
	}}
	o := New(testConfig(), evaluator, stubTriggers{}, newStubPromoStore(), &memEvidence{}, &stubBridge{})

	o.OnGameEvent(GameEvent{GameID: "g", EventType: EventScoreUpdate, Triggered: false})
	assert.Zero(t, o.MetricsSnapshot().QueuedEvents)
}

func TestOrchestrator_StartStopLifecycle(t *testing.T) {
	evaluator := &stubEvaluator{evaluate: func(gameID, promotionID string) (*consensus.Decision, error) {
		return confirmedDecision(gameID), nil
	}}
	o := New(testConfig(), evaluator, stubTriggers{}, newStubPromoStore(), &memEvidence{}, &stubBridge{})

	assert.ErrorIs(t, o.Stop(context.Background()), ErrNotRunning)
	require.NoError(t, o.Start())
	assert.ErrorIs(t, o.Start(), ErrAlreadyRunning)
	require.NoError(t, o.Stop(context.Background()))
	require.NoError(t, o.Start())
	require.NoError(t, o.Stop(context.Background()))
}
