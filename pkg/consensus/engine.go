package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/promogate/promogate/pkg/evidence"
)

const (
	// defaultWeight applies to observations from unknown source ids.
	defaultWeight = 0.1

	// qualityFinal and qualityLive grade an observation by whether the
	// reported game state is marked final.
	qualityFinal = 1.0
	qualityLive  = 0.8

	// Recency decays linearly over the freshness window down to the floor.
	freshnessWindow = 60 * time.Second
	recencyFloor    = 0.6

	// provisionalScoreThreshold is the mean weighted score above which a
	// fully-agreeing but unconfirmed evaluation is still PROVISIONAL.
	provisionalScoreThreshold = 0.8
)

// Profile fixes the per-source weights and the authoritative source used
// for final-state tie-breaks. Loaded from configuration at startup.
type Profile struct {
	// Weights maps source id to its fixed weight. Unknown ids get
	// defaultWeight.
	Weights map[string]float64 `yaml:"weights" json:"weights"`
	// Authoritative is preferred among sources reporting the game final
	// when more than one final report exists.
	Authoritative string `yaml:"authoritative" json:"authoritative"`
}

// DefaultProfile mirrors the production two-source setup.
func DefaultProfile() Profile {
	return Profile{
		Weights: map[string]float64{
			"espn": 0.6,
			"mlb":  0.4,
		},
		Authoritative: "mlb",
	}
}

// Metrics are the engine's running aggregates. Mean confidence is
// recomputed incrementally, not from stored history.
type Metrics struct {
	TotalEvaluations uint64            `json:"total_evaluations"`
	ByStatus         map[Status]uint64 `json:"by_status"`
	MeanConfidence   float64           `json:"mean_confidence"`
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Engine evaluates multi-source observations into decisions and persists
// each decision (success or failure) to the evidence store.
type Engine struct {
	profile Profile
	fetcher SourceFetcher
	store   *evidence.Store
	clock   Clock
	logger  *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock injects a clock for deterministic recency computation.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates a consensus engine. fetcher and store may be nil when
// only Evaluate (no persistence) is exercised, as in tests.
func NewEngine(profile Profile, fetcher SourceFetcher, store *evidence.Store, opts ...EngineOption) *Engine {
	if profile.Weights == nil {
		profile = DefaultProfile()
	}
	e := &Engine{
		profile: profile,
		fetcher: fetcher,
		store:   store,
		clock:   wallClock{},
		logger:  slog.Default().With("component", "consensus"),
		metrics: Metrics{ByStatus: make(map[Status]uint64)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecencyFactor returns the freshness multiplier for an observation age:
// 1.0 at age zero, linear decay over the freshness window, floored at 0.6.
func RecencyFactor(age time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	factor := 1.0 - age.Seconds()/freshnessWindow.Seconds()
	if factor < recencyFloor {
		return recencyFloor
	}
	return factor
}

// Evaluate fuses observations of one game into a decision. Deterministic:
// no randomness, and the only time dependence is observation age.
func (e *Engine) Evaluate(observations []SourceObservation, gameID string) (*Decision, error) {
	if len(observations) == 0 {
		return nil, fmt.Errorf("%w: game %s", ErrNoSources, gameID)
	}

	now := e.clock.Now()
	agreement := analyzeAgreement(observations)

	contributions := make([]SourceContribution, 0, len(observations))
	for _, obs := range observations {
		weight, known := e.profile.Weights[obs.SourceID]
		if !known {
			weight = defaultWeight
		}
		quality := qualityLive
		if obs.State.IsFinal {
			quality = qualityFinal
		}
		recency := RecencyFactor(now.Sub(obs.FetchedAt))

		contributions = append(contributions, SourceContribution{
			SourceID:      obs.SourceID,
			Weight:        weight,
			QualityFactor: quality,
			RecencyFactor: recency,
			WeightedScore: weight * quality * recency,
			Agrees:        !agreement.disagreeingSources[obs.SourceID],
		})
	}

	decision := &Decision{
		GameID:        gameID,
		ChosenState:   e.selectPrimaryState(observations, contributions),
		Contributions: contributions,
		DecidedAt:     now.UTC(),
	}
	e.applyDecisionRules(decision, agreement)

	e.recordMetrics(decision)
	return decision, nil
}

// applyDecisionRules sets status, confidence, and rationale, evaluated in
// strict priority order.
func (e *Engine) applyDecisionRules(decision *Decision, agreement fieldAgreement) {
	contributions := decision.Contributions

	// Rule (a): at least two sources, full agreement.
	if len(contributions) >= 2 && agreement.allAgree() {
		decision.Status = StatusConfirmed
		decision.Confidence = 1.0
		decision.Rationale = fmt.Sprintf("%d sources agree on all critical fields", len(contributions))
		return
	}

	// Rule (b): exactly one source.
	if len(contributions) == 1 {
		only := contributions[0]
		decision.Confidence = only.WeightedScore
		decision.RequiresReconciliation = true
		if only.QualityFactor >= qualityFinal {
			decision.Status = StatusProvisional
			decision.Rationale = fmt.Sprintf("single source %s reports final state", only.SourceID)
		} else {
			decision.Status = StatusNeedsReview
			decision.Rationale = fmt.Sprintf("single source %s reports non-final state", only.SourceID)
		}
		return
	}

	// Rule (c): two or more sources with at least one disagreeing field.
	if !agreement.allAgree() {
		decision.Status = StatusNeedsReview
		decision.Confidence = meanScore(contributions)
		decision.Rationale = fmt.Sprintf("sources disagree on: %s",
			strings.Join(agreement.disagreeingFields, ", "))
		return
	}

	// Rule (d): residual case. No disagreement, but (a) did not fire.
	mean := meanScore(contributions)
	decision.Confidence = mean
	if mean >= provisionalScoreThreshold {
		decision.Status = StatusProvisional
		decision.Rationale = "agreement without confirmation quorum; mean score above threshold"
	} else {
		decision.Status = StatusNeedsReview
		decision.Rationale = "agreement without confirmation quorum; mean score below threshold"
	}
}

// selectPrimaryState picks the game state the decision reports. Among
// sources reporting the game final, the authoritative source wins when
// more than one final report exists; otherwise the highest weighted score
// wins, which already folds in recency.
func (e *Engine) selectPrimaryState(observations []SourceObservation, contributions []SourceContribution) GameState {
	var finals []int
	for i, obs := range observations {
		if obs.State.IsFinal {
			finals = append(finals, i)
		}
	}
	if len(finals) > 1 {
		for _, i := range finals {
			if observations[i].SourceID == e.profile.Authoritative {
				return observations[i].State
			}
		}
	}

	best := 0
	for i := 1; i < len(contributions); i++ {
		if contributions[i].WeightedScore > contributions[best].WeightedScore {
			best = i
		}
	}
	return observations[best].State
}

// EvaluationError carries the evidence hash persisted for a failed
// evaluation, so callers always hold an audit anchor.
type EvaluationError struct {
	EvidenceHash string
	Err          error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("consensus evaluation failed (evidence %s): %v", e.EvidenceHash, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// EvaluateAndPersist fetches observations from the upstream provider,
// evaluates them, and persists the outcome to the evidence store. Both
// success and failure produce an evidence record; the returned decision or
// error always carries its hash.
func (e *Engine) EvaluateAndPersist(ctx context.Context, gameID, promotionID string) (*Decision, error) {
	result, fetchErr := e.fetcher.FetchGame(ctx, gameID)
	if fetchErr != nil {
		return nil, e.persistFailure(ctx, gameID, promotionID, nil, fetchErr)
	}

	decision, evalErr := e.Evaluate(result.Sources, gameID)
	if evalErr != nil {
		return nil, e.persistFailure(ctx, gameID, promotionID, result, evalErr)
	}

	if len(result.Partial) > 0 {
		e.logger.Warn("partial source failures during evaluation",
			"game_id", gameID, "failures", result.Partial)
	}

	rec, err := e.store.Put(ctx, map[string]any{
		"type":             "consensus_decision",
		"game_id":          gameID,
		"promotion_id":     promotionID,
		"decision":         decision,
		"partial_failures": result.Partial,
	})
	if err != nil {
		return nil, fmt.Errorf("consensus: persist decision for game %s: %w", gameID, err)
	}
	decision.EvidenceHash = rec.Hash

	e.logger.Info("consensus decision",
		"game_id", gameID, "status", decision.Status,
		"confidence", decision.Confidence, "evidence_hash", rec.Hash)
	return decision, nil
}

func (e *Engine) persistFailure(ctx context.Context, gameID, promotionID string, result *FetchResult, cause error) error {
	payload := map[string]any{
		"type":         "consensus_failure",
		"game_id":      gameID,
		"promotion_id": promotionID,
		"error":        cause.Error(),
		"occurred_at":  e.clock.Now().UTC(),
	}
	if result != nil {
		payload["partial_failures"] = result.Partial
		payload["source_count"] = len(result.Sources)
	}

	rec, err := e.store.Put(ctx, payload)
	if err != nil {
		e.logger.Error("failed to persist failure evidence",
			"game_id", gameID, "cause", cause, "store_error", err)
		return &EvaluationError{Err: cause}
	}
	return &EvaluationError{EvidenceHash: rec.Hash, Err: cause}
}

func (e *Engine) recordMetrics(decision *Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.TotalEvaluations++
	e.metrics.ByStatus[decision.Status]++
	n := float64(e.metrics.TotalEvaluations)
	e.metrics.MeanConfidence += (decision.Confidence - e.metrics.MeanConfidence) / n
}

// Snapshot returns a copy of the engine's running metrics.
func (e *Engine) Snapshot() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	byStatus := make(map[Status]uint64, len(e.metrics.ByStatus))
	for k, v := range e.metrics.ByStatus {
		byStatus[k] = v
	}
	return Metrics{
		TotalEvaluations: e.metrics.TotalEvaluations,
		ByStatus:         byStatus,
		MeanConfidence:   e.metrics.MeanConfidence,
	}
}

// SourceIDs returns the known source ids in stable order.
func (e *Engine) SourceIDs() []string {
	ids := make([]string, 0, len(e.profile.Weights))
	for id := range e.profile.Weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func meanScore(contributions []SourceContribution) float64 {
	if len(contributions) == 0 {
		return 0
	}
	var sum float64
	for _, c := range contributions {
		sum += c.WeightedScore
	}
	return sum / float64(len(contributions))
}
