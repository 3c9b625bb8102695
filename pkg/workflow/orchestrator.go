package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promogate/promogate/pkg/consensus"
	"github.com/promogate/promogate/pkg/promo"
)

const (
	defaultMaxConcurrent    = 4
	defaultTickInterval     = 250 * time.Millisecond
	defaultExecutionTimeout = 30 * time.Second
	defaultErrorBuffer      = 64
)

var (
	// ErrAlreadyRunning is returned by Start when the orchestrator loop is
	// already live.
	ErrAlreadyRunning = errors.New("workflow: orchestrator already running")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("workflow: orchestrator not running")
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	// MaxConcurrent caps simultaneously running executions. Queued events
	// wait rather than spawning unbounded goroutines.
	MaxConcurrent int
	// TickInterval is how often the queue is drained.
	TickInterval time.Duration
	// ExecutionTimeout bounds the context handed to a single execution.
	// Enforcement is best-effort: downstream calls observe the deadline at
	// their own suspension points, nothing force-kills compute.
	ExecutionTimeout time.Duration
	// RollbackEnabled moves failed executions to rolled_back and reverts
	// promotion statuses through the bridge-facing store.
	RollbackEnabled bool
	// ErrorBuffer sizes the error channel. Once full, further errors are
	// logged and counted as dropped instead of blocking executions.
	ErrorBuffer int
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = defaultExecutionTimeout
	}
	if c.ErrorBuffer <= 0 {
		c.ErrorBuffer = defaultErrorBuffer
	}
}

// Orchestrator consumes triggered game events and runs promotion
// validation workflows with bounded concurrency. Each execution is
// isolated: one panicking or failing workflow never takes down its
// siblings or the drain loop.
type Orchestrator struct {
	cfg       Config
	evaluator ConsensusEvaluator
	triggers  TriggerChecker
	promos    promo.Store
	evidence  EvidenceWriter
	bridge    Bridge
	latency   LatencyRecorder
	clock     Clock
	logger    *slog.Logger

	queue  *eventQueue
	errCh  chan ExecutionError
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.Mutex
	running       bool
	active        map[string]*Execution
	metrics       Metrics
	droppedErrors uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLatencyRecorder wires a validation latency sink.
func WithLatencyRecorder(r LatencyRecorder) Option {
	return func(o *Orchestrator) { o.latency = r }
}

// New creates an orchestrator. It does not start the drain loop.
func New(cfg Config, evaluator ConsensusEvaluator, triggers TriggerChecker,
	promos promo.Store, ev EvidenceWriter, bridge Bridge, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		evaluator: evaluator,
		triggers:  triggers,
		promos:    promos,
		evidence:  ev,
		bridge:    bridge,
		clock:     wallClock{},
		logger:    slog.Default().With("component", "workflow"),
		queue:     newEventQueue(),
		errCh:     make(chan ExecutionError, cfg.ErrorBuffer),
		active:    make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the drain loop.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrAlreadyRunning
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.wg.Add(1)
	go o.drainLoop(o.stopCh)
	o.logger.Info("orchestrator started",
		"max_concurrent", o.cfg.MaxConcurrent,
		"tick_interval", o.cfg.TickInterval.String())
	return nil
}

// Stop halts intake and waits for in-flight executions to finish, up to
// the context deadline. Executions still running at the deadline keep
// running to completion in the background; they are reported, not killed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		remaining := make([]string, 0, len(o.active))
		for id := range o.active {
			remaining = append(remaining, id)
		}
		o.mu.Unlock()
		o.logger.Warn("orchestrator stop timed out", "still_active", remaining)
		return fmt.Errorf("workflow: drain deadline exceeded with %d active executions: %w",
			len(remaining), ctx.Err())
	}
}

// OnGameEvent enqueues a triggered event for validation. Untriggered
// events are dropped here so the queue only ever holds work.
func (o *Orchestrator) OnGameEvent(event GameEvent) {
	if !event.Triggered {
		return
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = o.clock.Now()
	}
	o.queue.push(event)
	o.logger.Debug("event enqueued",
		"game_id", event.GameID,
		"event_type", string(event.EventType),
		"queued", o.queue.len())
}

// Errors exposes the bounded error channel for background failures.
func (o *Orchestrator) Errors() <-chan ExecutionError {
	return o.errCh
}

// Status returns a snapshot of active executions keyed by execution ID.
func (o *Orchestrator) Status() map[string]Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := make(map[string]Execution, len(o.active))
	for id, exec := range o.active {
		snapshot[id] = *exec
	}
	return snapshot
}

// MetricsSnapshot returns the current aggregates.
func (o *Orchestrator) MetricsSnapshot() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.metrics
	m.ActiveExecutions = len(o.active)
	m.QueuedEvents = o.queue.len()
	return m
}

func (o *Orchestrator) drainLoop(stop <-chan struct{}) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.dispatch()
		}
	}
}

// dispatch starts executions for queued events until the concurrency cap
// is reached or the queue is empty.
func (o *Orchestrator) dispatch() {
	for {
		o.mu.Lock()
		if len(o.active) >= o.cfg.MaxConcurrent {
			o.mu.Unlock()
			return
		}
		event, ok := o.queue.pop()
		if !ok {
			o.mu.Unlock()
			return
		}

		exec := &Execution{
			ExecutionID: uuid.New().String(),
			GameEvent:   event,
			GameID:      event.GameID,
			Status:      StatusPending,
			StartedAt:   o.clock.Now(),
		}
		if event.EvidenceHash != "" {
			exec.EvidenceHashes = append(exec.EvidenceHashes, event.EvidenceHash)
		}
		o.active[exec.ExecutionID] = exec
		o.metrics.TotalExecutions++
		o.mu.Unlock()

		o.wg.Add(1)
		go o.runExecution(exec)
	}
}

func (o *Orchestrator) runExecution(exec *Execution) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			o.mu.Lock()
			exec.Status = StatusFailed
			exec.Error = fmt.Sprintf("panic: %v", r)
			o.emitError(exec, fmt.Errorf("panic: %v", r))
			o.mu.Unlock()
			o.finishExecution(context.Background(), exec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ExecutionTimeout)
	defer cancel()

	o.setStatus(exec, StatusRunning)
	o.logger.Info("execution started",
		"execution_id", exec.ExecutionID,
		"game_id", exec.GameID,
		"event_type", string(exec.GameEvent.EventType))

	if err := o.validate(ctx, exec); err != nil {
		o.mu.Lock()
		exec.Status = StatusFailed
		exec.Error = err.Error()
		o.emitError(exec, err)
		o.mu.Unlock()
	} else {
		o.setStatus(exec, StatusCompleted)
	}
	o.finishExecution(ctx, exec)
}

// validate resolves the event's game to candidate promotions and runs
// consensus-backed validation for each. A promotion-level failure marks
// that promotion failed and continues; an execution-level failure (game
// lookup, evidence) aborts the run.
func (o *Orchestrator) validate(ctx context.Context, exec *Execution) error {
	game, err := o.promos.GetGameByExternalID(ctx, exec.GameID)
	if err != nil {
		return fmt.Errorf("resolve game %s: %w", exec.GameID, err)
	}

	candidates, err := o.candidatePromotions(ctx, game)
	if err != nil {
		return err
	}

	o.mu.Lock()
	exec.TeamID = game.HomeTeamID
	for _, p := range candidates {
		exec.CandidatePromotionIDs = append(exec.CandidatePromotionIDs, p.ID)
	}
	o.mu.Unlock()

	for _, p := range candidates {
		o.validatePromotion(ctx, exec, p)
	}
	return nil
}

// candidatePromotions gathers active promotions for both teams in the
// game; the away side can carry road-win promotions.
func (o *Orchestrator) candidatePromotions(ctx context.Context, game *promo.Game) ([]promo.Promotion, error) {
	var candidates []promo.Promotion
	for _, teamID := range []string{game.HomeTeamID, game.AwayTeamID} {
		promotions, err := o.promos.GetPromotionsByTeam(ctx, teamID)
		if err != nil {
			return nil, fmt.Errorf("promotions for team %s: %w", teamID, err)
		}
		candidates = append(candidates, promotions...)
	}
	return candidates, nil
}

// validatePromotion classifies a single promotion as approved, rejected,
// or failed. Approval requires both a confirmed consensus decision and a
// satisfied trigger condition; anything short of confirmation is rejected
// rather than provisionally approved.
func (o *Orchestrator) validatePromotion(ctx context.Context, exec *Execution, p promo.Promotion) {
	started := o.clock.Now()
	decision, err := o.evaluator.EvaluateAndPersist(ctx, exec.GameID, p.ID)
	if o.latency != nil {
		o.latency.RecordValidationLatency(o.clock.Now().Sub(started))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics.PromotionsProcessed++

	if err != nil {
		if hash := evaluationEvidenceHash(err); hash != "" {
			exec.EvidenceHashes = append(exec.EvidenceHashes, hash)
		}
		exec.FailedPromotionIDs = append(exec.FailedPromotionIDs, p.ID)
		o.emitError(exec, fmt.Errorf("promotion %s: %w", p.ID, err))
		return
	}
	if decision.EvidenceHash != "" {
		exec.EvidenceHashes = append(exec.EvidenceHashes, decision.EvidenceHash)
	}

	if decision.Status != consensus.StatusConfirmed {
		o.metrics.PromotionsRejected++
		exec.RejectedPromotionIDs = append(exec.RejectedPromotionIDs, p.ID)
		o.logger.Info("promotion rejected",
			"execution_id", exec.ExecutionID,
			"promotion_id", p.ID,
			"consensus_status", string(decision.Status),
			"rationale", decision.Rationale)
		return
	}

	satisfied, err := o.triggers.Satisfied(p, decision.ChosenState, p.TeamID)
	if err != nil {
		exec.FailedPromotionIDs = append(exec.FailedPromotionIDs, p.ID)
		o.emitError(exec, fmt.Errorf("promotion %s trigger: %w", p.ID, err))
		return
	}
	if !satisfied {
		o.metrics.PromotionsRejected++
		exec.RejectedPromotionIDs = append(exec.RejectedPromotionIDs, p.ID)
		o.logger.Info("promotion rejected",
			"execution_id", exec.ExecutionID,
			"promotion_id", p.ID,
			"reason", "trigger condition not satisfied")
		return
	}

	o.metrics.PromotionsApproved++
	exec.ApprovedPromotionIDs = append(exec.ApprovedPromotionIDs, p.ID)
	o.logger.Info("promotion approved",
		"execution_id", exec.ExecutionID,
		"promotion_id", p.ID,
		"confidence", decision.Confidence)
}

// finishExecution records the terminal execution to evidence, hands
// completed runs to the bridge, applies rollback on failure, updates
// aggregates, and retires the execution from the active registry.
func (o *Orchestrator) finishExecution(ctx context.Context, exec *Execution) {
	// The execution context may already be expired; evidence and bridge
	// work gets its own deadline so a timed-out run is still recorded.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ExecutionTimeout)
	defer cancel()

	o.mu.Lock()
	now := o.clock.Now()
	exec.CompletedAt = &now
	status := exec.Status
	o.mu.Unlock()

	if status == StatusCompleted && o.bridge != nil {
		if err := o.bridge.ProcessExecution(finishCtx, exec); err != nil {
			status = StatusFailed
			o.mu.Lock()
			exec.Status = status
			exec.Error = fmt.Sprintf("bridge: %v", err)
			o.emitError(exec, fmt.Errorf("bridge: %w", err))
			o.mu.Unlock()
		}
	}

	if status == StatusFailed && o.cfg.RollbackEnabled {
		o.rollback(finishCtx, exec)
	}

	record, err := o.evidence.Put(finishCtx, map[string]any{
		"type":      "workflow_execution",
		"execution": exec,
	})
	if err != nil {
		o.mu.Lock()
		o.emitError(exec, fmt.Errorf("record execution evidence: %w", err))
		o.mu.Unlock()
	} else {
		o.mu.Lock()
		exec.EvidenceHashes = append(exec.EvidenceHashes, record.Hash)
		o.mu.Unlock()
	}

	o.mu.Lock()
	switch exec.Status {
	case StatusCompleted:
		o.metrics.SuccessfulExecutions++
	case StatusRolledBack:
		o.metrics.RolledBackExecutions++
	default:
		o.metrics.FailedExecutions++
	}
	elapsed := exec.CompletedAt.Sub(exec.StartedAt)
	n := o.metrics.SuccessfulExecutions + o.metrics.FailedExecutions + o.metrics.RolledBackExecutions
	o.metrics.MeanProcessingMs += (float64(elapsed.Milliseconds()) - o.metrics.MeanProcessingMs) / float64(n)
	delete(o.active, exec.ExecutionID)
	o.mu.Unlock()

	o.logger.Info("execution finished",
		"execution_id", exec.ExecutionID,
		"game_id", exec.GameID,
		"status", string(exec.Status),
		"approved", len(exec.ApprovedPromotionIDs),
		"rejected", len(exec.RejectedPromotionIDs),
		"failed", len(exec.FailedPromotionIDs),
		"duration_ms", elapsed.Milliseconds())
}

// rollback reverts promotion statuses touched by a failed execution and
// marks the execution rolled_back. It never deletes evidence: the audit
// trail of the failed run is the point of keeping it.
func (o *Orchestrator) rollback(ctx context.Context, exec *Execution) {
	reverted := "reverted"
	for _, id := range exec.ApprovedPromotionIDs {
		if err := o.promos.UpdatePromotion(ctx, id, promo.PromotionPatch{LastStatus: &reverted}); err != nil {
			o.mu.Lock()
			o.emitError(exec, fmt.Errorf("rollback promotion %s: %w", id, err))
			o.mu.Unlock()
		}
	}
	o.mu.Lock()
	exec.RollbackReason = exec.Error
	exec.Status = StatusRolledBack
	o.mu.Unlock()
	o.logger.Warn("execution rolled back",
		"execution_id", exec.ExecutionID,
		"reason", exec.RollbackReason)
}

func (o *Orchestrator) setStatus(exec *Execution, status ExecutionStatus) {
	o.mu.Lock()
	exec.Status = status
	o.mu.Unlock()
}

// evaluationEvidenceHash extracts the persisted failure-evidence hash
// from a consensus evaluation error, if one was recorded.
func evaluationEvidenceHash(err error) string {
	var evalErr *consensus.EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr.EvidenceHash
	}
	return ""
}

// emitError pushes onto the error channel without blocking. Callers hold
// o.mu.
func (o *Orchestrator) emitError(exec *Execution, err error) {
	execErr := ExecutionError{
		ExecutionID: exec.ExecutionID,
		GameID:      exec.GameID,
		Err:         err,
		OccurredAt:  o.clock.Now(),
	}
	select {
	case o.errCh <- execErr:
	default:
		o.droppedErrors++
		o.logger.Warn("error channel full, dropping",
			"execution_id", exec.ExecutionID,
			"error", err.Error(),
			"dropped_total", o.droppedErrors)
	}
}
