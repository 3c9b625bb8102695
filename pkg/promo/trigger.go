package promo

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/promogate/promogate/pkg/consensus"
)

// TriggerEvaluator compiles and evaluates promotion trigger conditions as
// CEL expressions over the consensus-chosen game state. Compiled programs
// are cached per expression.
type TriggerEvaluator struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[string]cel.Program
}

// NewTriggerEvaluator creates the CEL environment. The variable set is the
// full trigger vocabulary; expressions referencing anything else fail to
// compile rather than silently evaluating to false.
func NewTriggerEvaluator() (*TriggerEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("home_score", cel.IntType),
		cel.Variable("away_score", cel.IntType),
		cel.Variable("is_final", cel.BoolType),
		cel.Variable("home_team", cel.StringType),
		cel.Variable("away_team", cel.StringType),
		cel.Variable("team_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("promo: create CEL env: %w", err)
	}
	return &TriggerEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Satisfied reports whether the promotion's trigger condition holds for the
// given game state and team.
func (e *TriggerEvaluator) Satisfied(p Promotion, state consensus.GameState, teamID string) (bool, error) {
	program, err := e.program(p.TriggerCondition)
	if err != nil {
		return false, fmt.Errorf("promo: trigger for %s: %w", p.ID, err)
	}

	out, _, err := program.Eval(map[string]any{
		"home_score": int64(state.HomeScore),
		"away_score": int64(state.AwayScore),
		"is_final":   state.IsFinal,
		"home_team":  state.HomeTeam,
		"away_team":  state.AwayTeam,
		"team_id":    teamID,
	})
	if err != nil {
		return false, fmt.Errorf("promo: evaluate trigger for %s: %w", p.ID, err)
	}

	satisfied, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("promo: trigger for %s is not boolean", p.ID)
	}
	return satisfied, nil
}

func (e *TriggerEvaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok := e.cache[expr]; ok {
		return program, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	program, err := e.env.Program(ast,
		cel.CostLimit(100_000),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	e.cache[expr] = program
	return program, nil
}
