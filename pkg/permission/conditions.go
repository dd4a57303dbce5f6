package permission

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/covenant-labs/warden/pkg/contracts"
)

// conditionEvaluator compiles and caches override condition expressions.
// Conditions see the action as a map under "action" and the decision
// instant as a unix timestamp under "now".
type conditionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func newConditionEvaluator() (*conditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &conditionEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

func (e *conditionEvaluator) evaluate(expr string, action *contracts.Action, now time.Time) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	input := map[string]any{
		"now": now.Unix(),
		"action": map[string]any{
			"id":                   action.ID,
			"type":                 action.Type,
			"category":             string(action.Category),
			"risk_level":           int64(action.Risk),
			"resource_id":          action.ResourceID,
			"resource_type":        action.ResourceType,
			"monetary_value_cents": action.MonetaryValueCents,
			"affected_count":       action.AffectedCount,
			"reversible":           action.Reversible,
			"metadata":             action.Metadata,
		},
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("condition eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is not a bool")
	}
	return val, nil
}

func (e *conditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10_000),
	)
	if err != nil {
		return nil, fmt.Errorf("condition program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
