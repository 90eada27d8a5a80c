package uow

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-uow/pkg/store"
)

// Predicate selects records during Fetch and Count.
type Predicate interface {
	compile(m *Manager, entity EntityType) (recordMatcher, error)
}

type recordMatcher struct {
	engine string
	expr   string
	match  func(Record) (bool, error)
}

// MatchFunc is a predicate written in Go.
type MatchFunc func(Record) (bool, error)

func (f MatchFunc) compile(_ *Manager, _ EntityType) (recordMatcher, error) {
	if f == nil {
		return recordMatcher{}, fmt.Errorf("uow: nil MatchFunc")
	}
	return recordMatcher{engine: "func", match: f}, nil
}

// Equal matches records whose key value compares equal to value.
func Equal(key string, value any) Predicate {
	return MatchFunc(func(r Record) (bool, error) {
		return store.CompareValues(predicateValue(r.Values[key]), predicateValue(value)) == 0, nil
	})
}

type wherePredicate struct {
	expression string
	args       map[string]any
}

// Where builds a predicate from an expression run by the manager's
// evaluator. Expressions see every entity field plus id, entity, args and
// now, and must return a bool.
func Where(expression string, args map[string]any) Predicate {
	return wherePredicate{expression: strings.TrimSpace(expression), args: args}
}

func (p wherePredicate) compile(m *Manager, entity EntityType) (recordMatcher, error) {
	evaluator, err := m.resolveEvaluator()
	if err != nil {
		return recordMatcher{}, err
	}
	engine := evaluatorEngineName(evaluator)
	rule, err := evaluator.Compile(p.expression)
	if err != nil {
		return recordMatcher{}, wrapEvaluationError(engine, p.expression, entity.Name, err)
	}
	now := time.Now()
	fields := entity.Fields()
	return recordMatcher{
		engine: engine,
		expr:   p.expression,
		match: func(r Record) (bool, error) {
			values := make(map[string]any, len(fields))
			for _, field := range fields {
				values[field] = r.Values[field]
			}
			result, err := rule.Evaluate(EvalContext{
				Entity: r.Entity,
				ID:     r.ID,
				Values: values,
				Args:   p.args,
				Now:    &now,
			})
			if err != nil {
				return false, wrapEvaluationError(engine, p.expression, r.Entity, err)
			}
			matched, ok := result.(bool)
			if !ok {
				return false, wrapEvaluationError(engine, p.expression, r.Entity, fmt.Errorf("predicate returned %T, want bool", result))
			}
			return matched, nil
		},
	}, nil
}
