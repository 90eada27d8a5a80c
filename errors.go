package uow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownEntity    = errors.New("uow: unknown entity")
	ErrUnknownAttribute = errors.New("uow: unknown attribute")
	ErrNoIdentityKey    = errors.New("uow: entity has no identity key")
	ErrMissingIdentity  = errors.New("uow: identity value missing from input")
	ErrTypeMismatch     = errors.New("uow: value does not match attribute type")
	ErrInvalidInput     = errors.New("uow: invalid import input")

	ErrStoreCommit        = errors.New("uow: store commit failed")
	ErrContextReleased    = errors.New("uow: context released")
	ErrContextInvalidated = errors.New("uow: context invalidated by reset")
	ErrResetInProgress    = errors.New("uow: reset in progress")

	ErrStoreNotConfigured = errors.New("uow: store not configured")
	ErrModelRequired      = errors.New("uow: model is required")
	ErrInvalidModel       = errors.New("uow: invalid model")

	ErrRecordNotFound  = errors.New("uow: record not found")
	ErrNoEvaluator     = errors.New("uow: evaluator not configured")
	ErrUnknownFunction = errors.New("uow: unknown predicate function")
	ErrFunctionArity   = errors.New("uow: wrong number of function arguments")
)

// ImportError reports why one input could not be imported.
type ImportError struct {
	Entity string
	Field  string
	Err    error
}

func (e *ImportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Field == "" {
		return fmt.Sprintf("uow: import %s: %v", e.Entity, e.Err)
	}
	return fmt.Sprintf("uow: import %s.%s: %v", e.Entity, e.Field, e.Err)
}

func (e *ImportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func wrapImportError(entity, field string, err error) error {
	if err == nil {
		return nil
	}
	var importErr *ImportError
	if errors.As(err, &importErr) {
		return err
	}
	return &ImportError{Entity: entity, Field: field, Err: err}
}

// BatchImportError collects the failures of a best-effort batch import keyed
// by input index.
type BatchImportError struct {
	Entity   string
	Failures map[int]error
}

func (e *BatchImportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	indexes := e.Indexes()
	parts := make([]string, 0, len(indexes))
	for _, index := range indexes {
		parts = append(parts, fmt.Sprintf("[%d] %v", index, e.Failures[index]))
	}
	return fmt.Sprintf("uow: import %s: %d of batch failed: %s", e.Entity, len(indexes), strings.Join(parts, "; "))
}

// Indexes returns the failed input indexes in ascending order.
func (e *BatchImportError) Indexes() []int {
	if e == nil {
		return nil
	}
	indexes := make([]int, 0, len(e.Failures))
	for index := range e.Failures {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *BatchImportError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, len(e.Failures))
	for _, index := range e.Indexes() {
		out = append(out, e.Failures[index])
	}
	return out
}

// SaveError reports the hierarchy level at which a save stopped. Levels
// count from the saved context (0) toward the root.
type SaveError struct {
	Context string
	Kind    ContextKind
	Level   int
	Err     error
}

func (e *SaveError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("uow: save %s context %q at level %d: %v", e.Kind, e.Context, e.Level, e.Err)
}

func (e *SaveError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConfigurationError reports a manager that cannot serve the requested
// operation. Existing state is left untouched.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("uow: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// EvaluationError captures predicate evaluator metadata alongside the
// originating error.
type EvaluationError struct {
	Engine string
	Expr   string
	Entity string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("uow: %s evaluator %s entity=%s: %v", e.Engine, describeExpression(e.Expr), e.Entity, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func describeExpression(expr string) string {
	if expr == "" {
		return "expr=<empty>"
	}
	return fmt.Sprintf("expr=%q", expr)
}

func wrapEvaluationError(engine, expr, entity string, err error) error {
	if err == nil {
		return nil
	}

	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		if evalErr.Engine == "" {
			evalErr.Engine = engine
		}
		if evalErr.Expr == "" {
			evalErr.Expr = expr
		}
		if evalErr.Entity == "" {
			evalErr.Entity = entity
		}
		return evalErr
	}

	return &EvaluationError{
		Engine: engine,
		Expr:   expr,
		Entity: entity,
		Err:    err,
	}
}
