package uow

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EvalContext carries the record a predicate is evaluated against. Values
// holds every field of the entity, nil when unset.
type EvalContext struct {
	Entity string
	ID     RecordID
	Values map[string]any
	Args   map[string]any
	Now    *time.Time
}

func (ctx EvalContext) withDefaults() EvalContext {
	if ctx.Now == nil {
		now := time.Now()
		ctx.Now = &now
	}
	if ctx.Args == nil {
		ctx.Args = map[string]any{}
	}
	if ctx.Values == nil {
		ctx.Values = map[string]any{}
	}
	return ctx
}

func (ctx EvalContext) timestamp() time.Time {
	return *ctx.withDefaults().Now
}

// bindings returns the variables exposed to expressions: every field plus
// id, entity, args and now. Record ids are exposed as plain strings.
func (ctx EvalContext) bindings() map[string]any {
	ctx = ctx.withDefaults()
	env := make(map[string]any, len(ctx.Values)+4)
	for key, value := range ctx.Values {
		env[key] = predicateValue(value)
	}
	env["id"] = string(ctx.ID)
	env["entity"] = ctx.Entity
	env["args"] = ctx.Args
	env["now"] = *ctx.Now
	return env
}

func predicateValue(value any) any {
	switch v := value.(type) {
	case RecordID:
		return string(v)
	case []RecordID:
		out := make([]string, 0, len(v))
		for _, id := range v {
			out = append(out, string(id))
		}
		return out
	default:
		return value
	}
}

// Evaluator executes predicate expressions against a record.
type Evaluator interface {
	Evaluate(ctx EvalContext, expr string) (any, error)
	Compile(expr string) (CompiledRule, error)
}

// CompiledRule is a reusable expression program.
type CompiledRule interface {
	Evaluate(ctx EvalContext) (any, error)
}

// ProgramCache stores compiled expression programs keyed by expression
// strings.
type ProgramCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// MemoryProgramCache is a ProgramCache bounded by entry count. When full,
// the oldest entry is evicted.
type MemoryProgramCache struct {
	mu      sync.RWMutex
	limit   int
	entries map[string]any
	order   []string
}

// NewProgramCache returns a cache holding at most limit programs; limit <= 0
// means unbounded.
func NewProgramCache(limit int) *MemoryProgramCache {
	return &MemoryProgramCache{limit: limit, entries: map[string]any{}}
}

func (c *MemoryProgramCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.entries[key]
	return value, ok
}

func (c *MemoryProgramCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = value
	for c.limit > 0 && len(c.order) > c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Len reports the number of cached programs.
func (c *MemoryProgramCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func evaluatorEngineName(e Evaluator) string {
	if e == nil {
		return "unknown"
	}
	switch fmt.Sprintf("%T", e) {
	case "*uow.exprEvaluator":
		return "expr"
	case "*uow.celEvaluator":
		return "cel"
	case "*uow.jsEvaluator":
		return "js"
	default:
		return "custom"
	}
}

func wrapEvaluatorError(engine string, err error) error {
	if err == nil {
		return nil
	}
	return wrapEvaluationError(engine, "", "", err)
}

type jsEvaluatorConfig struct {
	cache    ProgramCache
	registry *FunctionRegistry
	timeout  time.Duration
}

// JSEvaluatorOption configures the goja evaluator built with the js_eval tag.
type JSEvaluatorOption func(*jsEvaluatorConfig)

// JSWithProgramCache applies a ProgramCache to the JS evaluator.
func JSWithProgramCache(cache ProgramCache) JSEvaluatorOption {
	return func(cfg *jsEvaluatorConfig) {
		cfg.cache = cache
	}
}

// JSWithFunctionRegistry applies a FunctionRegistry to the JS evaluator.
func JSWithFunctionRegistry(registry *FunctionRegistry) JSEvaluatorOption {
	return func(cfg *jsEvaluatorConfig) {
		if registry == nil {
			return
		}
		cfg.registry = registry.Clone()
	}
}

// JSWithTimeout interrupts a predicate that runs longer than d on one
// record.
func JSWithTimeout(d time.Duration) JSEvaluatorOption {
	return func(cfg *jsEvaluatorConfig) {
		cfg.timeout = d
	}
}

func applyJSEvaluatorOptions(opts []JSEvaluatorOption) jsEvaluatorConfig {
	cfg := jsEvaluatorConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// NewEvaluator builds the evaluator named by engine ("expr", "cel" or "js").
// The js engine needs the js_eval build tag.
func NewEvaluator(engine string, cache ProgramCache, registry *FunctionRegistry) (Evaluator, error) {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", "expr":
		return NewExprEvaluator(ExprWithProgramCache(cache), ExprWithFunctionRegistry(registry)), nil
	case "cel":
		return NewCELEvaluator(CELWithProgramCache(cache), CELWithFunctionRegistry(registry)), nil
	case "js":
		if !jsEvaluatorAvailable() {
			return nil, fmt.Errorf("%w: js engine requires the js_eval build tag", ErrNoEvaluator)
		}
		return NewJSEvaluator(JSWithProgramCache(cache), JSWithFunctionRegistry(registry)), nil
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", ErrNoEvaluator, engine)
	}
}
