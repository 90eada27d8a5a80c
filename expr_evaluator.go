package uow

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprast "github.com/expr-lang/expr/ast"
	exprvm "github.com/expr-lang/expr/vm"
)

// ExprEvaluatorOption configures an expr evaluator instance.
type ExprEvaluatorOption func(*exprEvaluator)

// ExprWithProgramCache wires a ProgramCache into the expr evaluator.
func ExprWithProgramCache(cache ProgramCache) ExprEvaluatorOption {
	return func(e *exprEvaluator) {
		e.cache = cache
	}
}

// ExprWithFunctionRegistry declares the registry's functions in every
// program the evaluator compiles.
func ExprWithFunctionRegistry(registry *FunctionRegistry) ExprEvaluatorOption {
	return func(e *exprEvaluator) {
		if registry == nil {
			return
		}
		e.registry = registry.Clone()
	}
}

// exprEvaluator runs predicates with github.com/expr-lang/expr. It is the
// default engine for Where predicates.
//
// Programs compile against an open environment since the same predicate
// text may run on several entities. The names a program reads are recorded
// at compile time and checked against the record on each run, so a typo in
// a field name fails with ErrUnknownAttribute instead of matching nil.
type exprEvaluator struct {
	cache    ProgramCache
	registry *FunctionRegistry
}

type exprProgram struct {
	program *exprvm.Program
	reads   []string
}

// NewExprEvaluator constructs an Evaluator backed by expr-lang/expr.
func NewExprEvaluator(opts ...ExprEvaluatorOption) Evaluator {
	e := &exprEvaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *exprEvaluator) Evaluate(ctx EvalContext, expression string) (any, error) {
	program, err := e.load(expression)
	if err != nil {
		return nil, err
	}
	return e.run(program, ctx, expression)
}

func (e *exprEvaluator) Compile(expression string) (CompiledRule, error) {
	program, err := e.load(expression)
	if err != nil {
		return nil, err
	}
	return &exprCompiledRule{evaluator: e, program: program, expression: expression}, nil
}

func (e *exprEvaluator) load(expression string) (*exprProgram, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, wrapEvaluatorError("expr", fmt.Errorf("expression must not be empty"))
	}
	key := "expr:" + expression
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if program, ok := cached.(*exprProgram); ok {
				return program, nil
			}
		}
	}

	reads := &readCollector{}
	options := []exprlang.Option{
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.Patch(reads),
	}
	for _, fn := range e.registry.Functions() {
		options = append(options, exprlang.Function(fn.Name, exprCallable(fn), exprSignatures(fn)...))
	}
	compiled, err := exprlang.Compile(expression, options...)
	if err != nil {
		return nil, wrapEvaluationError("expr", expression, "", err)
	}
	program := &exprProgram{program: compiled, reads: reads.names()}
	if e.cache != nil {
		e.cache.Set(key, program)
	}
	return program, nil
}

func (e *exprEvaluator) run(program *exprProgram, ctx EvalContext, expression string) (any, error) {
	ctx = ctx.withDefaults()
	for _, name := range program.reads {
		if _, ok := ctx.Values[name]; ok {
			continue
		}
		if _, ok := reservedNames[name]; ok {
			continue
		}
		return nil, wrapEvaluationError("expr", expression, ctx.Entity, fmt.Errorf("%w: %s has no %q", ErrUnknownAttribute, ctx.Entity, name))
	}
	result, err := exprlang.Run(program.program, ctx.bindings())
	if err != nil {
		return nil, wrapEvaluationError("expr", expression, ctx.Entity, err)
	}
	return result, nil
}

type exprCompiledRule struct {
	evaluator  *exprEvaluator
	program    *exprProgram
	expression string
}

func (r *exprCompiledRule) Evaluate(ctx EvalContext) (any, error) {
	if r.evaluator == nil || r.program == nil {
		return nil, wrapEvaluatorError("expr", fmt.Errorf("compiled rule missing program"))
	}
	return r.evaluator.run(r.program, ctx, r.expression)
}

func exprCallable(fn Function) func(...any) (any, error) {
	return func(args ...any) (any, error) {
		return fn.invoke(args)
	}
}

var (
	anyType   = reflect.TypeOf((*any)(nil)).Elem()
	anySlice  = reflect.SliceOf(anyType)
	anyResult = []reflect.Type{anyType}
)

// exprSignatures declares one overload per accepted argument count so the
// checker rejects a wrong count at compile time.
func exprSignatures(fn Function) []any {
	if fn.variadic() {
		in := make([]reflect.Type, 0, fn.MinArgs+1)
		for i := 0; i < fn.MinArgs; i++ {
			in = append(in, anyType)
		}
		in = append(in, anySlice)
		return []any{reflect.New(reflect.FuncOf(in, anyResult, true)).Interface()}
	}
	signatures := make([]any, 0, fn.MaxArgs-fn.MinArgs+1)
	for n := fn.MinArgs; n <= fn.MaxArgs; n++ {
		in := make([]reflect.Type, n)
		for i := range in {
			in[i] = anyType
		}
		signatures = append(signatures, reflect.New(reflect.FuncOf(in, anyResult, false)).Interface())
	}
	return signatures
}

// readCollector records the free names a program reads. Names only used as
// a callee and names bound by let are left out.
type readCollector struct {
	reads   map[string]int
	callees map[string]int
	bound   map[string]struct{}
}

func (c *readCollector) Visit(node *exprast.Node) {
	if c.reads == nil {
		c.reads = map[string]int{}
		c.callees = map[string]int{}
		c.bound = map[string]struct{}{}
	}
	switch n := (*node).(type) {
	case *exprast.IdentifierNode:
		c.reads[n.Value]++
	case *exprast.CallNode:
		if callee, ok := n.Callee.(*exprast.IdentifierNode); ok {
			c.callees[callee.Value]++
		}
	case *exprast.VariableDeclaratorNode:
		c.bound[n.Name] = struct{}{}
	}
}

func (c *readCollector) names() []string {
	var out []string
	for name, count := range c.reads {
		if strings.HasPrefix(name, "$") || count <= c.callees[name] {
			continue
		}
		if _, ok := c.bound[name]; ok {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
