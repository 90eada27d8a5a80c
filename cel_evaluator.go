package uow

import (
	"fmt"
	"sort"
	"strings"

	celgo "github.com/google/cel-go/cel"
	functions "github.com/google/cel-go/common/functions"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELEvaluatorOption configures the CEL evaluator.
type CELEvaluatorOption func(*celEvaluator)

// CELWithProgramCache wires a ProgramCache into the CEL evaluator.
func CELWithProgramCache(cache ProgramCache) CELEvaluatorOption {
	return func(e *celEvaluator) {
		e.cache = cache
	}
}

// CELWithFunctionRegistry wires a FunctionRegistry into the CEL evaluator.
func CELWithFunctionRegistry(registry *FunctionRegistry) CELEvaluatorOption {
	return func(e *celEvaluator) {
		if registry == nil {
			return
		}
		e.registry = registry.Clone()
	}
}

type celProgram struct {
	env     *celgo.Env
	program celgo.Program
}

type celEvaluator struct {
	cache    ProgramCache
	registry *FunctionRegistry
}

// NewCELEvaluator constructs an Evaluator backed by cel-go. Every entity
// field is declared as a dynamic variable, so programs are cached per
// variable set.
func NewCELEvaluator(opts ...CELEvaluatorOption) Evaluator {
	e := &celEvaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *celEvaluator) Evaluate(ctx EvalContext, expression string) (any, error) {
	if expression == "" {
		return nil, wrapEvaluatorError("cel", fmt.Errorf("expression must not be empty"))
	}
	ctx = ctx.withDefaults()
	program, err := e.loadOrCompile(expression, fieldNames(ctx.Values))
	if err != nil {
		return nil, wrapEvaluationError("cel", expression, ctx.Entity, err)
	}
	out, _, err := program.program.Eval(e.activation(ctx))
	if err != nil {
		return nil, wrapEvaluationError("cel", expression, ctx.Entity, err)
	}
	return out.Value(), nil
}

func (e *celEvaluator) Compile(expression string) (CompiledRule, error) {
	if expression == "" {
		return nil, wrapEvaluatorError("cel", fmt.Errorf("expression must not be empty"))
	}
	return &celCompiledRule{evaluator: e, expression: expression}, nil
}

func (e *celEvaluator) loadOrCompile(expression string, fields []string) (*celProgram, error) {
	key := "cel:" + strings.Join(fields, ",") + ":" + expression
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if program, ok := cached.(*celProgram); ok {
				return program, nil
			}
		}
	}

	env, err := e.buildEnv(fields)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		if strings.Contains(issues.Err().Error(), "undeclared reference") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownAttribute, issues.Err())
		}
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	bundle := &celProgram{env: env, program: prg}
	if e.cache != nil {
		e.cache.Set(key, bundle)
	}
	return bundle, nil
}

func (e *celEvaluator) buildEnv(fields []string) (*celgo.Env, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("now", celgo.TimestampType),
		celgo.Variable("id", celgo.StringType),
		celgo.Variable("entity", celgo.StringType),
		celgo.Variable("args", celgo.DynType),
	}
	for _, fn := range e.registry.Functions() {
		opts = append(opts, celFunction(fn))
	}
	for _, field := range fields {
		switch field {
		case "now", "id", "entity", "args":
			continue
		}
		opts = append(opts, celgo.Variable(field, celgo.DynType))
	}
	return celgo.NewEnv(opts...)
}

func (e *celEvaluator) activation(ctx EvalContext) map[string]any {
	activation := ctx.bindings()
	for key, value := range activation {
		if value == nil {
			activation[key] = types.NullValue
		}
	}
	return activation
}

type celCompiledRule struct {
	evaluator  *celEvaluator
	expression string
}

func (r *celCompiledRule) Evaluate(ctx EvalContext) (any, error) {
	if r.evaluator == nil {
		return nil, wrapEvaluatorError("cel", fmt.Errorf("compiled rule missing evaluator"))
	}
	return r.evaluator.Evaluate(ctx, r.expression)
}

func fieldNames(values map[string]any) []string {
	names := make([]string, 0, len(values))
	for key := range values {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// celVariadicArgs caps how many arguments past MinArgs a variadic helper
// can take in CEL, which only knows fixed-arity overloads.
const celVariadicArgs = 8

// celFunction declares fn with one dyn overload per argument count, so a
// wrong count fails at compile time.
func celFunction(fn Function) celgo.EnvOption {
	maxArgs := fn.MaxArgs
	if fn.variadic() {
		maxArgs = fn.MinArgs + celVariadicArgs
	}
	binding := celgo.FunctionBinding(celBinding(fn))
	overloads := make([]celgo.FunctionOpt, 0, maxArgs-fn.MinArgs+1)
	for n := fn.MinArgs; n <= maxArgs; n++ {
		params := make([]*celgo.Type, n)
		for i := range params {
			params[i] = celgo.DynType
		}
		overloads = append(overloads, celgo.Overload(fmt.Sprintf("%s_%d", fn.Name, n), params, celgo.DynType, binding))
	}
	return celgo.Function(fn.Name, overloads...)
}

func celBinding(fn Function) functions.FunctionOp {
	return func(values ...ref.Val) ref.Val {
		args := make([]any, len(values))
		for i, value := range values {
			if value == types.NullValue {
				continue
			}
			args[i] = value.Value()
		}
		result, err := fn.invoke(args)
		if err != nil {
			return types.WrapErr(err)
		}
		if result == nil {
			return types.NullValue
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
}
