//go:build js_eval

package uow

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// jsEvaluator runs predicates with goja. Each record gets a fresh runtime,
// so a rule cannot carry state from one record to the next.
//
// Time attributes and now are bound as JS Date objects and binary
// attributes as ArrayBuffers. A read of a name the record does not have
// raises a ReferenceError, reported as ErrUnknownAttribute.
type jsEvaluator struct {
	cache    ProgramCache
	registry *FunctionRegistry
	timeout  time.Duration
}

// NewJSEvaluator constructs an Evaluator backed by goja.
func NewJSEvaluator(opts ...JSEvaluatorOption) Evaluator {
	cfg := applyJSEvaluatorOptions(opts)
	return &jsEvaluator{
		cache:    cfg.cache,
		registry: cfg.registry,
		timeout:  cfg.timeout,
	}
}

func (e *jsEvaluator) Evaluate(ctx EvalContext, expression string) (any, error) {
	program, err := e.load(expression)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, expression, program)
}

func (e *jsEvaluator) Compile(expression string) (CompiledRule, error) {
	program, err := e.load(expression)
	if err != nil {
		return nil, err
	}
	return &jsCompiledRule{evaluator: e, expression: expression, program: program}, nil
}

func (e *jsEvaluator) load(expression string) (*goja.Program, error) {
	if expression == "" {
		return nil, wrapEvaluatorError("js", fmt.Errorf("expression must not be empty"))
	}
	key := "js:" + expression
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if program, ok := cached.(*goja.Program); ok {
				return program, nil
			}
		}
	}
	// strict, so assigning to an undeclared name throws
	source := fmt.Sprintf("(function(){ return (%s); })()", expression)
	program, err := goja.Compile("predicate", source, true)
	if err != nil {
		return nil, wrapEvaluationError("js", expression, "", err)
	}
	if e.cache != nil {
		e.cache.Set(key, program)
	}
	return program, nil
}

func (e *jsEvaluator) run(ctx EvalContext, expression string, program *goja.Program) (any, error) {
	ctx = ctx.withDefaults()
	vm := goja.New()
	if err := e.bind(vm, ctx); err != nil {
		return nil, wrapEvaluationError("js", expression, ctx.Entity, err)
	}
	if e.timeout > 0 {
		timer := time.AfterFunc(e.timeout, func() {
			vm.Interrupt(fmt.Sprintf("predicate exceeded %s", e.timeout))
		})
		defer timer.Stop()
	}

	value, err := vm.RunProgram(program)
	if err != nil {
		return nil, wrapEvaluationError("js", expression, ctx.Entity, jsError(ctx, err))
	}
	return value.Export(), nil
}

func (e *jsEvaluator) bind(vm *goja.Runtime, ctx EvalContext) error {
	for key, value := range ctx.bindings() {
		converted, err := jsValue(vm, value)
		if err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
		if err := vm.Set(key, converted); err != nil {
			return err
		}
	}
	for _, fn := range e.registry.Functions() {
		fn := fn
		if err := vm.Set(fn.Name, func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			result, err := fn.invoke(args)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(result)
		}); err != nil {
			return err
		}
	}
	return nil
}

// jsValue converts record values that have a native JS counterpart.
func jsValue(vm *goja.Runtime, value any) (any, error) {
	switch v := value.(type) {
	case time.Time:
		date, err := vm.New(vm.Get("Date"), vm.ToValue(v.UnixMilli()))
		if err != nil {
			return nil, err
		}
		return date, nil
	case []byte:
		return vm.NewArrayBuffer(append([]byte(nil), v...)), nil
	default:
		return value, nil
	}
}

func jsError(ctx EvalContext, err error) error {
	var exception *goja.Exception
	if !errors.As(err, &exception) {
		return err
	}
	obj, ok := exception.Value().(*goja.Object)
	if !ok {
		return err
	}
	if name := obj.Get("name"); name != nil && name.String() == "ReferenceError" {
		return fmt.Errorf("%w: %s: %v", ErrUnknownAttribute, ctx.Entity, err)
	}
	return err
}

type jsCompiledRule struct {
	evaluator  *jsEvaluator
	expression string
	program    *goja.Program
}

func (r *jsCompiledRule) Evaluate(ctx EvalContext) (any, error) {
	if r.evaluator == nil {
		return nil, wrapEvaluatorError("js", fmt.Errorf("compiled rule missing evaluator"))
	}
	return r.evaluator.run(ctx, r.expression, r.program)
}

func jsEvaluatorAvailable() bool {
	return true
}
