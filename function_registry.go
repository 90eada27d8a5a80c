package uow

import (
	"fmt"
	"sort"
	"sync"
	"unicode"
)

// Function is a helper that Where predicates call by name, e.g.
// `even(stop_count)`. Arguments arrive with record ids as plain strings.
//
// MinArgs and MaxArgs bound the argument count; MaxArgs < 0 accepts any
// number from MinArgs up.
type Function struct {
	Name    string
	MinArgs int
	MaxArgs int
	Call    func(args ...any) (any, error)
}

// Unary wraps fn as a one-argument Function.
func Unary(name string, fn func(arg any) (any, error)) Function {
	return Function{
		Name:    name,
		MinArgs: 1,
		MaxArgs: 1,
		Call: func(args ...any) (any, error) {
			return fn(args[0])
		},
	}
}

// predicate names that are always bound and cannot be shadowed.
var reservedNames = map[string]struct{}{
	"id":     {},
	"entity": {},
	"args":   {},
	"now":    {},
}

func (f Function) validate() error {
	if f.Call == nil {
		return fmt.Errorf("uow: function %q has no implementation", f.Name)
	}
	if !isIdentifier(f.Name) {
		return fmt.Errorf("uow: function name %q is not an identifier", f.Name)
	}
	if _, reserved := reservedNames[f.Name]; reserved {
		return fmt.Errorf("uow: function name %q is reserved", f.Name)
	}
	if f.MinArgs < 0 || (f.MaxArgs >= 0 && f.MaxArgs < f.MinArgs) {
		return fmt.Errorf("uow: function %q has invalid arity %d..%d", f.Name, f.MinArgs, f.MaxArgs)
	}
	return nil
}

func (f Function) variadic() bool {
	return f.MaxArgs < 0
}

func (f Function) accepts(n int) bool {
	return n >= f.MinArgs && (f.variadic() || n <= f.MaxArgs)
}

func (f Function) arity() string {
	switch {
	case f.variadic():
		return fmt.Sprintf("at least %d", f.MinArgs)
	case f.MinArgs == f.MaxArgs:
		return fmt.Sprintf("%d", f.MinArgs)
	default:
		return fmt.Sprintf("%d to %d", f.MinArgs, f.MaxArgs)
	}
}

// invoke checks the argument count and normalises record ids on the way in
// and out.
func (f Function) invoke(args []any) (any, error) {
	if !f.accepts(len(args)) {
		return nil, fmt.Errorf("%w: %s takes %s arguments, got %d", ErrFunctionArity, f.Name, f.arity(), len(args))
	}
	normalized := make([]any, len(args))
	for i, arg := range args {
		normalized[i] = predicateValue(arg)
	}
	result, err := f.Call(normalized...)
	if err != nil {
		return nil, fmt.Errorf("uow: function %s: %w", f.Name, err)
	}
	return predicateValue(result), nil
}

// FunctionRegistry holds the helpers available to Where predicates. A
// manager checks at construction that no helper shadows an entity field.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewFunctionRegistry returns a registry holding fns.
func NewFunctionRegistry(fns ...Function) (*FunctionRegistry, error) {
	r := &FunctionRegistry{functions: make(map[string]Function, len(fns))}
	for _, fn := range fns {
		if err := r.Register(fn); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds fn. Names are case sensitive and must be unique.
func (r *FunctionRegistry) Register(fn Function) error {
	if err := fn.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions == nil {
		r.functions = make(map[string]Function)
	}
	if _, exists := r.functions[fn.Name]; exists {
		return fmt.Errorf("uow: function %q already registered", fn.Name)
	}
	r.functions[fn.Name] = fn
	return nil
}

// Clone returns a copy; evaluators hold a clone so later registrations do
// not change compiled predicates.
func (r *FunctionRegistry) Clone() *FunctionRegistry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &FunctionRegistry{functions: make(map[string]Function, len(r.functions))}
	for name, fn := range r.functions {
		clone.functions[name] = fn
	}
	return clone
}

// Call runs the helper registered as name.
func (r *FunctionRegistry) Call(name string, args ...any) (any, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fn.invoke(args)
}

// Lookup returns the helper registered as name.
func (r *FunctionRegistry) Lookup(name string) (Function, bool) {
	if r == nil {
		return Function{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// Functions returns every helper sorted by name.
func (r *FunctionRegistry) Functions() []Function {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Function, 0, len(r.functions))
	for _, fn := range r.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered names sorted alphabetically.
func (r *FunctionRegistry) Names() []string {
	fns := r.Functions()
	names := make([]string, 0, len(fns))
	for _, fn := range fns {
		names = append(names, fn.Name)
	}
	return names
}

// checkModel fails when a helper has the same name as a field, since the
// field would hide it inside predicates on that entity.
func (r *FunctionRegistry) checkModel(model *Model) error {
	if r == nil || model == nil {
		return nil
	}
	for _, fn := range r.Functions() {
		for _, name := range model.Names() {
			et, _ := model.Entity(name)
			if et.hasField(fn.Name) {
				return fmt.Errorf("%w: function %s shadows %s.%s", ErrInvalidModel, fn.Name, et.Name, fn.Name)
			}
		}
	}
	return nil
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
