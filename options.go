package uow

import (
	"github.com/goliatone/go-uow/pkg/activity"
	"github.com/goliatone/go-uow/pkg/store"
)

// StoreFactory opens the record store from the manager configuration. It is
// called lazily on first use and again after Reset.
type StoreFactory func(cfg Config) (store.Store, error)

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	config        Config
	store         store.Store
	factory       StoreFactory
	logger        Logger
	activityHooks activity.Hooks
	evaluator     Evaluator
	programCache  ProgramCache
	functions     *FunctionRegistry
	errs          []error
}

func applyOptions(opts []Option) managerConfig {
	cfg := managerConfig{config: DefaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithConfig merges cfg over the default configuration.
func WithConfig(cfg Config) Option {
	return func(mc *managerConfig) {
		mc.config.Merge(&cfg)
	}
}

// WithStore uses s as the record store. The store survives Reset.
func WithStore(s store.Store) Option {
	return func(mc *managerConfig) {
		mc.store = s
	}
}

// WithStoreFactory opens the store lazily through factory.
func WithStoreFactory(factory StoreFactory) Option {
	return func(mc *managerConfig) {
		mc.factory = factory
	}
}

// WithLogger attaches a logger for save, import and predicate events.
func WithLogger(logger Logger) Option {
	return func(mc *managerConfig) {
		if logger == nil {
			mc.logger = noopLogger{}
			return
		}
		mc.logger = logger
	}
}

// WithActivityHooks attaches activity hooks. Hooks are cloned and nil
// entries dropped.
func WithActivityHooks(hooks activity.Hooks) Option {
	normalized := cloneActivityHooks(hooks)
	return func(mc *managerConfig) {
		mc.activityHooks = normalized
	}
}

// WithEvaluator configures the predicate evaluator used by Where.
func WithEvaluator(e Evaluator) Option {
	return func(mc *managerConfig) {
		mc.evaluator = e
	}
}

// WithProgramCache registers a program cache for the default evaluator.
func WithProgramCache(cache ProgramCache) Option {
	return func(mc *managerConfig) {
		mc.programCache = cache
	}
}

// WithFunctionRegistry exposes registry functions to predicate expressions.
func WithFunctionRegistry(registry *FunctionRegistry) Option {
	return func(mc *managerConfig) {
		if registry == nil {
			return
		}
		mc.functions = registry.Clone()
	}
}

// WithCustomFunction makes fn callable by name from Where predicates. An
// invalid or duplicate function fails NewManager.
func WithCustomFunction(fn Function) Option {
	return func(mc *managerConfig) {
		if mc.functions == nil {
			mc.functions = &FunctionRegistry{}
		}
		if err := mc.functions.Register(fn); err != nil {
			mc.errs = append(mc.errs, err)
		}
	}
}

func cloneActivityHooks(hooks activity.Hooks) activity.Hooks {
	if len(hooks) == 0 {
		return nil
	}
	normalized := make([]activity.ActivityHook, 0, len(hooks))
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		normalized = append(normalized, hook)
	}
	if len(normalized) == 0 {
		return nil
	}
	return activity.Hooks(normalized)
}
