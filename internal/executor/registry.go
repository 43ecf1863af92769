package executor

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"arbor/internal/logger"
)

var (
	ErrAlreadyRegistered = errors.New("executor config type already registered")
	ErrUnknownConfigType = errors.New("no executor registered for config type")
	ErrMissingExecutorID = errors.New("executor config has no id")
	ErrInvalidInterval   = errors.New("update interval must be positive")
)

// Constructor builds an executor from a validated config.
type Constructor func(sctx StrategyContext, cfg Config, updateInterval time.Duration) (Executor, error)

// CustomInfoFunc projects executor state for display or telemetry.
type CustomInfoFunc func(Executor) map[string]any

// Registry maps config types to executor constructors. It is an
// explicit object handed to consumers by reference, so tests construct
// independent registries instead of sharing process-global state.
type Registry struct {
	constructors map[reflect.Type]Constructor
	customInfo   map[reflect.Type]CustomInfoFunc
	created      map[reflect.Type][]string
}

func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[reflect.Type]Constructor),
		customInfo:   make(map[reflect.Type]CustomInfoFunc),
		created:      make(map[reflect.Type][]string),
	}
}

// Option customizes a registration.
type Option func(*Registry, reflect.Type)

// WithCustomInfo registers a telemetry projection for executors created
// from this config type.
func WithCustomInfo(fn CustomInfoFunc) Option {
	return func(r *Registry, t reflect.Type) {
		r.customInfo[t] = fn
	}
}

// Register binds a config prototype's type to a constructor.
// Registration is one-shot: a second call for the same type fails.
func (r *Registry) Register(prototype Config, ctor Constructor, opts ...Option) error {
	if prototype == nil || ctor == nil {
		return fmt.Errorf("register executor: prototype and constructor are required")
	}
	t := reflect.TypeOf(prototype)
	if _, exists := r.constructors[t]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t)
	}
	r.constructors[t] = ctor
	for _, opt := range opts {
		opt(r, t)
	}
	return nil
}

// Create validates the config and interval, then builds a new executor
// and records its id under the config type. All failures are
// configuration mistakes surfaced synchronously to the caller.
func (r *Registry) Create(sctx StrategyContext, cfg Config, updateInterval time.Duration) (Executor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("create executor: %w", ErrMissingExecutorID)
	}
	if cfg.ExecutorID() == "" {
		return nil, fmt.Errorf("create executor: %w", ErrMissingExecutorID)
	}
	if updateInterval <= 0 {
		return nil, fmt.Errorf("create executor %s: %w (got %s)", cfg.ExecutorID(), ErrInvalidInterval, updateInterval)
	}
	t := reflect.TypeOf(cfg)
	ctor, ok := r.constructors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConfigType, t)
	}
	ex, err := ctor(sctx, cfg, updateInterval)
	if err != nil {
		return nil, fmt.Errorf("create executor %s: %w", cfg.ExecutorID(), err)
	}
	r.created[t] = append(r.created[t], cfg.ExecutorID())
	return ex, nil
}

// CreatedIDs returns the executor ids created for a config type.
func (r *Registry) CreatedIDs(prototype Config) []string {
	ids := r.created[reflect.TypeOf(prototype)]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// CustomInfo returns the type-specific projection of an executor, or a
// default projection when none is registered or the registered one
// panics. It never fails.
func (r *Registry) CustomInfo(ex Executor) (info map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warnf("executor custom info panic for %s: %v", ex.Config().ExecutorID(), rec)
			info = defaultCustomInfo(ex)
		}
	}()
	if fn, ok := r.customInfo[reflect.TypeOf(ex.Config())]; ok && fn != nil {
		if custom := fn(ex); custom != nil {
			return custom
		}
	}
	if provider, ok := ex.(CustomInfoProvider); ok {
		if custom := provider.CustomInfo(); custom != nil {
			return custom
		}
	}
	return defaultCustomInfo(ex)
}

func defaultCustomInfo(ex Executor) map[string]any {
	return map[string]any{
		"id":     ex.Config().ExecutorID(),
		"status": ex.Status().String(),
	}
}
