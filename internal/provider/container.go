// Package provider is a typed container for the handful of shared services
// that middleware, resolvers, and the proxy host all need a reference to: the
// wasm host and the metrics collector. A registration
// carries a scope (Singleton or Transient) and a factory; Get triggers the
// factory on first resolve and, for Singletons, caches the result.
//
// Concurrent resolves of the same Singleton share one in-flight construction
// via singleflight, so a slow factory is never run twice for the same key.
// Resolving a type that is already being resolved higher up the same call
// stack (a factory whose own dependencies loop back to it) fails fast with
// CycleDetectedError instead of deadlocking.
package provider

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Scope controls whether a registration is constructed once and cached, or
// fresh on every resolve.
type Scope int

const (
	Singleton Scope = iota
	Transient
)

// Factory builds a value of the registered type, optionally resolving its
// own dependencies from the same container via Get.
type Factory[T any] func(ctx context.Context, c *Container) (T, error)

// NotRegisteredError is returned by Get when no factory or instance has been
// registered for the requested type.
type NotRegisteredError struct {
	Type string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("provider: %s is not registered", e.Type)
}

// CycleDetectedError is returned when resolving a type would re-enter its
// own in-progress resolution.
type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("provider: cycle detected: %s", strings.Join(e.Path, " -> "))
}

type entry struct {
	scope   Scope
	factory func(ctx context.Context, c *Container) (any, error)
	cached  atomic.Pointer[any]
}

// Container holds the registered factories/instances and the bookkeeping
// needed for at-most-once Singleton construction.
type Container struct {
	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
}

// New returns an empty Container.
func New() *Container {
	return &Container{entries: map[string]*entry{}}
}

type inFlightKey struct{}

func typeKey[T any]() string {
	var zero T
	return reflect.TypeOf(&zero).Elem().String()
}

// Register associates T with a factory under the given scope. A duplicate
// registration replaces the previous entry.
func Register[T any](c *Container, scope Scope, factory Factory[T]) {
	key := typeKey[T]()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{
		scope:   scope,
		factory: func(ctx context.Context, c *Container) (any, error) { return factory(ctx, c) },
	}
}

// RegisterInstance inserts a pre-built value as an implicit Singleton; Get
// returns it without ever invoking a factory.
func RegisterInstance[T any](c *Container, value T) {
	key := typeKey[T]()
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{scope: Singleton}
	var boxed any = value
	e.cached.Store(&boxed)
	c.entries[key] = e
}

// Get resolves T, running its factory if needed. Singleton results are
// cached and reused; Transient results are constructed fresh every call.
func Get[T any](ctx context.Context, c *Container) (T, error) {
	var zero T
	key := typeKey[T]()
	v, err := c.resolve(ctx, key)
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (c *Container) resolve(ctx context.Context, key string) (any, error) {
	inFlight, _ := ctx.Value(inFlightKey{}).([]string)
	for _, k := range inFlight {
		if k == key {
			return nil, &CycleDetectedError{Path: append(append([]string{}, inFlight...), key)}
		}
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, &NotRegisteredError{Type: key}
	}

	nested := context.WithValue(ctx, inFlightKey{}, append(append([]string{}, inFlight...), key))

	if e.scope == Transient {
		return e.factory(nested, c)
	}

	if cached := e.cached.Load(); cached != nil {
		return *cached, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if cached := e.cached.Load(); cached != nil {
			return *cached, nil
		}
		val, ferr := e.factory(nested, c)
		if ferr != nil {
			return nil, ferr
		}
		e.cached.Store(&val)
		return val, nil
	})
	return v, err
}
