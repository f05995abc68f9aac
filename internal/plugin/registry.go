// Package plugin is Cardinal's Plugin Registry: a
// name -> Builtin|Wasm tagged-union map, built once from config and never
// mutated afterward — since the map is immutable after New returns, no
// locking is needed.
package plugin

import (
	"context"
	"fmt"
	"os"

	"github.com/cardinalproxy/cardinal/internal/config"
	"github.com/cardinalproxy/cardinal/internal/wasmhost"
)

// UnknownBuiltinError means a config {builtin: name} referenced a name not
// compiled into this binary's builtin catalog. This is a fatal
// config-load-time error, never a runtime one.
type UnknownBuiltinError struct {
	Name string
}

func (e *UnknownBuiltinError) Error() string {
	return fmt.Sprintf("plugin: no builtin registered under name %q", e.Name)
}

// WasmLoadError wraps a failure to read or validate a declared wasm
// plugin's module file.
type WasmLoadError struct {
	Name string
	Path string
	Err  error
}

func (e *WasmLoadError) Error() string {
	return fmt.Sprintf("plugin: loading wasm plugin %q from %q: %v", e.Name, e.Path, e.Err)
}

func (e *WasmLoadError) Unwrap() error { return e.Err }

// Entry is a Builtin(handler) | Wasm(module) tagged union.
// Exactly one of Builtin or Wasm is set.
type Entry struct {
	Name    string
	Builtin *BuiltinHandler
	Wasm    *wasmhost.Module
}

// Registry is the immutable name -> Entry map, built once at startup.
type Registry struct {
	entries map[string]*Entry
}

// New builds a Registry from cfg.Plugins. All wasm plugins are compiled
// and validated eagerly here — not lazily on first use — so a malformed
// guest module is a startup failure rather than a surprise mid-traffic.
func New(ctx context.Context, host *wasmhost.Host, cfg *config.Config) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Entry, len(cfg.Plugins))}

	for _, decl := range cfg.Plugins {
		switch {
		case decl.Builtin != nil:
			h, ok := Lookup(decl.Builtin.Name)
			if !ok {
				return nil, &UnknownBuiltinError{Name: decl.Builtin.Name}
			}
			r.entries[decl.Builtin.Name] = &Entry{Name: decl.Builtin.Name, Builtin: h}

		case decl.Wasm != nil:
			bytes, err := os.ReadFile(decl.Wasm.Path)
			if err != nil {
				return nil, &WasmLoadError{Name: decl.Wasm.Name, Path: decl.Wasm.Path, Err: err}
			}
			module, err := host.Load(ctx, decl.Wasm.Name, bytes)
			if err != nil {
				return nil, &WasmLoadError{Name: decl.Wasm.Name, Path: decl.Wasm.Path, Err: err}
			}
			r.entries[decl.Wasm.Name] = &Entry{Name: decl.Wasm.Name, Wasm: module}
		}
	}

	return r, nil
}

// Get looks up a plugin entry by name. Callers that reach this from the
// filter chain should already have had the name validated at config-load
// time (config.validate); a miss here means that validation was bypassed.
func (r *Registry) Get(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Close releases every wasm entry's compiled module.
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	for _, e := range r.entries {
		if e.Wasm == nil {
			continue
		}
		if err := e.Wasm.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
