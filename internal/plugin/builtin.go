package plugin

import (
	"context"

	"github.com/cardinalproxy/cardinal/internal/wasmhost"
	"github.com/google/uuid"
)

func init() {
	uuid.EnableRandPool()
}

// RequestFilterFunc is the native contract a builtin inbound filter
// implements. It mirrors a guest's
// handle() call: Continue lets later filters run, Responded short-circuits
// the rest of the request phase.
type RequestFilterFunc func(ctx context.Context, ec *wasmhost.ExecutionContext, vars *wasmhost.ReqVars) (wasmhost.Decision, error)

// ResponseFilterFunc is the native contract a builtin outbound filter
// implements. The response phase always runs to completion, so it has no
// short-circuit return.
type ResponseFilterFunc func(ctx context.Context, ec *wasmhost.ExecutionContext, vars *wasmhost.ReqVars) error

// BuiltinHandler is a native handler satisfying one or both filter
// contracts. A builtin registered for only one phase
// leaves the other func nil; the Plugin Runner skips it in the phase whose
// func is nil, so it can sit in a destination's filter list, which both
// phases run.
type BuiltinHandler struct {
	Name     string
	Request  RequestFilterFunc
	Response ResponseFilterFunc
}

var builtinCatalog = map[string]*BuiltinHandler{}

// RegisterBuiltin adds a native handler under a name config can reference
// as {builtin: name}. Intended to be called from init() in a file that
// implements one handler, mirroring how the original Rust container seeds
// itself from a fixed builtin_plugins() list rather than a dynamic plugin
// loader.
func RegisterBuiltin(h *BuiltinHandler) {
	builtinCatalog[h.Name] = h
}

// Lookup returns the registered builtin handler for name, if any.
func Lookup(name string) (*BuiltinHandler, bool) {
	h, ok := builtinCatalog[name]
	return h, ok
}

func init() {
	RegisterBuiltin(&BuiltinHandler{
		Name:    "RequestIDInjector",
		Request: requestIDInjector,
	})
	RegisterBuiltin(&BuiltinHandler{
		Name:    "RestrictedRouteMiddleware",
		Request: restrictedRouteMiddleware,
	})
}

// requestIDInjector stamps a request-scoped request_id into req_vars if
// one isn't already present, so later filters (native or wasm) and the
// proxy host's access log can all read the same value.
func requestIDInjector(_ context.Context, _ *wasmhost.ExecutionContext, vars *wasmhost.ReqVars) (wasmhost.Decision, error) {
	if _, ok := vars.Get("request_id"); !ok {
		vars.Set("request_id", uuid.New().String())
	}
	return wasmhost.Continue, nil
}

// restrictedRouteMiddleware blocks any request whose req_vars carry a
// "restricted" flag set by an earlier filter, responding 403 instead of
// forwarding upstream. A minimal deny-gate builtin in the shape of the
// teacher's own check-a-condition-then-respond-or-continue middleware
// (internal/middleware/ipfilter, internal/middleware/ipblocklist): the
// route-validation-and-param-injection behavior of the original Rust
// crate's RestrictedRouteMiddleware is instead implemented in
// internal/resolver, which already validates method/path against a
// destination's routes and extracts path params before any filter runs.
func restrictedRouteMiddleware(_ context.Context, ec *wasmhost.ExecutionContext, vars *wasmhost.ReqVars) (wasmhost.Decision, error) {
	if v, ok := vars.Get("restricted"); ok && v == "true" {
		ec.RespStatus = 403
		ec.RespStatusOverridden = true
		ec.RespBody = []byte("forbidden")
		return wasmhost.Responded, nil
	}
	return wasmhost.Continue, nil
}
