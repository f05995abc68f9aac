// Package runner is Cardinal's Plugin Runner: it
// drives an ordered filter chain against one request, dispatching each
// name to either a native builtin or a guest wasm module, and applies a
// phase-specific short-circuit policy.
package runner

import (
	"context"
	"fmt"

	cardinalerrors "github.com/cardinalproxy/cardinal/internal/errors"
	"github.com/cardinalproxy/cardinal/internal/plugin"
	"github.com/cardinalproxy/cardinal/internal/wasmhost"
)

// Runner executes named filters against a plugin.Registry and a shared
// wasmhost.Host. It holds no per-request state and is safe for concurrent
// use by many requests.
type Runner struct {
	registry *plugin.Registry
	host     *wasmhost.Host
}

// New builds a Runner over registry and host.
func New(registry *plugin.Registry, host *wasmhost.Host) *Runner {
	return &Runner{registry: registry, host: host}
}

// RequestChain concatenates the server's global request filters with a
// destination's own filters: global first, destination second.
func RequestChain(globalRequest, destinationFilters []string) []string {
	return concat(globalRequest, destinationFilters)
}

// ResponseChain concatenates a destination's own filters with the
// server's global response filters — deliberately the reverse order of
// RequestChain, so destination filters see the response before global
// ones get a final say.
func ResponseChain(destinationFilters, globalResponse []string) []string {
	return concat(destinationFilters, globalResponse)
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// RunRequestFilters runs names in order against ec. It stops at the first
// filter that responds (Responded == true, either because a builtin
// returned wasmhost.Responded or because a wasm guest's handle() returned
// 0), leaving every later filter in the chain un-run. A builtin with no
// Request func is skipped. Once ctx is done, no further filter is started
// and ctx's error is returned.
func (r *Runner) RunRequestFilters(ctx context.Context, names []string, ec *wasmhost.ExecutionContext, vars *wasmhost.ReqVars) error {
	ec.Phase = wasmhost.Inbound

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, ok := r.registry.Get(name)
		if !ok {
			return &cardinalerrors.FilterFailed{Filter: name, Cause: fmt.Errorf("plugin %q not found in registry", name)}
		}

		switch {
		case entry.Builtin != nil:
			if entry.Builtin.Request == nil {
				continue
			}
			decision, err := entry.Builtin.Request(ctx, ec, vars)
			if err != nil {
				return &cardinalerrors.FilterFailed{Filter: name, Cause: err}
			}
			if decision == wasmhost.Responded {
				ec.Responded = true
				return nil
			}

		case entry.Wasm != nil:
			if err := r.host.Run(ctx, entry.Wasm, ec, vars); err != nil {
				return &cardinalerrors.FilterFailed{Filter: name, Cause: err}
			}
			if ec.Responded {
				return nil
			}
		}
	}

	return nil
}

// RunResponseFilters runs names in order against ec. Unlike the request
// phase, the response phase always runs every filter to completion — a
// guest or builtin can still edit headers/status after an earlier one
// has, but none of them can skip the rest of the chain. A builtin with no
// Response func is skipped. Once ctx is done, no further filter is started
// and ctx's error is returned.
func (r *Runner) RunResponseFilters(ctx context.Context, names []string, ec *wasmhost.ExecutionContext, vars *wasmhost.ReqVars) error {
	ec.Phase = wasmhost.Outbound

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, ok := r.registry.Get(name)
		if !ok {
			return &cardinalerrors.FilterFailed{Filter: name, Cause: fmt.Errorf("plugin %q not found in registry", name)}
		}

		switch {
		case entry.Builtin != nil:
			if entry.Builtin.Response == nil {
				continue
			}
			if err := entry.Builtin.Response(ctx, ec, vars); err != nil {
				return &cardinalerrors.FilterFailed{Filter: name, Cause: err}
			}

		case entry.Wasm != nil:
			if err := r.host.Run(ctx, entry.Wasm, ec, vars); err != nil {
				return &cardinalerrors.FilterFailed{Filter: name, Cause: err}
			}
		}
	}

	return nil
}
