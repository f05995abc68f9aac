package wasmhost

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Host owns the shared wazero runtime and its single "env" host module
// instance. One Host is created at startup and reused for every guest
// module and every call — only guest instances are created fresh per call.
type Host struct {
	runtime wazero.Runtime
	instSeq atomic.Uint64
}

// NewHost builds the wazero runtime and instantiates the host-import
// module once. CloseOnContextDone lets a call's
// context deadline actually interrupt a runaway guest, surfaced by Run as
// InvalidModuleError{ResourceExceeded}.
func NewHost(ctx context.Context) (*Host, error) {
	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	if _, err := buildHostModule(rt).Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmhost: instantiate host module: %w", err)
	}

	return &Host{runtime: rt}, nil
}

// Close releases the runtime and every module compiled against it.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Module is a compiled, validated guest middleware, ready to be run many
// times. Compilation happens once in Load; Run instantiates a fresh guest
// instance per call.
type Module struct {
	name      string
	compiled  wazero.CompiledModule
	allocKind AllocKind
}

// Load compiles wasmBytes and validates it against the guest ABI: it
// must export handle(i32,i32)->i32, a linear
// memory, and either __new(i32,i32)->i32 or alloc(i32)->i32.
func (h *Host) Load(ctx context.Context, name string, wasmBytes []byte) (*Module, error) {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &InvalidModuleError{Reason: MissingHandle, Cause: err}
	}

	funcs := compiled.ExportedFunctions()

	handleDef, ok := funcs["handle"]
	if !ok || !signatureMatches(handleDef, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}) {
		return nil, &InvalidModuleError{Reason: MissingHandle}
	}

	allocKind, ok := detectAllocator(funcs)
	if !ok {
		return nil, &InvalidModuleError{Reason: MissingAllocator}
	}

	if len(compiled.ExportedMemories()) == 0 {
		return nil, &InvalidModuleError{Reason: MissingMemory}
	}

	return &Module{name: name, compiled: compiled, allocKind: allocKind}, nil
}

// Close releases the compiled module. Safe to call after every instance
// Run on it has returned.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

func signatureMatches(def api.FunctionDefinition, params, results []api.ValueType) bool {
	return valueTypesEqual(def.ParamTypes(), params) && valueTypesEqual(def.ResultTypes(), results)
}

func valueTypesEqual(got, want []api.ValueType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func detectAllocator(funcs map[string]api.FunctionDefinition) (AllocKind, bool) {
	if def, ok := funcs["__new"]; ok && signatureMatches(def, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}) {
		return AllocNew, true
	}
	if def, ok := funcs["alloc"]; ok && signatureMatches(def, []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}) {
		return AllocAlloc, true
	}
	return 0, false
}

// Run instantiates a fresh guest instance of module, writes execCtx.Body
// into guest memory via its allocator, invokes handle(ptr,len), and
// interprets the result, mutating execCtx in place. Per spec, instances
// are never pooled — each call gets its own, closed at the end of the
// call.
func (h *Host) Run(ctx context.Context, module *Module, execCtx *ExecutionContext, vars *ReqVars) error {
	hs := &hostState{phase: execCtx.Phase, execCtx: execCtx, vars: vars}
	callCtx := withHostState(ctx, hs)

	instName := fmt.Sprintf("%s-%d", module.name, h.instSeq.Add(1))
	modCfg := wazero.NewModuleConfig().WithName(instName)

	inst, err := h.runtime.InstantiateModule(callCtx, module.compiled, modCfg)
	if err != nil {
		if hs.trapErr != nil {
			return hs.trapErr
		}
		if ctx.Err() != nil {
			return &InvalidModuleError{Reason: ResourceExceeded, Cause: ctx.Err()}
		}
		return &InvalidModuleError{Reason: TrapInHostCall, Cause: err}
	}
	defer inst.Close(ctx)

	ptr, allocErr := allocateGuestBuffer(callCtx, inst, module.allocKind, len(execCtx.Body))
	if allocErr != nil {
		return allocErr
	}
	if len(execCtx.Body) > 0 {
		if !inst.Memory().Write(ptr, execCtx.Body) {
			return &InvalidModuleError{Reason: ResourceExceeded}
		}
	}

	result, callErr := runGuestCall(callCtx, inst, ptr, uint32(len(execCtx.Body)), hs)
	if callErr != nil {
		return callErr
	}

	switch result {
	case 1:
		execCtx.Responded = false
	case 0:
		execCtx.Responded = true
	default:
		return &InvalidModuleError{Reason: BadHandleReturn}
	}
	return nil
}

func allocateGuestBuffer(ctx context.Context, inst api.Module, kind AllocKind, size int) (uint32, error) {
	if size == 0 {
		return 0, nil
	}
	var fn api.Function
	var args []uint64
	switch kind {
	case AllocNew:
		fn = inst.ExportedFunction("__new")
		args = []uint64{uint64(size), 0}
	default:
		fn = inst.ExportedFunction("alloc")
		args = []uint64{uint64(size)}
	}
	results, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, &InvalidModuleError{Reason: ResourceExceeded, Cause: err}
	}
	if len(results) == 0 {
		return 0, &InvalidModuleError{Reason: MissingAllocator}
	}
	return uint32(results[0]), nil
}

// runGuestCall invokes handle and recovers the panic a host-function trap
// raises, so a deliberate ABI violation surfaces as a normal error return
// rather than crashing the caller.
func runGuestCall(ctx context.Context, inst api.Module, ptr, length uint32, hs *hostState) (res int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			if hs.trapErr != nil {
				err = hs.trapErr
				return
			}
			err = &InvalidModuleError{Reason: TrapInHostCall, Cause: fmt.Errorf("%v", r)}
		}
	}()

	handle := inst.ExportedFunction("handle")
	results, callErr := handle.Call(ctx, uint64(ptr), uint64(length))
	if hs.trapErr != nil {
		return 0, hs.trapErr
	}
	if callErr != nil {
		if ctx.Err() != nil {
			return 0, &InvalidModuleError{Reason: ResourceExceeded, Cause: ctx.Err()}
		}
		return 0, &InvalidModuleError{Reason: TrapInHostCall, Cause: callErr}
	}
	if len(results) == 0 {
		return 0, &InvalidModuleError{Reason: BadHandleReturn}
	}
	return int32(results[0]), nil
}
