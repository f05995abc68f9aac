package wasmhost

import (
	"context"

	"github.com/cardinalproxy/cardinal/internal/logging"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// hostState carries everything a single handle() invocation's host imports
// need, threaded through context.Context rather than closed over by the
// host module builder, since "env" is built and instantiated once while
// every guest call gets its own state.
type hostState struct {
	phase   Phase
	execCtx *ExecutionContext
	vars    *ReqVars

	// trapErr is set by a host function just before it panics to unwind a
	// guest call that violated the ABI (wrong-phase mutation, abort()).
	// Run checks this after the call returns instead of trusting wazero's
	// panic-to-error translation, since that behavior can't be verified by
	// actually running the toolchain here.
	trapErr *InvalidModuleError
}

type hostStateKey struct{}

func withHostState(ctx context.Context, hs *hostState) context.Context {
	return context.WithValue(ctx, hostStateKey{}, hs)
}

func hostStateFromContext(ctx context.Context) *hostState {
	hs, _ := ctx.Value(hostStateKey{}).(*hostState)
	return hs
}

// trap records a structured error on hs and panics to unwind the current
// guest call. The panic value itself is never inspected by Run — only
// hs.trapErr is — so its contents don't matter beyond being non-nil.
func trap(hs *hostState, err *InvalidModuleError) {
	hs.trapErr = err
	panic(err)
}

func readGuestBytes(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return []byte{}, true
	}
	return mod.Memory().Read(ptr, length)
}

func readGuestString(mod api.Module, ptr, length uint32) (string, bool) {
	b, ok := readGuestBytes(mod, ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// writeGuestMemory copies data into the guest buffer [ptr, ptr+cap):
// returns the number of bytes copied, -1 if there was nothing to report,
// or -n (n>1) if the caller's buffer was too small to hold all n bytes.
func writeGuestMemory(mod api.Module, ptr, capacity uint32, data []byte) int32 {
	if len(data) == 0 {
		return -1
	}
	if uint32(len(data)) > capacity {
		return -int32(len(data))
	}
	if !mod.Memory().Write(ptr, data) {
		return -int32(len(data))
	}
	return int32(len(data))
}

// buildHostModule registers Cardinal's host-import ABI under the module
// name "env". The same
// imports are visible in both phases; phase-restricted imports enforce
// their restriction at call time via trap instead of being omitted from
// one phase's import table.
func buildHostModule(rt wazero.Runtime) wazero.HostModuleBuilder {
	b := rt.NewHostModuleBuilder("env")

	b.NewFunctionBuilder().
		WithFunc(hostLog).
		WithParameterNames("level", "msg_ptr", "msg_len").
		Export("log")

	b.NewFunctionBuilder().
		WithFunc(hostGetHeader).
		WithParameterNames("name_ptr", "name_len", "out_ptr", "out_cap").
		Export("get_header")

	b.NewFunctionBuilder().
		WithFunc(hostGetQueryParam).
		WithParameterNames("name_ptr", "name_len", "out_ptr", "out_cap").
		Export("get_query_param")

	b.NewFunctionBuilder().
		WithFunc(hostSetHeader).
		WithParameterNames("set_type", "name_ptr", "name_len", "value_ptr", "value_len").
		Export("set_header")

	b.NewFunctionBuilder().
		WithFunc(hostSetStatus).
		WithParameterNames("status").
		Export("set_status")

	b.NewFunctionBuilder().
		WithFunc(hostGetReqVar).
		WithParameterNames("key_ptr", "key_len", "out_ptr", "out_cap").
		Export("get_req_var")

	b.NewFunctionBuilder().
		WithFunc(hostSetReqVar).
		WithParameterNames("key_ptr", "key_len", "value_ptr", "value_len").
		Export("set_req_var")

	b.NewFunctionBuilder().
		WithFunc(hostAbort).
		WithParameterNames("code", "msg_ptr", "msg_len").
		Export("abort")

	return b
}

func hostLog(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return
	}
	msg, ok := readGuestString(mod, msgPtr, msgLen)
	if !ok {
		return
	}
	logGuestMessage(int32(level), msg)
}

func hostGetHeader(ctx context.Context, mod api.Module, namePtr, nameLen, outPtr, outCap uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return -1
	}
	name, ok := readGuestString(mod, namePtr, nameLen)
	if !ok {
		return -1
	}
	val := hs.execCtx.Headers.Get(name)
	if val == "" {
		return -1
	}
	return writeGuestMemory(mod, outPtr, outCap, []byte(val))
}

func hostGetQueryParam(ctx context.Context, mod api.Module, namePtr, nameLen, outPtr, outCap uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return -1
	}
	name, ok := readGuestString(mod, namePtr, nameLen)
	if !ok {
		return -1
	}
	val, found := hs.execCtx.QueryFirst(name)
	if !found {
		return -1
	}
	return writeGuestMemory(mod, outPtr, outCap, []byte(val))
}

// hostSetHeader traps if an inbound guest tries to mutate response headers
// (set_type == SetTypeResponseHeader).
func hostSetHeader(ctx context.Context, mod api.Module, setType, namePtr, nameLen, valuePtr, valueLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return
	}
	if hs.phase == Inbound && int32(setType) == SetTypeResponseHeader {
		trap(hs, &InvalidModuleError{Reason: TrapInHostCall, TrappedImport: "set_header"})
	}
	name, ok1 := readGuestString(mod, namePtr, nameLen)
	value, ok2 := readGuestString(mod, valuePtr, valueLen)
	if !ok1 || !ok2 {
		return
	}
	if int32(setType) == SetTypeResponseHeader {
		hs.execCtx.RespHeaders.Set(name, value)
	} else {
		hs.execCtx.Headers.Set(name, value)
	}
}

// hostSetStatus traps if called from the inbound phase: inbound guests
// observe the request only and cannot set a response status before one
// exists.
func hostSetStatus(ctx context.Context, mod api.Module, status uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return
	}
	if hs.phase == Inbound {
		trap(hs, &InvalidModuleError{Reason: TrapInHostCall, TrappedImport: "set_status"})
	}
	hs.execCtx.RespStatus = int(status)
	hs.execCtx.RespStatusOverridden = true
}

func hostGetReqVar(ctx context.Context, mod api.Module, keyPtr, keyLen, outPtr, outCap uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return -1
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return -1
	}
	val, found := hs.vars.Get(key)
	if !found {
		return -1
	}
	return writeGuestMemory(mod, outPtr, outCap, []byte(val))
}

func hostSetReqVar(ctx context.Context, mod api.Module, keyPtr, keyLen, valuePtr, valueLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return
	}
	key, ok1 := readGuestString(mod, keyPtr, keyLen)
	value, ok2 := readGuestString(mod, valuePtr, valueLen)
	if !ok1 || !ok2 {
		return
	}
	hs.vars.Set(key, value)
}

// hostAbort always traps: a guest calling abort() is asking the host to
// stop it, which Run surfaces as InvalidModuleError{GuestAbort}.
func hostAbort(ctx context.Context, mod api.Module, code, msgPtr, msgLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return
	}
	msg, _ := readGuestString(mod, msgPtr, msgLen)
	trap(hs, &InvalidModuleError{Reason: GuestAbort, AbortCode: int32(code), AbortMsg: msg})
}

func logGuestMessage(level int32, msg string) {
	fields := []zap.Field{zap.String("source", "wasm_guest")}
	switch level {
	case LogTrace, LogDebug:
		logging.Debug(msg, fields...)
	case LogWarn:
		logging.Warn(msg, fields...)
	case LogError:
		logging.Error(msg, fields...)
	default:
		logging.Info(msg, fields...)
	}
}
