package proxyhost

import (
	"runtime/debug"

	cardinalerrors "github.com/cardinalproxy/cardinal/internal/errors"
	"github.com/cardinalproxy/cardinal/internal/logging"
	"go.uber.org/zap"
)

// recoverPanic turns r, the value the caller's deferred function got from
// recover() after a panic inside one request's handling, into a
// *cardinalerrors.ClientError the caller can write out as a synthetic
// 500, instead of crashing the server. It returns nil when r is nil.
// recover() itself must be called by the deferred function: called from
// a function below it, it returns nil and the panic goes on.
func recoverPanic(requestID string, r any) *cardinalerrors.ClientError {
	if r == nil {
		return nil
	}
	stack := debug.Stack()
	logging.Error("panic recovered while handling request",
		zap.Any("panic", r),
		zap.String("request_id", requestID),
		zap.ByteString("stack", stack),
	)
	return cardinalerrors.ErrInternalServer.WithRequestID(requestID)
}
