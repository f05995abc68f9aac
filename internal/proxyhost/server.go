// Package proxyhost is the minimal reference host that wires Cardinal's
// components into a runnable reverse proxy: accept -> resolve -> run
// request filters -> forward upstream -> run response filters -> write
// response.
package proxyhost

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	cardinalerrors "github.com/cardinalproxy/cardinal/internal/errors"
	"github.com/cardinalproxy/cardinal/internal/logging"
	"github.com/cardinalproxy/cardinal/internal/metrics"
	"github.com/cardinalproxy/cardinal/internal/plugin"
	"github.com/cardinalproxy/cardinal/internal/resolver"
	"github.com/cardinalproxy/cardinal/internal/runner"
	"github.com/cardinalproxy/cardinal/internal/wasmhost"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func init() {
	uuid.EnableRandPool()
}

// components is the set of config-derived pieces a live reload replaces
// as one atomic unit, so an in-flight request never sees a resolver built
// against one config alongside a registry built against another.
type components struct {
	resolver    *resolver.Resolver
	registry    *plugin.Registry
	runner      *runner.Runner
	logUpstream bool
	globalReq   []string
	globalResp  []string
}

// Server is Cardinal's http.Handler: one instance per running process,
// safe for concurrent use by the net/http server's goroutine-per-request
// model. Its config-derived components can be hot-swapped via Reload
// while requests are in flight.
type Server struct {
	live    atomic.Pointer[components]
	metrics *metrics.Collector
	client  *http.Client
}

// New assembles a Server from its already-constructed components.
func New(res *resolver.Resolver, reg *plugin.Registry, run *runner.Runner, mc *metrics.Collector, logUpstream bool, globalReq, globalResp []string) *Server {
	s := &Server{
		metrics: mc,
		client:  &http.Client{Transport: newTransport()},
	}
	s.live.Store(&components{
		resolver:    res,
		registry:    reg,
		runner:      run,
		logUpstream: logUpstream,
		globalReq:   globalReq,
		globalResp:  globalResp,
	})
	return s
}

// Reload atomically swaps in a newly built resolver/registry/runner, e.g.
// in response to a config.Watcher callback. Requests already past the
// resolve step keep running against the components they started with.
func (s *Server) Reload(res *resolver.Resolver, reg *plugin.Registry, run *runner.Runner, logUpstream bool, globalReq, globalResp []string) {
	s.live.Store(&components{
		resolver:    res,
		registry:    reg,
		runner:      run,
		logUpstream: logUpstream,
		globalReq:   globalReq,
		globalResp:  globalResp,
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set("X-Request-Id", requestID)

	defer func() {
		if ce := recoverPanic(requestID, recover()); ce != nil {
			ce.WriteJSON(w)
		}
	}()

	live := s.live.Load()
	start := time.Now()
	destName := "unknown"

	result, err := live.resolver.Select(r)
	if err != nil {
		s.metrics.RecordResolverOutcome(resolverOutcome(err))
		cardinalerrors.Wrap(cardinalerrors.ErrNoBackend, err).WithRequestID(requestID).WriteJSON(w)
		return
	}
	s.metrics.RecordResolverOutcome("matched")
	destName = result.Destination.Name

	status := http.StatusInternalServerError
	defer func() {
		s.metrics.RecordRequest(destName, strconv.Itoa(status), time.Since(start))
	}()

	ec, vars, err := newExecutionContext(r, result)
	if err != nil {
		cardinalerrors.Wrap(cardinalerrors.ErrInternalServer, err).WithRequestID(requestID).WriteJSON(w)
		return
	}
	vars.Set("request_id", requestID)

	reqStart := time.Now()
	reqChain := runner.RequestChain(live.globalReq, result.Destination.Filters)
	if err := live.runner.RunRequestFilters(r.Context(), reqChain, ec, vars); err != nil {
		s.writeFilterError(w, requestID, err)
		return
	}
	s.metrics.RecordFilterChain("request", time.Since(reqStart))

	shortCircuited := ec.Responded
	if !shortCircuited {
		if err := s.forwardUpstream(r.Context(), result, ec); err != nil {
			status = http.StatusBadGateway
			cardinalerrors.Wrap(cardinalerrors.ErrBadGateway, err).WithRequestID(requestID).WriteJSON(w)
			return
		}

		if live.logUpstream {
			logging.Info("upstream response",
				zap.String("request_id", requestID),
				zap.String("destination", destName),
				zap.Int("status", ec.RespStatus),
			)
		}
	}

	ec.Responded = false
	respStart := time.Now()
	respChain := runner.ResponseChain(result.Destination.Filters, live.globalResp)
	if err := live.runner.RunResponseFilters(r.Context(), respChain, ec, vars); err != nil {
		s.writeFilterError(w, requestID, err)
		return
	}
	s.metrics.RecordFilterChain("response", time.Since(respStart))

	status = ec.RespStatus
	if status == 0 {
		status = http.StatusOK
	}
	writeExecResponse(w, ec)
}

func (s *Server) writeFilterError(w http.ResponseWriter, requestID string, err error) {
	logging.Error("filter chain failed", zap.String("request_id", requestID), zap.Error(err))
	cardinalerrors.Wrap(cardinalerrors.ErrInternalServer, err).WithRequestID(requestID).WriteJSON(w)
}

func resolverOutcome(err error) string {
	var nb *resolver.NoBackendError
	if errors.As(err, &nb) {
		return nb.Reason.String()
	}
	return "error"
}

// newExecutionContext builds the inbound wasmhost.ExecutionContext from an
// *http.Request, reading the body fully since guest modules only operate
// on whole in-memory buffers.
func newExecutionContext(r *http.Request, result *resolver.Result) (*wasmhost.ExecutionContext, *wasmhost.ReqVars, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, err
		}
		body = b
		r.Body.Close()
	}

	ec := &wasmhost.ExecutionContext{
		Phase:       wasmhost.Inbound,
		Method:      r.Method,
		Path:        result.ForwardPath,
		Query:       r.URL.Query(),
		Headers:     r.Header.Clone(),
		Body:        body,
		RespHeaders: http.Header{},
	}

	vars := wasmhost.NewReqVars()
	for key, val := range result.PathParams {
		vars.Set(key, val)
	}
	return ec, vars, nil
}

// forwardUpstream sends ec's (possibly filter-mutated) request to the
// destination's upstream and loads the reply back into ec, ready for the
// response filter phase.
func (s *Server) forwardUpstream(ctx context.Context, result *resolver.Result, ec *wasmhost.ExecutionContext) error {
	base, err := url.Parse(result.Destination.UpstreamAddr)
	if err != nil {
		return err
	}
	target := *base
	target.Path = singleJoiningSlash(base.Path, ec.Path)

	req, err := http.NewRequestWithContext(ctx, ec.Method, target.String(), bytes.NewReader(ec.Body))
	if err != nil {
		return err
	}
	req.Header = ec.Headers.Clone()
	req.ContentLength = int64(len(ec.Body))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	ec.Phase = wasmhost.Outbound
	ec.RespStatus = resp.StatusCode
	ec.RespStatusOverridden = false
	ec.RespHeaders = resp.Header.Clone()
	ec.RespBody = respBody
	return nil
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	default:
		return a + b
	}
}

func writeExecResponse(w http.ResponseWriter, ec *wasmhost.ExecutionContext) {
	for k, vs := range ec.RespHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := ec.RespStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(ec.RespBody)))
	w.WriteHeader(status)
	if len(ec.RespBody) > 0 {
		w.Write(ec.RespBody)
	}
}
