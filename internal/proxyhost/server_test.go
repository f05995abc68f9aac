package proxyhost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cardinalproxy/cardinal/internal/config"
	"github.com/cardinalproxy/cardinal/internal/metrics"
	"github.com/cardinalproxy/cardinal/internal/plugin"
	"github.com/cardinalproxy/cardinal/internal/resolver"
	"github.com/cardinalproxy/cardinal/internal/runner"
	"github.com/cardinalproxy/cardinal/internal/wasmhost"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	res, err := resolver.New(cfg)
	if err != nil {
		t.Fatalf("resolver.New: %v", err)
	}
	reg, err := plugin.New(context.Background(), nil, cfg)
	if err != nil {
		t.Fatalf("plugin.New: %v", err)
	}
	run := runner.New(reg, nil)
	mc := metrics.NewCollector()
	return New(res, reg, run, mc, false, cfg.Server.GlobalRequestMiddleware, cfg.Server.GlobalResponseMiddleware)
}

func TestServeHTTPUnknownDestinationReturns404(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Address = ":0"
	cfg.Server.ForcePathParameter = true

	s := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/posts/42", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServeHTTPFilterShortCircuitSkipsUpstream(t *testing.T) {
	upstreamHit := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	blockName := "block_" + t.Name()
	plugin.RegisterBuiltin(&plugin.BuiltinHandler{
		Name: blockName,
		Request: func(_ context.Context, ec *wasmhost.ExecutionContext, _ *wasmhost.ReqVars) (wasmhost.Decision, error) {
			ec.RespStatus = http.StatusForbidden
			ec.RespStatusOverridden = true
			ec.RespBody = []byte("forbidden")
			return wasmhost.Responded, nil
		},
	})

	finalizeName := "finalize_" + t.Name()
	finalizeRan := false
	plugin.RegisterBuiltin(&plugin.BuiltinHandler{
		Name: finalizeName,
		Response: func(_ context.Context, ec *wasmhost.ExecutionContext, _ *wasmhost.ReqVars) error {
			finalizeRan = true
			ec.RespHeaders.Set("X-Finalized", "true")
			return nil
		},
	})

	cfg := config.DefaultConfig()
	cfg.Server.Address = ":0"
	cfg.Server.ForcePathParameter = true
	cfg.Destinations = map[string]config.Destination{
		"posts": {
			Name:         "posts",
			UpstreamAddr: upstream.URL,
			Filters:      []string{blockName, finalizeName},
		},
	}
	cfg.Plugins = []config.PluginDecl{
		{Builtin: &config.BuiltinDecl{Name: blockName}},
		{Builtin: &config.BuiltinDecl{Name: finalizeName}},
	}

	s := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/posts/anything", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "forbidden" {
		t.Fatalf("expected body %q, got %q", "forbidden", rec.Body.String())
	}
	if upstreamHit {
		t.Fatal("expected upstream not to be called when a request filter responds")
	}
	if !finalizeRan {
		t.Fatal("expected the destination's response filter to still run after a request-phase short-circuit")
	}
	if rec.Header().Get("X-Finalized") != "true" {
		t.Fatal("expected the response filter's header to be applied to the short-circuited response")
	}
}

func TestServeHTTPForwardsAndRunsResponseFilters(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	tagName := "tag_" + t.Name()
	plugin.RegisterBuiltin(&plugin.BuiltinHandler{
		Name: tagName,
		Response: func(_ context.Context, ec *wasmhost.ExecutionContext, _ *wasmhost.ReqVars) error {
			ec.RespHeaders.Set("X-Tagged", "true")
			return nil
		},
	})

	cfg := config.DefaultConfig()
	cfg.Server.Address = ":0"
	cfg.Server.ForcePathParameter = true
	cfg.Destinations = map[string]config.Destination{
		"posts": {
			Name:         "posts",
			UpstreamAddr: upstream.URL,
			Filters:      []string{tagName},
		},
	}
	cfg.Plugins = []config.PluginDecl{
		{Builtin: &config.BuiltinDecl{Name: tagName}},
	}

	s := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/posts/anything", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("expected upstream body, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Fatal("expected upstream response header to be forwarded")
	}
	if rec.Header().Get("X-Tagged") != "true" {
		t.Fatal("expected response filter to add X-Tagged header")
	}
}

func TestServeHTTPRecoversFromPanic(t *testing.T) {
	panicName := "panic_" + t.Name()
	plugin.RegisterBuiltin(&plugin.BuiltinHandler{
		Name: panicName,
		Request: func(_ context.Context, _ *wasmhost.ExecutionContext, _ *wasmhost.ReqVars) (wasmhost.Decision, error) {
			panic("boom")
		},
	})

	cfg := config.DefaultConfig()
	cfg.Server.Address = ":0"
	cfg.Server.ForcePathParameter = true
	cfg.Destinations = map[string]config.Destination{
		"posts": {
			Name:         "posts",
			UpstreamAddr: "http://127.0.0.1:1",
			Filters:      []string{panicName},
		},
	}
	cfg.Plugins = []config.PluginDecl{
		{Builtin: &config.BuiltinDecl{Name: panicName}},
	}

	s := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/posts/anything", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Internal Server Error") {
		t.Fatalf("expected synthetic error body, got %q", rec.Body.String())
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	cases := []struct{ a, b, want string }{
		{"/base/", "/sub", "/base/sub"},
		{"/base", "sub", "/base/sub"},
		{"/base/", "sub", "/base/sub"},
		{"/base", "/sub", "/base/sub"},
	}
	for _, c := range cases {
		if got := singleJoiningSlash(c.a, c.b); got != c.want {
			t.Errorf("singleJoiningSlash(%q,%q) = %q, want %q", c.a, c.b, got, c.want)
		}
	}
}
