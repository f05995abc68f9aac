package resolver

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cardinalproxy/cardinal/internal/config"
)

func TestSelectForcePathParameterStripsSegment(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{ForcePathParameter: true},
		Destinations: map[string]config.Destination{
			"posts": {Name: "posts", UpstreamAddr: "127.0.0.1:9001"},
		},
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/posts/42", nil)
	result, err := r.Select(req)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if result.Destination.Name != "posts" {
		t.Fatalf("got destination %q, want posts", result.Destination.Name)
	}
	if result.ForwardPath != "/42" {
		t.Fatalf("got forward path %q, want /42", result.ForwardPath)
	}
}

func TestSelectHostSubdomain(t *testing.T) {
	cfg := &config.Config{
		Destinations: map[string]config.Destination{
			"api": {Name: "api", UpstreamAddr: "127.0.0.1:9002"},
		},
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.Host = "api.example.com:8080"
	result, err := r.Select(req)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if result.Destination.Name != "api" {
		t.Fatalf("got destination %q, want api", result.Destination.Name)
	}
	if result.ForwardPath != "/widgets" {
		t.Fatalf("got forward path %q, want unchanged /widgets", result.ForwardPath)
	}
}

func TestSelectUnknownDestination(t *testing.T) {
	cfg := &config.Config{Destinations: map[string]config.Destination{}}
	r, _ := New(cfg)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "ghost.example.com"
	_, err := r.Select(req)

	var nb *NoBackendError
	if !errors.As(err, &nb) || nb.Reason != UnknownDestination {
		t.Fatalf("got %v, want NoBackendError{UnknownDestination}", err)
	}
}

func TestSelectRouteMatchExtractsPathParams(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{ForcePathParameter: true},
		Destinations: map[string]config.Destination{
			"posts": {
				Name:         "posts",
				UpstreamAddr: "127.0.0.1:9001",
				Routes:       []config.Route{{Method: "GET", PathTemplate: "/:id"}},
			},
		},
	}
	r, _ := New(cfg)

	req := httptest.NewRequest(http.MethodGet, "/posts/42", nil)
	result, err := r.Select(req)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got := result.PathParams["path.id"]; got != "42" {
		t.Fatalf("path.id = %q, want 42", got)
	}
}

func TestSelectRouteMismatch(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{ForcePathParameter: true},
		Destinations: map[string]config.Destination{
			"posts": {
				Name:         "posts",
				UpstreamAddr: "127.0.0.1:9001",
				Routes:       []config.Route{{Method: "GET", PathTemplate: "/:id"}},
			},
		},
	}
	r, _ := New(cfg)

	req := httptest.NewRequest(http.MethodPost, "/posts/42", nil)
	_, err := r.Select(req)

	var nb *NoBackendError
	if !errors.As(err, &nb) || nb.Reason != RouteMismatch {
		t.Fatalf("got %v, want NoBackendError{RouteMismatch}", err)
	}
}
