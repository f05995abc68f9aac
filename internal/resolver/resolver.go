// Package resolver implements Cardinal's Destination Resolver: it maps
// an incoming request to a backend and its
// middleware chain, either by a forced first path segment or by the
// leftmost Host subdomain, then matches the remaining path against the
// destination's routes.
//
// Per-destination route matching reuses httprouter's own radix tree, which
// lets a path match at most one template. Templates that overlap (for
// example a literal and a parameter in the same segment, or the same
// method and template twice) are rejected by New with an error; no
// priority order between overlapping templates exists.
package resolver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cardinalproxy/cardinal/internal/config"
	"github.com/julienschmidt/httprouter"
)

// Reason distinguishes the two ways Select can fail to find a backend.
type Reason int

const (
	// UnknownDestination means no destination matched the derived name.
	UnknownDestination Reason = iota
	// RouteMismatch means the destination matched but declares routes and
	// none of them matched this method+path.
	RouteMismatch
)

func (r Reason) String() string {
	if r == UnknownDestination {
		return "unknown_destination"
	}
	return "route_mismatch"
}

// NoBackendError is returned by Select when no backend could be chosen.
// StatusHint is always 404.
type NoBackendError struct {
	Reason     Reason
	StatusHint int
}

func (e *NoBackendError) Error() string {
	return fmt.Sprintf("resolver: no backend (%s)", e.Reason)
}

// Result is a successful destination selection.
type Result struct {
	Destination config.Destination
	// ForwardPath is the path to send upstream, after any
	// force_path_parameter stripping.
	ForwardPath string
	// PathParams holds typed route parameters, already prefixed with
	// "path." (e.g. "path.id").
	PathParams map[string]string
}

type destEntry struct {
	dest   config.Destination
	router *httprouter.Router // nil when the destination declares no routes
}

// Resolver is built once from config at startup and is safe for concurrent
// use by many requests.
type Resolver struct {
	forcePathParameter bool
	byName             map[string]*destEntry
}

// New builds a Resolver from cfg. Route templates are registered into a
// per-destination httprouter.Router so param extraction comes from
// httprouter itself. httprouter panics on a template that overlaps one
// already registered; New turns that into a returned error.
func New(cfg *config.Config) (*Resolver, error) {
	r := &Resolver{
		forcePathParameter: cfg.Server.ForcePathParameter,
		byName:             make(map[string]*destEntry, len(cfg.Destinations)),
	}

	for key, dest := range cfg.Destinations {
		entry := &destEntry{dest: dest}
		if len(dest.Routes) > 0 {
			router := httprouter.New()
			for _, rt := range dest.Routes {
				method := strings.ToUpper(rt.Method)
				var conflict any
				func() {
					defer func() { conflict = recover() }()
					router.Handle(method, rt.PathTemplate, noopHandle)
				}()
				if conflict != nil {
					return nil, fmt.Errorf("resolver: destination %q: route %s %s: %v", key, method, rt.PathTemplate, conflict)
				}
			}
			entry.router = router
		}
		name := dest.Name
		if name == "" {
			name = key
		}
		r.byName[name] = entry
	}

	return r, nil
}

func noopHandle(http.ResponseWriter, *http.Request, httprouter.Params) {}

// Select resolves req to a destination and, if the destination declares
// routes, matches the remaining path against them.
func (r *Resolver) Select(req *http.Request) (*Result, error) {
	var name, forwardPath string

	if r.forcePathParameter {
		name, forwardPath = splitFirstSegment(req.URL.Path)
	} else {
		name = leftmostSubdomain(req.Host)
		forwardPath = req.URL.Path
	}

	entry, ok := r.byName[name]
	if !ok {
		return nil, &NoBackendError{Reason: UnknownDestination, StatusHint: http.StatusNotFound}
	}

	result := &Result{Destination: entry.dest, ForwardPath: forwardPath, PathParams: map[string]string{}}

	if entry.router == nil {
		return result, nil
	}

	handle, params, _ := entry.router.Lookup(req.Method, forwardPath)
	if handle == nil {
		return nil, &NoBackendError{Reason: RouteMismatch, StatusHint: http.StatusNotFound}
	}
	for _, p := range params {
		result.PathParams["path."+p.Key] = p.Value
	}
	return result, nil
}

// splitFirstSegment peels the first "/seg" off path, returning seg and the
// remainder (always starting with "/"). "/posts/42" -> ("posts", "/42").
func splitFirstSegment(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, "/"
	}
	return trimmed[:idx], trimmed[idx:]
}

// leftmostSubdomain returns the first label of host, ignoring any port.
func leftmostSubdomain(host string) string {
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		return host[:idx]
	}
	return host
}
