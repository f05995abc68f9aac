package config

import (
	"fmt"
	"strings"

	cfgerrors "github.com/cardinalproxy/cardinal/internal/errors"
)

// validate enforces that every filter name referenced by a destination or
// by the global chains is declared as a plugin, plus basic structural
// requirements on the server and destination tables.
func validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return &cfgerrors.ConfigError{Section: "server", Reason: "address is required"}
	}

	known := make(map[string]bool, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		if p.Builtin == nil && p.Wasm == nil {
			return &cfgerrors.ConfigError{Section: "plugins", Reason: fmt.Sprintf("entry %d: must declare builtin or wasm", i)}
		}
		if p.Builtin != nil && p.Wasm != nil {
			return &cfgerrors.ConfigError{Section: "plugins", Reason: fmt.Sprintf("entry %d: cannot declare both builtin and wasm", i)}
		}
		name := ""
		if p.Builtin != nil {
			name = p.Builtin.Name
		} else {
			name = p.Wasm.Name
			if p.Wasm.Path == "" {
				return &cfgerrors.ConfigError{Section: "plugins", Reason: fmt.Sprintf("wasm plugin %q: path is required", name)}
			}
		}
		if name == "" {
			return &cfgerrors.ConfigError{Section: "plugins", Reason: fmt.Sprintf("entry %d: name is required", i)}
		}
		if known[name] {
			return &cfgerrors.ConfigError{Section: "plugins", Reason: fmt.Sprintf("duplicate plugin name %q", name)}
		}
		known[name] = true
	}

	checkNames := func(section string, names []string) error {
		for _, n := range names {
			if !known[n] {
				return &cfgerrors.ConfigError{Section: section, Reason: fmt.Sprintf("filter %q is not declared in [[plugins]]", n)}
			}
		}
		return nil
	}

	if err := checkNames("server.global_request_middleware", cfg.Server.GlobalRequestMiddleware); err != nil {
		return err
	}
	if err := checkNames("server.global_response_middleware", cfg.Server.GlobalResponseMiddleware); err != nil {
		return err
	}

	destNames := make(map[string]string, len(cfg.Destinations))
	for key, dest := range cfg.Destinations {
		if dest.Name == "" {
			return &cfgerrors.ConfigError{Section: "destinations", Reason: fmt.Sprintf("destination %q: name is required", key)}
		}
		if other, dup := destNames[dest.Name]; dup {
			return &cfgerrors.ConfigError{Section: "destinations", Reason: fmt.Sprintf("destinations %q and %q share name %q", other, key, dest.Name)}
		}
		destNames[dest.Name] = key
		if dest.UpstreamAddr == "" {
			return &cfgerrors.ConfigError{Section: "destinations", Reason: fmt.Sprintf("destination %q: url is required", key)}
		}
		if err := checkNames(fmt.Sprintf("destinations.%s.middleware", key), dest.Filters); err != nil {
			return err
		}
		for i, r := range dest.Routes {
			if r.Method == "" || r.PathTemplate == "" {
				return &cfgerrors.ConfigError{Section: "destinations", Reason: fmt.Sprintf("destination %q: route %d must set method and path", key, i)}
			}
			if !strings.HasPrefix(r.PathTemplate, "/") {
				return &cfgerrors.ConfigError{Section: "destinations", Reason: fmt.Sprintf("destination %q: route %d path must start with '/'", key, i)}
			}
		}
	}

	return nil
}
