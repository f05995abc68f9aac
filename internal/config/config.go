// Package config defines Cardinal's configuration data model and the TOML
// loader that turns a set of files plus environment overrides into a
// validated, immutable *Config.
package config

// Config is the fully resolved, immutable configuration for one Cardinal
// process.
type Config struct {
	Server       ServerConfig           `toml:"server"`
	Destinations map[string]Destination `toml:"destinations"`
	Plugins      []PluginDecl           `toml:"plugins"`
}

// ServerConfig holds the listener-facing options the proxy host reads.
type ServerConfig struct {
	Address                  string   `toml:"address"`
	ForcePathParameter        bool     `toml:"force_path_parameter"`
	LogUpstreamResponse       bool     `toml:"log_upstream_response"`
	GlobalRequestMiddleware   []string `toml:"global_request_middleware"`
	GlobalResponseMiddleware  []string `toml:"global_response_middleware"`
}

// Destination groups an upstream, its optional route table, and the
// filter chain applied to requests selected for it.
type Destination struct {
	Name         string   `toml:"name"`
	UpstreamAddr string   `toml:"url"`
	Routes       []Route  `toml:"routes"`
	Filters      []string `toml:"middleware"`
}

// Route is one method + typed path template pair. PathTemplate supports
// httprouter-style ":name" and "*name" segments.
type Route struct {
	Method       string `toml:"method"`
	PathTemplate string `toml:"path"`
}

// PluginDecl is one [[plugins]] table: exactly one of Builtin or Wasm is set.
type PluginDecl struct {
	Builtin *BuiltinDecl `toml:"builtin"`
	Wasm    *WasmDecl    `toml:"wasm"`
}

// BuiltinDecl names a native filter already registered in the process.
type BuiltinDecl struct {
	Name string `toml:"name"`
}

// WasmDecl names a guest module and the filesystem path it is loaded from.
type WasmDecl struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// DefaultConfig returns the zero-value configuration with documented
// defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ForcePathParameter:       false,
			LogUpstreamResponse:      false,
			GlobalRequestMiddleware:  []string{},
			GlobalResponseMiddleware: []string{},
		},
		Destinations: map[string]Destination{},
	}
}
