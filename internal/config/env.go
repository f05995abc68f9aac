package config

import (
	"reflect"
	"strconv"
	"strings"
)

const envPrefix = "CARDINAL__"

// applyEnvOverrides walks CARDINAL__<SECTION>__<KEY>[__<KEY>...] environment
// variables and applies them on top of cfg, in the order they appear in
// environ. The two sections that
// currently accept overrides are [server] (any scalar or string-list field)
// and [destinations.<name>] (the "url" field, the one operators most often
// need to override per-environment without editing the checked-in file).
func applyEnvOverrides(cfg *Config, environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(name, envPrefix), "__")
		if len(parts) < 2 {
			continue
		}
		section := strings.ToLower(parts[0])
		switch section {
		case "server":
			setByTomlTag(reflect.ValueOf(&cfg.Server).Elem(), strings.ToLower(parts[1]), value)
		case "destinations":
			if len(parts) < 3 {
				continue
			}
			destName, key := parts[1], strings.ToLower(parts[2])
			if d, ok := cfg.Destinations[destName]; ok {
				if key == "url" {
					d.UpstreamAddr = value
					cfg.Destinations[destName] = d
				}
			}
		}
	}
}

// setByTomlTag sets the field of v whose `toml:"..."` tag equals tag, for
// string, bool and []string kinds (the only ServerConfig field kinds).
func setByTomlTag(v reflect.Value, tag, raw string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get("toml") != tag {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Bool:
			if b, err := strconv.ParseBool(raw); err == nil {
				fv.SetBool(b)
			}
		case reflect.Slice:
			if fv.Type().Elem().Kind() == reflect.String {
				items := strings.Split(raw, ",")
				fv.Set(reflect.ValueOf(items))
			}
		}
		return
	}
}
