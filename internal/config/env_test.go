package config

import "testing"

func TestApplyEnvOverridesSetsServerField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Address = ":8080"

	applyEnvOverrides(cfg, []string{"CARDINAL__SERVER__ADDRESS=:9090"})

	if cfg.Server.Address != ":9090" {
		t.Errorf("expected address override to apply, got %q", cfg.Server.Address)
	}
}

func TestApplyEnvOverridesSetsBoolField(t *testing.T) {
	cfg := DefaultConfig()

	applyEnvOverrides(cfg, []string{"CARDINAL__SERVER__FORCE_PATH_PARAMETER=true"})

	if !cfg.Server.ForcePathParameter {
		t.Error("expected force_path_parameter to be set to true")
	}
}

func TestApplyEnvOverridesSetsStringListField(t *testing.T) {
	cfg := DefaultConfig()

	applyEnvOverrides(cfg, []string{"CARDINAL__SERVER__GLOBAL_REQUEST_MIDDLEWARE=request_id,auth"})

	want := []string{"request_id", "auth"}
	got := cfg.Server.GlobalRequestMiddleware
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestApplyEnvOverridesSetsDestinationURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Destinations["posts"] = Destination{Name: "posts", UpstreamAddr: "http://old:9000"}

	applyEnvOverrides(cfg, []string{"CARDINAL__DESTINATIONS__posts__URL=http://new:9000"})

	if got := cfg.Destinations["posts"].UpstreamAddr; got != "http://new:9000" {
		t.Errorf("expected overridden upstream, got %q", got)
	}
}

func TestApplyEnvOverridesIgnoresUnprefixedVars(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Address = ":8080"

	applyEnvOverrides(cfg, []string{"PATH=/usr/bin", "HOME=/root"})

	if cfg.Server.Address != ":8080" {
		t.Errorf("expected address to be untouched, got %q", cfg.Server.Address)
	}
}
