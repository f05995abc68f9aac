package config

import (
	"fmt"
	"os"

	cfgerrors "github.com/cardinalproxy/cardinal/internal/errors"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/cenkalti/backoff/v4"
)

// Loader reads one or more TOML files in order, applies CARDINAL__ environment
// overrides on top, fills defaults, and validates the result.
type Loader struct{}

// NewLoader returns a ready-to-use Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads each path in order — later files override earlier ones — then
// applies environment overrides and validates. A transient read failure
// (e.g. config on a slow-mounting volume) is retried up to twice before
// giving up.
func (l *Loader) Load(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		var data []byte
		op := func() error {
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			data = b
			return nil
		}
		boff := backoff.NewExponentialBackOff()
		boff.MaxElapsedTime = 0 // no elapsed-time cap; WithMaxRetries below bounds the attempts
		boff.MaxInterval = 0
		if err := backoff.Retry(op, backoff.WithMaxRetries(boff, 2)); err != nil {
			return nil, &cfgerrors.ConfigError{Section: "file", Reason: fmt.Sprintf("reading %s: %v", path, err)}
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, &cfgerrors.ConfigError{Section: "file", Reason: fmt.Sprintf("parsing %s: %v", path, err)}
		}
	}

	applyEnvOverrides(cfg, os.Environ())

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
