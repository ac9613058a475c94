// Package config loads the server configuration from an optional YAML
// file, falling back to defaults for anything unset.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// DataDir is the root under which the store is laid out.
	DataDir string `yaml:"data_dir"`
	// AcquireTimeout bounds waiting for a per-entity lock.
	AcquireTimeout Duration `yaml:"acquire_timeout"`
	// ExecTimeout bounds one critical section under a per-entity lock.
	ExecTimeout Duration `yaml:"exec_timeout"`
	// IndexTTL is how long listings are served from cache.
	IndexTTL Duration `yaml:"index_ttl"`
	// History enables git commits of the store after each mutation.
	History bool `yaml:"history"`
	// Watch invalidates the listing cache when document files change on
	// disk outside the process.
	Watch bool `yaml:"watch"`
	// RateLimit is the sustained request rate allowed per client IP.
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the burst allowance per client IP.
	RateBurst int `yaml:"rate_burst"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Addr:           "localhost:8787",
		DataDir:        ".",
		AcquireTimeout: Duration(30 * time.Second),
		ExecTimeout:    Duration(60 * time.Second),
		IndexTTL:       Duration(5 * time.Second),
		History:        true,
		RateLimit:      20,
		RateBurst:      40,
	}
}

// Load reads path over the defaults. A missing file is not an error; a
// present but malformed one is.
func Load(path string) (*Config, error) {
	c := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return c, nil
}
