package tiercache

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	// DefaultTTL is applied when a Config leaves TTL unset.
	DefaultTTL = 300 * time.Second

	// DefaultStaleWhileRevalidate is applied when a Config leaves StaleWhileRevalidate unset.
	DefaultStaleWhileRevalidate = 60 * time.Second
)

// ErrInvalidConfig is returned when a Config carries out-of-range values.
var ErrInvalidConfig = errors.New("invalid cache config")

// Config controls how a single entry is written.
type Config struct {
	// TTL is how long the entry stays logically present. Zero means DefaultTTL.
	TTL time.Duration

	// StaleWhileRevalidate is advisory: it tells callers how long past expiry a
	// value may still be served while they refresh it. The cache never refreshes
	// on its own. Zero means DefaultStaleWhileRevalidate.
	StaleWhileRevalidate time.Duration

	// Tags label the entry for group invalidation.
	Tags []string

	// Compress enables zstd compression of large payloads.
	Compress bool
}

// DefaultConfig returns the config used when a caller supplies none.
func DefaultConfig() Config {
	return Config{
		TTL:                  DefaultTTL,
		StaleWhileRevalidate: DefaultStaleWhileRevalidate,
	}
}

// Validate rejects negative durations and empty tags.
func (c Config) Validate() error {
	if c.TTL < 0 {
		return fmt.Errorf("%w: negative ttl %s", ErrInvalidConfig, c.TTL)
	}
	if c.StaleWhileRevalidate < 0 {
		return fmt.Errorf("%w: negative stale-while-revalidate %s", ErrInvalidConfig, c.StaleWhileRevalidate)
	}
	if slices.Contains(c.Tags, "") {
		return fmt.Errorf("%w: empty tag", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults fills unset fields and de-duplicates tags.
func (c Config) WithDefaults() Config {
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.StaleWhileRevalidate == 0 {
		c.StaleWhileRevalidate = DefaultStaleWhileRevalidate
	}
	c.Tags = normalizeTags(c.Tags)
	return c
}

// ResolveConfig picks the first optional config, or the default, and fills defaults.
func ResolveConfig(cfgs ...Config) (Config, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg.WithDefaults(), nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}
