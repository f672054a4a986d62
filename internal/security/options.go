package security

import (
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
)

// Option configures the rate limiter and the monitors.
type Option func(*options)

type options struct {
	clock  window.Clock
	shards int
}

func buildOptions(opts []Option) options {
	o := options{clock: window.System}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock replaces the wall clock.
func WithClock(clock window.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithShards sets the number of lock shards for per-key state.
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// UnknownAddress replaces empty source addresses and identifiers.
const UnknownAddress = "unknown"

func normalizeAddress(addr string) string {
	if addr == "" {
		return UnknownAddress
	}
	return addr
}
