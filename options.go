package peersock

import (
	"time"

	"github.com/opd-ai/peersock/discovery"
	"github.com/opd-ai/peersock/relay"
)

// Default timing constants for the path state machine.
const (
	// DefaultKeepaliveInterval paces keepalive probes on active direct
	// paths.
	DefaultKeepaliveInterval = 2 * time.Second

	// DefaultLivenessWindow is how long a direct path may stay silent
	// before traffic falls back to the relay.
	DefaultLivenessWindow = 5 * time.Second

	// DefaultProbeCooldownBase is the wait after the first failed
	// upgrade attempt. Each further failure doubles it.
	DefaultProbeCooldownBase = 2 * time.Second

	// DefaultProbeCooldownMax caps the doubling.
	DefaultProbeCooldownMax = 60 * time.Second

	// DefaultIdleTimeout is how long a node may stay completely silent
	// before its path state is discarded.
	DefaultIdleTimeout = 5 * time.Minute

	defaultMaintenanceInterval = 500 * time.Millisecond
)

// MaxPacketSize is the largest payload WriteTo accepts. It is bounded
// by what a relay frame can carry after encryption overhead.
const MaxPacketSize = relay.MaxPayloadSize - 1

// Options configures a Socket. The zero value is not usable; start from
// NewOptions and override what you need.
type Options struct {
	// ListenAddr is the local UDP listen address, "host:port" form.
	// Port 0 picks an ephemeral port.
	ListenAddr string

	// Relays are the relay server URLs to maintain sessions with. The
	// first entry is the home relay announced to peers.
	Relays []string

	// Providers are the discovery backends consulted for peer
	// candidates and used to publish our own reachability.
	Providers []discovery.Provider

	// EnableReflexive controls STUN discovery of our public address.
	// When set, the reflexive address is included in signaled and
	// published candidate lists.
	EnableReflexive bool

	// KeepaliveInterval paces keepalives on direct paths.
	KeepaliveInterval time.Duration

	// LivenessWindow is the direct-path silence budget before falling
	// back to the relay.
	LivenessWindow time.Duration

	// ProbeCooldownBase and ProbeCooldownMax bound the exponential
	// backoff between failed upgrade attempts for one node.
	ProbeCooldownBase time.Duration
	ProbeCooldownMax  time.Duration

	// IdleTimeout is how long a node may stay silent before its state
	// is discarded.
	IdleTimeout time.Duration

	// MaintenanceInterval paces the background sweep that drives
	// keepalives, liveness checks, and probe scheduling.
	MaintenanceInterval time.Duration
}

// NewOptions returns Options with production defaults.
func NewOptions() *Options {
	return &Options{
		ListenAddr:          ":0",
		KeepaliveInterval:   DefaultKeepaliveInterval,
		LivenessWindow:      DefaultLivenessWindow,
		ProbeCooldownBase:   DefaultProbeCooldownBase,
		ProbeCooldownMax:    DefaultProbeCooldownMax,
		IdleTimeout:         DefaultIdleTimeout,
		MaintenanceInterval: defaultMaintenanceInterval,
	}
}

// normalize fills zero fields with defaults.
func (o *Options) normalize() {
	def := NewOptions()
	if o.ListenAddr == "" {
		o.ListenAddr = def.ListenAddr
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = def.KeepaliveInterval
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = def.LivenessWindow
	}
	if o.ProbeCooldownBase <= 0 {
		o.ProbeCooldownBase = def.ProbeCooldownBase
	}
	if o.ProbeCooldownMax < o.ProbeCooldownBase {
		o.ProbeCooldownMax = def.ProbeCooldownMax
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = def.MaintenanceInterval
	}
}
