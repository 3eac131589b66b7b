// Package discovery implements candidate address discovery for
// peersock. An Aggregator merges hints from pluggable providers,
// relay-signaled candidate lists, and observed inbound source addresses
// into a per-node candidate set the path state machine probes from.
package discovery

import (
	"context"
	"net/netip"

	"github.com/opd-ai/peersock/crypto"
)

// Source tags where a candidate address was learned from. Trust weights
// break ranking ties between otherwise equally fresh candidates.
type Source uint8

const (
	// SourceProvider marks hints from an external discovery provider.
	SourceProvider Source = iota + 1
	// SourceSignaled marks addresses from a peer's call-me-maybe list.
	SourceSignaled
	// SourceInbound marks addresses observed on inbound datagrams.
	SourceInbound
	// SourcePriorSession marks addresses remembered from an earlier
	// session with the node.
	SourcePriorSession
)

// TrustWeight returns the ranking weight for the source.
func (s Source) TrustWeight() float64 {
	switch s {
	case SourceInbound:
		return 1.0
	case SourceSignaled:
		return 0.9
	case SourcePriorSession:
		return 0.6
	case SourceProvider:
		return 0.5
	default:
		return 0.1
	}
}

// String returns the source tag name.
func (s Source) String() string {
	switch s {
	case SourceProvider:
		return "provider"
	case SourceSignaled:
		return "signaled"
	case SourceInbound:
		return "inbound"
	case SourcePriorSession:
		return "prior-session"
	default:
		return "unknown"
	}
}

// Hint is one piece of reachability information about a node: a
// candidate address, a relay URL, or both.
type Hint struct {
	Addr  netip.AddrPort
	Relay string
}

// Record describes a node's self-announced reachability.
type Record struct {
	Node  crypto.NodeID
	Addrs []netip.AddrPort
	Relay string
}

// Provider is one discovery backend. Implementations must tolerate
// being called concurrently and should fail fast rather than block;
// the aggregator treats all providers uniformly and tolerates any
// subset being unavailable.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// Lookup returns current reachability hints for node. An empty
	// result with nil error simply means the provider knows nothing.
	Lookup(ctx context.Context, node crypto.NodeID) ([]Hint, error)

	// Publish announces our own reachability through this provider.
	Publish(ctx context.Context, rec Record) error
}
