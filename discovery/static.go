package discovery

import (
	"context"
	"net/netip"
	"sync"

	"github.com/opd-ai/peersock/crypto"
)

// Static is a discovery provider backed by a fixed, manually maintained
// table. Useful for bootstrap peers and tests.
type Static struct {
	records map[crypto.NodeID]Record
	mu      sync.RWMutex
}

// NewStatic creates an empty static provider.
func NewStatic() *Static {
	return &Static{records: make(map[crypto.NodeID]Record)}
}

// Add registers reachability information for a node, replacing any
// previous entry.
func (s *Static) Add(node crypto.NodeID, relay string, addrs ...netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[node] = Record{Node: node, Addrs: addrs, Relay: relay}
}

// Remove drops the entry for node.
func (s *Static) Remove(node crypto.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, node)
}

// Name implements Provider.
func (s *Static) Name() string {
	return "static"
}

// Lookup implements Provider.
func (s *Static) Lookup(ctx context.Context, node crypto.NodeID) ([]Hint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[node]
	if !exists {
		return nil, nil
	}

	hints := make([]Hint, 0, len(rec.Addrs)+1)
	for _, addr := range rec.Addrs {
		hints = append(hints, Hint{Addr: addr})
	}
	if rec.Relay != "" {
		hints = append(hints, Hint{Relay: rec.Relay})
	}
	return hints, nil
}

// Publish implements Provider by storing our own record in the table,
// where in-process peers sharing the provider can find it.
func (s *Static) Publish(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Node] = rec
	return nil
}
