package discovery

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peersock/crypto"
)

// Default aggregator timing constants.
const (
	defaultCandidateExpiry = 10 * time.Minute
	defaultLookupTimeout   = 5 * time.Second
	defaultPublishInterval = 10 * time.Second
)

// Candidate is one address believed reachable for a node, ranked by
// confirmation recency, trust, and freshness.
type Candidate struct {
	Addr          netip.AddrPort
	Source        Source
	FirstSeen     time.Time
	LastSeen      time.Time
	LastConfirmed time.Time
}

// nodeRecord holds the aggregator's view of one node.
type nodeRecord struct {
	candidates map[netip.AddrPort]*Candidate
	homeRelay  string
}

// Aggregator merges reachability hints from providers, relay signaling,
// and inbound traffic into per-node candidate sets. All of its query
// methods are synchronous and never touch the network; provider results
// arrive through background lookups feeding Observe.
type Aggregator struct {
	providers []Provider
	nodes     map[crypto.NodeID]*nodeRecord

	candidateExpiry time.Duration
	lookupTimeout   time.Duration
	publishInterval time.Duration
	lastPublish     time.Time

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an aggregator over the given providers.
func NewAggregator(providers ...Provider) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		providers:       providers,
		nodes:           make(map[crypto.NodeID]*nodeRecord),
		candidateExpiry: defaultCandidateExpiry,
		lookupTimeout:   defaultLookupTimeout,
		publishInterval: defaultPublishInterval,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetCandidateExpiry overrides the window after which an unconfirmed,
// unseen candidate is dropped.
func (a *Aggregator) SetCandidateExpiry(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d > 0 {
		a.candidateExpiry = d
	}
}

// Observe records an address hint for node. Re-observing a known
// address refreshes its last-seen timestamp and upgrades its source if
// the new one carries more trust.
func (a *Aggregator) Observe(node crypto.NodeID, addr netip.AddrPort, source Source) {
	if !addr.IsValid() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.ensureLocked(node)
	now := time.Now()

	if c, exists := rec.candidates[addr]; exists {
		c.LastSeen = now
		if source.TrustWeight() > c.Source.TrustWeight() {
			c.Source = source
		}
		return
	}

	rec.candidates[addr] = &Candidate{
		Addr:      addr,
		Source:    source,
		FirstSeen: now,
		LastSeen:  now,
	}

	logrus.WithFields(logrus.Fields{
		"function": "Observe",
		"node":     node.ShortString(),
		"addr":     addr.String(),
		"source":   source.String(),
	}).Debug("New candidate address")
}

// Confirm records a completed round trip on the candidate, making it
// eligible for promotion to the active path.
func (a *Aggregator) Confirm(node crypto.NodeID, addr netip.AddrPort) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.ensureLocked(node)
	now := time.Now()

	c, exists := rec.candidates[addr]
	if !exists {
		c = &Candidate{Addr: addr, Source: SourceInbound, FirstSeen: now}
		rec.candidates[addr] = c
	}
	c.LastSeen = now
	c.LastConfirmed = now
}

// SetHomeRelay records the relay URL node is registered with. An empty
// URL clears it.
func (a *Aggregator) SetHomeRelay(node crypto.NodeID, relay string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ensureLocked(node).homeRelay = relay
}

// Lookup returns the node's current candidates, best first, and its
// home relay URL. Expired candidates are pruned on the way out.
func (a *Aggregator) Lookup(node crypto.NodeID) ([]Candidate, string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, exists := a.nodes[node]
	if !exists {
		return nil, ""
	}

	now := time.Now()
	out := make([]Candidate, 0, len(rec.candidates))
	for addr, c := range rec.candidates {
		if now.Sub(c.LastSeen) > a.candidateExpiry && now.Sub(c.LastConfirmed) > a.candidateExpiry {
			delete(rec.candidates, addr)
			continue
		}
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool {
		return candidateLess(&out[j], &out[i])
	})
	return out, rec.homeRelay
}

// Forget drops all discovery state for node.
func (a *Aggregator) Forget(node crypto.NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.nodes, node)
}

// Refresh asks every provider for hints about node in the background.
// Results land in the candidate set; callers poll Lookup.
func (a *Aggregator) Refresh(node crypto.NodeID) {
	a.mu.RLock()
	providers := a.providers
	a.mu.RUnlock()

	for _, p := range providers {
		a.wg.Add(1)
		go func(p Provider) {
			defer a.wg.Done()

			ctx, cancel := context.WithTimeout(a.ctx, a.lookupTimeout)
			defer cancel()

			hints, err := p.Lookup(ctx, node)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Refresh",
					"provider": p.Name(),
					"node":     node.ShortString(),
					"error":    err.Error(),
				}).Debug("Provider lookup failed")
				return
			}
			a.absorb(node, hints)
		}(p)
	}
}

// Publish announces rec through every provider, rate-limited so bursty
// callers do not hammer the backends.
func (a *Aggregator) Publish(rec Record) {
	a.mu.Lock()
	if time.Since(a.lastPublish) < a.publishInterval {
		a.mu.Unlock()
		return
	}
	a.lastPublish = time.Now()
	providers := a.providers
	a.mu.Unlock()

	for _, p := range providers {
		a.wg.Add(1)
		go func(p Provider) {
			defer a.wg.Done()

			ctx, cancel := context.WithTimeout(a.ctx, a.lookupTimeout)
			defer cancel()

			if err := p.Publish(ctx, rec); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Publish",
					"provider": p.Name(),
					"error":    err.Error(),
				}).Debug("Provider publish failed")
			}
		}(p)
	}
}

// Close stops background lookups and waits for them to finish.
func (a *Aggregator) Close() {
	a.cancel()
	a.wg.Wait()
}

// absorb folds provider hints into the candidate set.
func (a *Aggregator) absorb(node crypto.NodeID, hints []Hint) {
	for _, h := range hints {
		if h.Addr.IsValid() {
			a.Observe(node, h.Addr, SourceProvider)
		}
		if h.Relay != "" {
			a.mu.Lock()
			rec := a.ensureLocked(node)
			if rec.homeRelay == "" {
				rec.homeRelay = h.Relay
			}
			a.mu.Unlock()
		}
	}
}

// ensureLocked returns the record for node, creating it if needed.
// Caller holds a.mu.
func (a *Aggregator) ensureLocked(node crypto.NodeID) *nodeRecord {
	rec, exists := a.nodes[node]
	if !exists {
		rec = &nodeRecord{candidates: make(map[netip.AddrPort]*Candidate)}
		a.nodes[node] = rec
	}
	return rec
}

// candidateLess orders candidates worst-first: unconfirmed before
// confirmed, then lower trust, then staler, with IPv4 yielding to IPv6
// as the final tie-break.
func candidateLess(x, y *Candidate) bool {
	if !x.LastConfirmed.Equal(y.LastConfirmed) {
		return x.LastConfirmed.Before(y.LastConfirmed)
	}
	xw, yw := x.Source.TrustWeight(), y.Source.TrustWeight()
	if xw != yw {
		return xw < yw
	}
	if !x.LastSeen.Equal(y.LastSeen) {
		return x.LastSeen.Before(y.LastSeen)
	}
	return x.Addr.Addr().Is4() && y.Addr.Addr().Is6()
}
