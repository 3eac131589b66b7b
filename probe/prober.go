package probe

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peersock/crypto"
	"github.com/opd-ai/peersock/transport"
)

// Default probing constants.
const (
	defaultDeadline           = 5 * time.Second
	defaultRetransmitInterval = 700 * time.Millisecond
	defaultRetransmitJitter   = 250 * time.Millisecond
	defaultMaxTransmits       = 4

	// replayCacheSize bounds the set of consumed pong nonces kept for
	// replay rejection.
	replayCacheSize = 1024
)

// ErrNoCandidates indicates an attempt with an empty candidate set.
var ErrNoCandidates = errors.New("no candidate addresses to probe")

// ErrProbeTimeout indicates all candidates timed out. Routine, never an
// error-level event.
var ErrProbeTimeout = errors.New("probe attempt timed out")

// Sender sends framed datagrams; satisfied by *transport.UDPTransport.
type Sender interface {
	Send(packet *transport.Packet, addr netip.AddrPort) error
}

// Result is a confirmed round trip on a candidate address.
type Result struct {
	Addr netip.AddrPort
	RTT  time.Duration
}

// pendingProbe tracks one in-flight ping transmission awaiting a pong.
type pendingProbe struct {
	node    crypto.NodeID
	addr    netip.AddrPort
	sentAt  time.Time
	expires time.Time
	results chan<- Result
}

// Prober sends probe pings toward candidate addresses and resolves
// attempts when authenticated pongs come back. All candidates of an
// attempt are probed concurrently under a shared deadline; the first
// confirmed round trip wins.
type Prober struct {
	keyPair *crypto.KeyPair
	sender  Sender

	deadline           time.Duration
	retransmitInterval time.Duration
	retransmitJitter   time.Duration
	maxTransmits       int

	pending map[Nonce]*pendingProbe
	seen    *lru.Cache[Nonce, struct{}]
	mu      sync.Mutex
}

// NewProber creates a prober sending via sender as kp.
func NewProber(kp *crypto.KeyPair, sender Sender) (*Prober, error) {
	seen, err := lru.New[Nonce, struct{}](replayCacheSize)
	if err != nil {
		return nil, err
	}

	return &Prober{
		keyPair:            kp,
		sender:             sender,
		deadline:           defaultDeadline,
		retransmitInterval: defaultRetransmitInterval,
		retransmitJitter:   defaultRetransmitJitter,
		maxTransmits:       defaultMaxTransmits,
		pending:            make(map[Nonce]*pendingProbe),
		seen:               seen,
	}, nil
}

// SetTimings overrides probe timing constants. Zero values keep the
// current setting.
func (p *Prober) SetTimings(deadline, retransmitInterval, retransmitJitter time.Duration, maxTransmits int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deadline > 0 {
		p.deadline = deadline
	}
	if retransmitInterval > 0 {
		p.retransmitInterval = retransmitInterval
	}
	if retransmitJitter > 0 {
		p.retransmitJitter = retransmitJitter
	}
	if maxTransmits > 0 {
		p.maxTransmits = maxTransmits
	}
}

// Attempt probes all candidates concurrently and returns the first
// confirmed round trip, or ErrProbeTimeout when the shared deadline
// passes with no pong.
func (p *Prober) Attempt(ctx context.Context, node crypto.NodeID, candidates []netip.AddrPort) (*Result, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	p.mu.Lock()
	deadline := p.deadline
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make(chan Result, len(candidates))
	for _, addr := range candidates {
		go p.probeCandidate(ctx, node, addr, results)
	}

	select {
	case r := <-results:
		return &r, nil
	case <-ctx.Done():
		logrus.WithFields(logrus.Fields{
			"function":   "Attempt",
			"node":       node.ShortString(),
			"candidates": len(candidates),
		}).Debug("Probe attempt timed out")
		return nil, ErrProbeTimeout
	}
}

// HandlePong resolves a pong payload against the pending probes. Pongs
// with unknown, expired, or replayed nonces are dropped, as are pongs
// arriving from an address other than the one probed.
func (p *Prober) HandlePong(data []byte, from netip.AddrPort) (*Message, error) {
	msg, err := ParsePong(data)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, replayed := p.seen.Get(msg.Nonce); replayed {
		p.mu.Unlock()
		return nil, errors.New("replayed probe nonce")
	}

	entry, ok := p.pending[msg.Nonce]
	if !ok {
		p.mu.Unlock()
		return nil, errors.New("unknown probe nonce")
	}

	if entry.node != msg.From {
		p.mu.Unlock()
		return nil, errors.New("pong from unexpected node")
	}
	if entry.addr != from {
		// A confirmed round trip must be on the exact probed address.
		p.mu.Unlock()
		return nil, errors.New("pong from unexpected address")
	}

	delete(p.pending, msg.Nonce)
	p.seen.Add(msg.Nonce, struct{}{})
	rtt := time.Since(entry.sentAt)
	p.mu.Unlock()

	select {
	case entry.results <- Result{Addr: from, RTT: rtt}:
	default:
		// Attempt already resolved by another candidate.
	}
	return msg, nil
}

// probeCandidate transmits pings toward one candidate with jittered
// spacing until a pong resolves the attempt or the context ends.
func (p *Prober) probeCandidate(ctx context.Context, node crypto.NodeID, addr netip.AddrPort, results chan<- Result) {
	p.mu.Lock()
	maxTransmits := p.maxTransmits
	interval := p.retransmitInterval
	jitter := p.retransmitJitter
	deadline := p.deadline
	p.mu.Unlock()

	for i := 0; i < maxTransmits; i++ {
		nonce, err := NewNonce()
		if err != nil {
			return
		}

		p.mu.Lock()
		p.purgeExpiredLocked()
		p.pending[nonce] = &pendingProbe{
			node:    node,
			addr:    addr,
			sentAt:  time.Now(),
			expires: time.Now().Add(deadline),
			results: results,
		}
		p.mu.Unlock()

		packet := &transport.Packet{
			Type: transport.PacketProbePing,
			Data: BuildPing(p.keyPair, nonce),
		}
		if err := p.sender.Send(packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "probeCandidate",
				"addr":     addr.String(),
				"error":    err.Error(),
			}).Debug("Probe send failed")
		}

		spacing := interval + time.Duration(rand.Int63n(int64(jitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(spacing):
		}
	}

	<-ctx.Done()
}

// purgeExpiredLocked removes pending probes past their deadline.
// Caller holds p.mu.
func (p *Prober) purgeExpiredLocked() {
	now := time.Now()
	for nonce, entry := range p.pending {
		if now.After(entry.expires) {
			delete(p.pending, nonce)
		}
	}
}
