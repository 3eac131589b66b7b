package peersock

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peersock/crypto"
	"github.com/opd-ai/peersock/discovery"
	"github.com/opd-ai/peersock/probe"
	"github.com/opd-ai/peersock/relay"
	"github.com/opd-ai/peersock/transport"
)

// recvQueueSize bounds buffered inbound packets awaiting ReadFrom.
const recvQueueSize = 128

// inbound is one received payload attributed to its sender.
type inbound struct {
	node    crypto.NodeID
	payload []byte
}

// Socket is an identity-addressed packet socket. It implements
// net.PacketConn with NodeAddr addresses: WriteTo routes each payload
// over the destination's current path, relay or direct, and ReadFrom
// yields payloads regardless of which path carried them.
//
// A single Socket serves any number of peers; per-peer path state is
// created lazily on first contact and discarded after IdleTimeout.
type Socket struct {
	opts    *Options
	keyPair *crypto.KeyPair

	udp       *transport.UDPTransport
	relays    *relay.Client
	prober    *probe.Prober
	discov    *discovery.Aggregator
	monitor   *transport.PathMonitor
	reflexive *discovery.Reflexive

	nodes     map[crypto.NodeID]*nodeState
	addrIndex map[netip.AddrPort]crypto.NodeID
	homeRelay string

	recvCh chan inbound
	// readDeadlineCh is closed and replaced whenever the read deadline
	// changes so blocked ReadFrom calls re-arm their timers.
	readDeadline   time.Time
	readDeadlineCh chan struct{}
	writeDeadline  time.Time
	onPathChange  PathChangeHandler
	closed        bool

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSocket creates a socket for the given identity, binds the UDP
// transport, and starts relay sessions and background maintenance.
func NewSocket(kp *crypto.KeyPair, opts *Options) (*Socket, error) {
	if opts == nil {
		opts = NewOptions()
	}
	opts.normalize()

	udp, err := transport.NewUDPTransport(opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	prober, err := probe.NewProber(kp, udp)
	if err != nil {
		udp.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		opts:           opts,
		keyPair:        kp,
		udp:            udp,
		relays:         relay.NewClient(kp),
		prober:         prober,
		discov:         discovery.NewAggregator(opts.Providers...),
		monitor:        transport.NewPathMonitor(),
		nodes:          make(map[crypto.NodeID]*nodeState),
		addrIndex:      make(map[netip.AddrPort]crypto.NodeID),
		recvCh:         make(chan inbound, recvQueueSize),
		readDeadlineCh: make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}

	if opts.EnableReflexive {
		s.reflexive = discovery.NewReflexive(kp.Public)
	}
	if len(opts.Relays) > 0 {
		s.homeRelay = opts.Relays[0]
	}

	udp.RegisterHandler(transport.PacketData, s.handleData)
	udp.RegisterHandler(transport.PacketProbePing, s.handleProbePing)
	udp.RegisterHandler(transport.PacketProbePong, s.handleProbePong)
	udp.SetRebindHook(s.handleRebind)

	s.relays.SetRecvHandler(s.handleRelayRecv)
	s.relays.SetPeerGoneHandler(s.handlePeerGone)
	for _, url := range opts.Relays {
		s.relays.AddServer(url)
	}

	s.wg.Add(1)
	go s.maintenanceLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewSocket",
		"node":     kp.Public.ShortString(),
		"udp":      udp.LocalAddr().String(),
		"relays":   len(opts.Relays),
	}).Info("Socket started")

	return s, nil
}

// NodeID returns the socket's own identity.
func (s *Socket) NodeID() crypto.NodeID {
	return s.keyPair.Public
}

// UDPAddr returns the bound local UDP address.
func (s *Socket) UDPAddr() netip.AddrPort {
	return s.udp.LocalAddr()
}

// SetPathChangeHandler installs a callback invoked on every path state
// transition. The callback runs on socket goroutines and must return
// quickly.
func (s *Socket) SetPathChangeHandler(handler PathChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPathChange = handler
}

// AddPeer seeds reachability information for a node: its home relay URL
// and zero or more candidate addresses. A relay session to the peer's
// relay is opened if one is not already running.
func (s *Socket) AddPeer(node crypto.NodeID, relayURL string, addrs ...netip.AddrPort) {
	if relayURL != "" {
		s.discov.SetHomeRelay(node, relayURL)
		s.ensureRelaySession(relayURL)
	}
	for _, addr := range addrs {
		s.discov.Observe(node, addr, discovery.SourceProvider)
	}
	s.discov.Refresh(node)
}

// State returns the node's current path state.
func (s *Socket) State(node crypto.NodeID) PathState {
	s.mu.RLock()
	ns, exists := s.nodes[node]
	s.mu.RUnlock()
	if !exists {
		return PathNone
	}
	state, _ := ns.snapshot()
	return state
}

// DirectAddr returns the confirmed direct address for node, if its path
// is currently direct.
func (s *Socket) DirectAddr(node crypto.NodeID) (netip.AddrPort, bool) {
	s.mu.RLock()
	ns, exists := s.nodes[node]
	s.mu.RUnlock()
	if !exists {
		return netip.AddrPort{}, false
	}
	state, addr := ns.snapshot()
	return addr, state == PathDirect
}

// WriteTo implements net.PacketConn. The destination must be a NodeAddr;
// the payload is routed over the node's active path. Writes never block
// on path upgrades: while a direct path is being probed, traffic keeps
// flowing through the relay.
func (s *Socket) WriteTo(p []byte, addr net.Addr) (int, error) {
	na, ok := addr.(NodeAddr)
	if !ok {
		if pna, isPtr := addr.(*NodeAddr); isPtr {
			na = *pna
		} else {
			return 0, &NetError{Op: "write", Err: ErrNotNodeAddr}
		}
	}
	node := na.ID

	if len(p) > MaxPacketSize {
		return 0, opError("write", node, ErrPacketTooLarge)
	}

	s.mu.RLock()
	closed := s.closed
	deadline := s.writeDeadline
	s.mu.RUnlock()
	if closed {
		return 0, opError("write", node, ErrClosed)
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return 0, opError("write", node, os.ErrDeadlineExceeded)
	}

	ns := s.ensureNode(node)

	ns.mu.Lock()
	resolved := false
	var resolvedFrom PathState
	if ns.state == PathNone {
		prev, err := s.resolvePathLocked(ns)
		if err != nil {
			ns.mu.Unlock()
			return 0, opError("write", node, err)
		}
		resolved, resolvedFrom = true, prev
	}
	state := ns.state
	directAddr := ns.directAddr
	relayURL := ns.relayURL
	ns.lastSent = time.Now()
	ns.mu.Unlock()

	if resolved {
		s.firePathChange(node, resolvedFrom, PathRelaying)
	}

	var err error
	switch state {
	case PathDirect:
		err = s.sendDirect(node, directAddr, p)
		if err != nil {
			// The kernel refused the direct send; the relay is still up.
			err = s.sendRelay(node, relayURL, p)
		}
	default:
		err = s.sendRelay(node, relayURL, p)
	}
	if err != nil {
		return 0, opError("write", node, err)
	}
	return len(p), nil
}

// ReadFrom implements net.PacketConn, yielding the next payload and the
// NodeAddr of its sender.
func (s *Socket) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		s.mu.RLock()
		deadline := s.readDeadline
		changed := s.readDeadlineCh
		s.mu.RUnlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(remaining)
			timeout = timer.C
		}

		select {
		case in := <-s.recvCh:
			if timer != nil {
				timer.Stop()
			}
			n := copy(p, in.payload)
			return n, NodeAddr{ID: in.node}, nil
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-changed:
			// Deadline moved while we were blocked; re-arm.
			if timer != nil {
				timer.Stop()
			}
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return 0, nil, ErrClosed
		}
	}
}

// LocalAddr implements net.PacketConn, returning this node's identity
// address.
func (s *Socket) LocalAddr() net.Addr {
	return NodeAddr{ID: s.keyPair.Public}
}

// SetDeadline implements net.PacketConn.
func (s *Socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setReadDeadlineLocked(t)
	s.writeDeadline = t
	return nil
}

// SetReadDeadline implements net.PacketConn. Blocked ReadFrom calls
// pick up the new deadline immediately.
func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setReadDeadlineLocked(t)
	return nil
}

// setReadDeadlineLocked updates the read deadline and wakes blocked
// readers so they re-arm against it. Caller holds s.mu.
func (s *Socket) setReadDeadlineLocked(t time.Time) {
	s.readDeadline = t
	close(s.readDeadlineCh)
	s.readDeadlineCh = make(chan struct{})
}

// SetWriteDeadline implements net.PacketConn.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDeadline = t
	return nil
}

// Rebind re-binds the UDP socket after a network change. Direct paths
// are demoted since their NAT mappings no longer exist.
func (s *Socket) Rebind() error {
	return s.udp.Rebind()
}

// Close shuts the socket down. In-flight ReadFrom calls return
// ErrClosed.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// Stop the packet sources first so no new handler work spawns
	// while we drain the worker goroutines.
	s.relays.Close()
	err := s.udp.Close()
	s.wg.Wait()
	s.discov.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"node":     s.keyPair.Public.ShortString(),
	}).Info("Socket closed")
	return err
}

// ensureNode returns the state record for node, creating it if needed.
func (s *Socket) ensureNode(node crypto.NodeID) *nodeState {
	s.mu.RLock()
	ns, exists := s.nodes[node]
	s.mu.RUnlock()
	if exists {
		return ns
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, exists = s.nodes[node]; exists {
		return ns
	}
	ns = newNodeState(node)
	s.nodes[node] = ns
	return ns
}

// resolvePathLocked establishes the initial path for a node with no
// path yet. Traffic always starts on the relay; direct upgrades happen
// in the background. Caller holds ns.mu and fires the path change after
// unlocking.
func (s *Socket) resolvePathLocked(ns *nodeState) (PathState, error) {
	_, relayURL := s.discov.Lookup(ns.id)
	if relayURL == "" {
		relayURL = s.homeRelay
	}
	if relayURL == "" {
		return PathNone, ErrUnreachable
	}

	s.ensureRelaySession(relayURL)
	ns.relayURL = relayURL
	return ns.transitionLocked(PathRelaying), nil
}

// ensureRelaySession opens a session to url unless one already exists.
func (s *Socket) ensureRelaySession(url string) {
	for _, existing := range s.relays.ServerURLs() {
		if existing == url {
			return
		}
	}
	s.relays.AddServer(url)
}

// sendDirect sends a data packet over the confirmed direct path.
func (s *Socket) sendDirect(node crypto.NodeID, addr netip.AddrPort, p []byte) error {
	packet := &transport.Packet{Type: transport.PacketData, Data: p}
	if err := s.udp.Send(packet, addr); err != nil {
		return err
	}
	s.monitor.RecordSent(directKey(node), len(p))
	return nil
}

// sendRelay sends a data packet through the node's relay.
func (s *Socket) sendRelay(node crypto.NodeID, url string, p []byte) error {
	if url == "" {
		return ErrUnreachable
	}
	packet := &transport.Packet{Type: transport.PacketData, Data: p}
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	if err := s.relays.Send(url, node, data); err != nil {
		return err
	}
	s.monitor.RecordSent(relayKey(url), len(p))
	return nil
}

// handleData processes a data packet arriving on the direct path. Only
// addresses confirmed by a completed probe are attributed to a node;
// datagrams from unknown addresses are dropped.
func (s *Socket) handleData(packet *transport.Packet, addr netip.AddrPort) error {
	s.mu.RLock()
	node, known := s.addrIndex[addr]
	ns := s.nodes[node]
	s.mu.RUnlock()

	if !known || ns == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleData",
			"addr":     addr.String(),
		}).Debug("Dropping datagram from unconfirmed address")
		return nil
	}

	ns.mu.Lock()
	ns.lastReceived = time.Now()
	ns.mu.Unlock()

	s.monitor.RecordReceived(directKey(node), len(packet.Data))
	s.deliver(node, packet.Data)
	return nil
}

// handleProbePing answers an incoming probe and records the sender's
// source address as a high-trust candidate.
func (s *Socket) handleProbePing(packet *transport.Packet, addr netip.AddrPort) error {
	msg, err := probe.ParsePing(packet.Data)
	if err != nil {
		return err
	}

	pong := &transport.Packet{
		Type: transport.PacketProbePong,
		Data: probe.BuildPong(s.keyPair, msg.Nonce),
	}
	if err := s.udp.Send(pong, addr); err != nil {
		return err
	}

	s.discov.Observe(msg.From, addr, discovery.SourceInbound)
	return nil
}

// handleProbePong resolves a pending probe. A valid pong from the
// node's active direct address also counts as liveness.
func (s *Socket) handleProbePong(packet *transport.Packet, addr netip.AddrPort) error {
	msg, err := s.prober.HandlePong(packet.Data, addr)
	if err != nil {
		// Unsolicited or stale pongs are normal during simultaneous
		// probing; they carry no information we can trust.
		logrus.WithFields(logrus.Fields{
			"function": "handleProbePong",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Ignoring pong")
		return nil
	}

	s.discov.Confirm(msg.From, addr)

	s.mu.RLock()
	ns := s.nodes[msg.From]
	s.mu.RUnlock()
	if ns != nil {
		ns.mu.Lock()
		if ns.state == PathDirect && ns.directAddr == addr {
			ns.lastReceived = time.Now()
		}
		ns.mu.Unlock()
		s.monitor.RecordReceived(directKey(msg.From), len(packet.Data))
	}
	return nil
}

// handleRelayRecv demultiplexes payloads arriving through a relay.
func (s *Socket) handleRelayRecv(src crypto.NodeID, payload []byte, via string) {
	packet, err := transport.ParsePacket(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRelayRecv",
			"node":     src.ShortString(),
			"error":    err.Error(),
		}).Debug("Dropping malformed relay payload")
		return
	}

	ns := s.ensureNode(src)
	s.adoptRelayPath(ns, via)
	s.monitor.RecordReceived(relayKey(via), len(payload))

	switch packet.Type {
	case transport.PacketData:
		s.deliver(src, packet.Data)
	case transport.PacketCallMeMaybe:
		s.handleCallMeMaybe(ns, packet.Data, via)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleRelayRecv",
			"node":     src.ShortString(),
			"type":     int(packet.Type),
		}).Debug("Ignoring unexpected packet type from relay")
	}
}

// adoptRelayPath records that src is reachable via the given relay. A
// node we had no path to becomes relay-reachable; an established relay
// choice is left alone.
func (s *Socket) adoptRelayPath(ns *nodeState, via string) {
	ns.mu.Lock()
	ns.lastReceived = time.Now()
	if ns.relayURL == "" {
		ns.relayURL = via
	}
	var prev PathState
	changed := false
	if ns.state == PathNone {
		prev = ns.transitionLocked(PathRelaying)
		changed = true
	}
	ns.mu.Unlock()

	s.discov.SetHomeRelay(ns.id, via)
	if changed {
		s.firePathChange(ns.id, prev, PathRelaying)
	}
}

// handleCallMeMaybe absorbs a peer's signaled candidates and starts
// probing them immediately. The peer is probing us at the same time,
// which is what opens NAT mappings in both directions.
func (s *Socket) handleCallMeMaybe(ns *nodeState, sealed []byte, via string) {
	addrs, err := openCallMeMaybe(s.keyPair, ns.id, sealed)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCallMeMaybe",
			"node":     ns.id.ShortString(),
			"error":    err.Error(),
		}).Debug("Rejecting candidate list")
		return
	}

	for _, addr := range addrs {
		s.discov.Observe(ns.id, addr, discovery.SourceSignaled)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleCallMeMaybe",
		"node":       ns.id.ShortString(),
		"candidates": len(addrs),
	}).Debug("Received candidate list")

	// Signaled probes bypass the cooldown gate: the peer is listening
	// for our probes right now.
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runProbe(ns, false, true)
	}()
}

// handlePeerGone reacts to a relay reporting that a node disconnected.
// A direct path survives; a relay path does not.
func (s *Socket) handlePeerGone(node crypto.NodeID, via string) {
	s.mu.RLock()
	ns := s.nodes[node]
	s.mu.RUnlock()
	if ns == nil {
		return
	}

	ns.mu.Lock()
	if ns.relayURL != via {
		ns.mu.Unlock()
		return
	}
	ns.relayURL = ""
	var prev PathState
	demoted := false
	if ns.state == PathRelaying || ns.state == PathProbing {
		prev = ns.transitionLocked(PathNone)
		demoted = true
	}
	ns.mu.Unlock()

	s.discov.SetHomeRelay(node, "")
	if demoted {
		s.firePathChange(node, prev, PathNone)
	}

	logrus.WithFields(logrus.Fields{
		"function": "handlePeerGone",
		"node":     node.ShortString(),
		"relay":    via,
	}).Debug("Peer left its relay")
}

// deliver queues a payload for ReadFrom, dropping under backpressure.
func (s *Socket) deliver(node crypto.NodeID, payload []byte) {
	data := make([]byte, len(payload))
	copy(data, payload)

	select {
	case s.recvCh <- inbound{node: node, payload: data}:
	case <-s.ctx.Done():
	default:
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"node":     node.ShortString(),
		}).Warn("Receive queue full, dropping packet")
	}
}

// handleRebind demotes every direct path after the UDP socket moved to
// a new binding. The old NAT mappings are gone with the old socket.
func (s *Socket) handleRebind(newAddr netip.AddrPort) {
	logrus.WithFields(logrus.Fields{
		"function": "handleRebind",
		"addr":     newAddr.String(),
	}).Info("UDP socket rebound, demoting direct paths")

	s.mu.RLock()
	nodes := make([]*nodeState, 0, len(s.nodes))
	for _, ns := range s.nodes {
		nodes = append(nodes, ns)
	}
	s.mu.RUnlock()

	for _, ns := range nodes {
		state, _ := ns.snapshot()
		if state == PathDirect {
			s.demoteDirect(ns)
		}
	}
}

// maintenanceLoop drives keepalives, liveness checks, probe scheduling,
// idle expiry, and record publishing.
func (s *Socket) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.ctx.Done():
			return
		}
	}
}

// sweep runs one maintenance pass over all known nodes.
func (s *Socket) sweep() {
	now := time.Now()

	s.mu.RLock()
	nodes := make([]*nodeState, 0, len(s.nodes))
	for _, ns := range s.nodes {
		nodes = append(nodes, ns)
	}
	s.mu.RUnlock()

	for _, ns := range nodes {
		ns.mu.Lock()
		state := ns.state
		idle := now.Sub(ns.lastReceived) > s.opts.IdleTimeout &&
			now.Sub(ns.lastSent) > s.opts.IdleTimeout
		keepaliveDue := state == PathDirect && now.Sub(ns.keepaliveAt) >= s.opts.KeepaliveInterval
		if keepaliveDue {
			ns.keepaliveAt = now
		}
		probeDue := ns.canProbeLocked(now)
		ns.mu.Unlock()

		// Direct-path liveness is judged by traffic on the direct path
		// itself; relay-borne packets must not mask a dead path.
		silent := state == PathDirect &&
			now.Sub(s.monitor.LastReceived(directKey(ns.id))) > s.opts.LivenessWindow

		switch {
		case idle:
			s.forgetNode(ns)
		case silent:
			s.demoteDirect(ns)
		case keepaliveDue:
			s.wg.Add(1)
			go func(ns *nodeState) {
				defer s.wg.Done()
				s.keepalive(ns)
			}(ns)
		case probeDue:
			s.wg.Add(1)
			go func(ns *nodeState) {
				defer s.wg.Done()
				s.runProbe(ns, true, false)
			}(ns)
		}
	}

	s.publishRecord()
}

// keepalive probes the active direct address. A pong refreshes
// liveness through the normal pong path; silence lets the liveness
// sweep demote the path.
func (s *Socket) keepalive(ns *nodeState) {
	state, addr := ns.snapshot()
	if state != PathDirect {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.LivenessWindow)
	defer cancel()

	result, err := s.prober.Attempt(ctx, ns.id, []netip.AddrPort{addr})
	if err != nil {
		return
	}
	s.monitor.RecordRTT(directKey(ns.id), result.RTT)
}

// runProbe executes one upgrade attempt: optionally signal our
// candidates through the relay, then probe the peer's candidates. On
// success the direct path activates; on failure the relay path resumes
// and the cooldown grows.
func (s *Socket) runProbe(ns *nodeState, sendSignal, bypassCooldown bool) {
	now := time.Now()

	ns.mu.Lock()
	if ns.state != PathRelaying {
		ns.mu.Unlock()
		return
	}
	if !bypassCooldown && now.Before(ns.nextProbe) {
		ns.mu.Unlock()
		return
	}
	relayURL := ns.relayURL
	ns.mu.Unlock()

	// Re-query providers on every attempt so candidates discovered
	// after the node was first seen still reach the prober.
	s.discov.Refresh(ns.id)

	candidates, _ := s.discov.Lookup(ns.id)
	addrs := make([]netip.AddrPort, 0, len(candidates))
	for _, c := range candidates {
		addrs = append(addrs, c.Addr)
	}

	if len(addrs) == 0 {
		// Nothing to probe yet. Signal the peer anyway so one behind a
		// friendlier NAT can punch back, and pace the next attempt
		// without leaving the relay path.
		if sendSignal {
			s.signalCandidates(ns.id, relayURL)
		}
		ns.mu.Lock()
		if ns.state == PathRelaying {
			ns.probeFailedLocked(s.opts.ProbeCooldownBase, s.opts.ProbeCooldownMax, time.Now())
		}
		ns.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "runProbe",
			"node":     ns.id.ShortString(),
		}).Debug("No candidates to probe")
		return
	}

	// A previously working address probes first.
	if last, ok := s.monitor.Addr(directKey(ns.id)); ok {
		addrs = frontLoad(addrs, last)
	}

	ns.mu.Lock()
	if ns.state != PathRelaying {
		ns.mu.Unlock()
		return
	}
	prev := ns.transitionLocked(PathProbing)
	attemptID := ns.beginProbeLocked()
	ns.mu.Unlock()
	s.firePathChange(ns.id, prev, PathProbing)

	if sendSignal {
		s.signalCandidates(ns.id, relayURL)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "runProbe",
		"node":       ns.id.ShortString(),
		"attempt":    attemptID.String(),
		"candidates": len(addrs),
	}).Debug("Starting upgrade attempt")

	result, err := s.prober.Attempt(s.ctx, ns.id, addrs)

	ns.mu.Lock()
	if ns.attemptID != attemptID || ns.state != PathProbing {
		// A concurrent transition superseded this attempt.
		ns.mu.Unlock()
		return
	}

	if err != nil {
		ns.probeFailedLocked(s.opts.ProbeCooldownBase, s.opts.ProbeCooldownMax, time.Now())
		prev := ns.transitionLocked(PathRelaying)
		cooldown := ns.cooldown
		ns.mu.Unlock()
		s.firePathChange(ns.id, prev, PathRelaying)

		logrus.WithFields(logrus.Fields{
			"function": "runProbe",
			"node":     ns.id.ShortString(),
			"cooldown": cooldown.String(),
			"error":    err.Error(),
		}).Debug("Upgrade attempt failed")
		return
	}

	ns.probeSucceededLocked(result.Addr, time.Now())
	prev = ns.transitionLocked(PathDirect)
	ns.mu.Unlock()

	s.mu.Lock()
	s.addrIndex[result.Addr] = ns.id
	s.mu.Unlock()

	s.discov.Confirm(ns.id, result.Addr)
	s.monitor.SetAddr(directKey(ns.id), result.Addr)
	s.monitor.RecordRTT(directKey(ns.id), result.RTT)
	s.firePathChange(ns.id, prev, PathDirect)

	logrus.WithFields(logrus.Fields{
		"function": "runProbe",
		"node":     ns.id.ShortString(),
		"addr":     result.Addr.String(),
		"rtt":      result.RTT.String(),
	}).Info("Direct path established")
}

// signalCandidates sends our candidate list to node through its relay.
func (s *Socket) signalCandidates(node crypto.NodeID, relayURL string) {
	if relayURL == "" {
		return
	}

	addrs := s.localCandidates()
	if len(addrs) == 0 {
		return
	}

	sealed, err := sealCallMeMaybe(s.keyPair, node, addrs)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "signalCandidates",
			"node":     node.ShortString(),
			"error":    err.Error(),
		}).Debug("Failed to seal candidate list")
		return
	}

	packet := &transport.Packet{Type: transport.PacketCallMeMaybe, Data: sealed}
	data, err := packet.Serialize()
	if err != nil {
		return
	}
	if err := s.relays.Send(relayURL, node, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "signalCandidates",
			"node":     node.ShortString(),
			"error":    err.Error(),
		}).Debug("Failed to signal candidates")
	}
}

// localCandidates assembles the addresses a peer could reach us on: the
// bound address, or when bound to a wildcard, every usable interface
// address at the bound port, plus the reflexive address when STUN
// discovery is enabled.
func (s *Socket) localCandidates() []netip.AddrPort {
	local := s.udp.LocalAddr()
	var addrs []netip.AddrPort

	if local.Addr().IsUnspecified() {
		ifaceAddrs, err := net.InterfaceAddrs()
		if err == nil {
			for _, ia := range ifaceAddrs {
				prefix, ok := ia.(*net.IPNet)
				if !ok {
					continue
				}
				ip, ok := netip.AddrFromSlice(prefix.IP)
				if !ok {
					continue
				}
				ip = ip.Unmap()
				if ip.IsLinkLocalUnicast() || ip.IsMulticast() {
					continue
				}
				addrs = append(addrs, netip.AddrPortFrom(ip, local.Port()))
			}
		}
	} else {
		addrs = append(addrs, local)
	}

	if s.reflexive != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		reflexAddr, err := s.reflexive.DiscoverAddress(ctx)
		cancel()
		if err == nil {
			addrs = append(addrs, reflexAddr)
		}
	}

	if len(addrs) > maxSignalAddrs {
		addrs = addrs[:maxSignalAddrs]
	}
	return addrs
}

// publishRecord announces our reachability through the discovery
// providers. The aggregator rate-limits the actual fan-out.
func (s *Socket) publishRecord() {
	if len(s.opts.Providers) == 0 {
		return
	}
	s.discov.Publish(discovery.Record{
		Node:  s.keyPair.Public,
		Addrs: s.localCandidates(),
		Relay: s.homeRelay,
	})
}

// demoteDirect drops a direct path back to the relay and schedules the
// next upgrade attempt under the cooldown.
func (s *Socket) demoteDirect(ns *nodeState) {
	ns.mu.Lock()
	if ns.state != PathDirect {
		ns.mu.Unlock()
		return
	}
	oldAddr := ns.directAddr
	ns.directAddr = netip.AddrPort{}
	ns.probeFailedLocked(s.opts.ProbeCooldownBase, s.opts.ProbeCooldownMax, time.Now())

	next := PathRelaying
	if ns.relayURL == "" {
		next = PathNone
	}
	prev := ns.transitionLocked(next)
	ns.mu.Unlock()

	s.mu.Lock()
	delete(s.addrIndex, oldAddr)
	s.mu.Unlock()
	// Path history survives the demotion so the next upgrade attempt
	// tries the last working address first.

	s.firePathChange(ns.id, prev, next)

	logrus.WithFields(logrus.Fields{
		"function": "demoteDirect",
		"node":     ns.id.ShortString(),
		"addr":     oldAddr.String(),
		"to":       next.String(),
	}).Info("Direct path lost")
}

// forgetNode discards all path state for an idle node. Discovery
// candidates survive for the next session.
func (s *Socket) forgetNode(ns *nodeState) {
	ns.mu.Lock()
	addr := ns.directAddr
	ns.mu.Unlock()

	s.mu.Lock()
	delete(s.nodes, ns.id)
	if addr.IsValid() {
		delete(s.addrIndex, addr)
	}
	s.mu.Unlock()
	s.monitor.Forget(directKey(ns.id))

	logrus.WithFields(logrus.Fields{
		"function": "forgetNode",
		"node":     ns.id.ShortString(),
	}).Debug("Expired idle node")
}

// firePathChange invokes the path change handler if one is installed.
func (s *Socket) firePathChange(node crypto.NodeID, from, to PathState) {
	if from == to {
		return
	}
	s.mu.RLock()
	handler := s.onPathChange
	s.mu.RUnlock()
	if handler != nil {
		handler(node, from, to)
	}
}

func directKey(node crypto.NodeID) string {
	return "direct:" + node.ShortString()
}

func relayKey(url string) string {
	return "relay:" + url
}

// frontLoad moves addr to the front of addrs if present, preserving the
// relative order of the rest.
func frontLoad(addrs []netip.AddrPort, addr netip.AddrPort) []netip.AddrPort {
	for i := range addrs {
		if addrs[i] == addr {
			copy(addrs[1:i+1], addrs[:i])
			addrs[0] = addr
			break
		}
	}
	return addrs
}
