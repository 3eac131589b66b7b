package peersock

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peersock/crypto"
)

// PathState describes how traffic to a node currently flows.
type PathState uint8

const (
	// PathNone means no way to reach the node is known yet.
	PathNone PathState = iota
	// PathRelaying means traffic flows through the node's relay.
	PathRelaying
	// PathProbing means traffic still flows through the relay while a
	// hole punch attempt runs in the background.
	PathProbing
	// PathDirect means a confirmed direct UDP path is active.
	PathDirect
)

// String returns the state name.
func (s PathState) String() string {
	switch s {
	case PathNone:
		return "none"
	case PathRelaying:
		return "relaying"
	case PathProbing:
		return "probing"
	case PathDirect:
		return "direct"
	default:
		return "invalid"
	}
}

// PathChangeHandler is invoked when a node's path state changes. It is
// called from socket goroutines and must not block.
type PathChangeHandler func(node crypto.NodeID, from, to PathState)

// nodeState tracks the path state machine for one peer. The embedded
// mutex guards everything except id, which is immutable.
type nodeState struct {
	id crypto.NodeID

	state      PathState
	relayURL   string
	directAddr netip.AddrPort

	// Upgrade scheduling. cooldown doubles on each failed attempt and
	// resets when one succeeds; nextProbe gates new attempts.
	cooldown  time.Duration
	nextProbe time.Time
	attemptID uuid.UUID

	lastSent     time.Time
	lastReceived time.Time
	keepaliveAt  time.Time

	mu sync.Mutex
}

func newNodeState(id crypto.NodeID) *nodeState {
	return &nodeState{
		id:           id,
		state:        PathNone,
		lastReceived: time.Now(),
	}
}

// transitionLocked moves the state machine to next and returns the
// previous state. Caller holds n.mu.
func (n *nodeState) transitionLocked(next PathState) PathState {
	prev := n.state
	if prev == next {
		return prev
	}
	n.state = next

	logrus.WithFields(logrus.Fields{
		"function": "transitionLocked",
		"node":     n.id.ShortString(),
		"from":     prev.String(),
		"to":       next.String(),
	}).Debug("Path state changed")
	return prev
}

// beginProbeLocked marks a new upgrade attempt and returns its ID.
// Caller holds n.mu and has checked canProbeLocked.
func (n *nodeState) beginProbeLocked() uuid.UUID {
	n.attemptID = uuid.New()
	return n.attemptID
}

// canProbeLocked reports whether a new upgrade attempt may start now.
func (n *nodeState) canProbeLocked(now time.Time) bool {
	if n.state != PathRelaying {
		return false
	}
	return !now.Before(n.nextProbe)
}

// probeFailedLocked applies the cooldown after a failed attempt. The
// cooldown never shrinks until an attempt succeeds.
func (n *nodeState) probeFailedLocked(base, max time.Duration, now time.Time) {
	if n.cooldown == 0 {
		n.cooldown = base
	} else {
		n.cooldown *= 2
		if n.cooldown > max {
			n.cooldown = max
		}
	}
	n.nextProbe = now.Add(n.cooldown)
}

// probeSucceededLocked resets the cooldown and installs the confirmed
// direct address.
func (n *nodeState) probeSucceededLocked(addr netip.AddrPort, now time.Time) {
	n.cooldown = 0
	n.nextProbe = now
	n.directAddr = addr
	n.lastReceived = now
}

// snapshot returns the current state and direct address.
func (n *nodeState) snapshot() (PathState, netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, n.directAddr
}
