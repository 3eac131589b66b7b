package peersock

import (
	"github.com/opd-ai/peersock/crypto"
)

// NodeAddr wraps a node ID as a net.Addr so the socket can slot into
// APIs built around net.PacketConn.
type NodeAddr struct {
	ID crypto.NodeID
}

// Network returns the address family name.
func (a NodeAddr) Network() string {
	return "peersock"
}

// String returns the node ID in its checksummed text form.
func (a NodeAddr) String() string {
	return a.ID.String()
}

// ResolveNodeAddr parses a checksummed node ID string into a NodeAddr.
func ResolveNodeAddr(s string) (NodeAddr, error) {
	id, err := crypto.ParseNodeID(s)
	if err != nil {
		return NodeAddr{}, err
	}
	return NodeAddr{ID: id}, nil
}
