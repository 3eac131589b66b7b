// Package peersock provides an encrypted, identity-addressed packet
// socket for peer-to-peer applications. Peers are addressed by stable
// Ed25519 node IDs rather than IP addresses; the socket keeps traffic
// flowing through relay servers from the first packet while it probes
// candidate addresses in the background, transparently upgrading each
// peer to a direct UDP path when hole punching succeeds and falling
// back to the relay when a direct path goes quiet.
//
// The Socket type implements net.PacketConn, so datagram-oriented
// protocol engines such as QUIC can run over it unchanged. Address
// discovery is pluggable through the discovery package; relay framing
// and the probing protocol live in the relay and probe packages.
package peersock
