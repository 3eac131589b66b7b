// This file implements a STUN (RFC 5389) binding client used to learn
// this node's server-reflexive address, the address NAT presents to the
// outside world. The reflexive address seeds the candidate lists we
// publish and signal to peers.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peersock/crypto"
)

// STUN protocol constants as defined in RFC 5389.
const (
	stunMagicCookie = 0x2112A442
	stunHeaderSize  = 20

	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunBindingError    = 0x0111

	stunAttrMappedAddress    = 0x0001
	stunAttrXorMappedAddress = 0x0020
)

// reflexiveCacheTime bounds how long a discovered mapping is trusted.
// NAT bindings for idle flows commonly expire within a minute or two.
const reflexiveCacheTime = 2 * time.Minute

// Reflexive discovers this node's public address via STUN binding
// requests. As a Provider it only ever answers lookups for the local
// node; its real job is feeding the reflexive address into candidate
// lists through DiscoverAddress.
type Reflexive struct {
	self    crypto.NodeID
	servers []string
	timeout time.Duration

	cached   netip.AddrPort
	cachedAt time.Time
	mu       sync.Mutex
}

// NewReflexive creates a Reflexive provider for the local node using
// well-known public STUN servers.
func NewReflexive(self crypto.NodeID) *Reflexive {
	return &Reflexive{
		self: self,
		servers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun.cloudflare.com:3478",
		},
		timeout: 5 * time.Second,
	}
}

// SetServers replaces the STUN server list.
func (r *Reflexive) SetServers(servers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = make([]string, len(servers))
	copy(r.servers, servers)
}

// Name implements Provider.
func (r *Reflexive) Name() string {
	return "reflexive"
}

// Lookup implements Provider. Only the local node has a reflexive
// address here; lookups for other nodes yield nothing.
func (r *Reflexive) Lookup(ctx context.Context, node crypto.NodeID) ([]Hint, error) {
	if node != r.self {
		return nil, nil
	}

	addr, err := r.DiscoverAddress(ctx)
	if err != nil {
		return nil, err
	}
	return []Hint{{Addr: addr}}, nil
}

// Publish implements Provider as a no-op. STUN servers hold no state.
func (r *Reflexive) Publish(ctx context.Context, rec Record) error {
	return nil
}

// DiscoverAddress returns the node's server-reflexive address, trying
// each configured server until one answers. A recent result is served
// from cache to avoid hammering public infrastructure.
func (r *Reflexive) DiscoverAddress(ctx context.Context) (netip.AddrPort, error) {
	r.mu.Lock()
	if r.cached.IsValid() && time.Since(r.cachedAt) < reflexiveCacheTime {
		addr := r.cached
		r.mu.Unlock()
		return addr, nil
	}
	servers := r.servers
	timeout := r.timeout
	r.mu.Unlock()

	var lastErr error
	for _, server := range servers {
		addr, err := queryBinding(ctx, server, timeout)
		if err == nil {
			r.mu.Lock()
			r.cached = addr
			r.cachedAt = time.Now()
			r.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function": "DiscoverAddress",
				"server":   server,
				"addr":     addr.String(),
			}).Debug("Discovered reflexive address")
			return addr, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return netip.AddrPort{}, ctx.Err()
		default:
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no STUN servers configured")
	}
	return netip.AddrPort{}, fmt.Errorf("all STUN servers failed: %w", lastErr)
}

// queryBinding sends one binding request to server and parses the
// mapped address from the response.
func queryBinding(ctx context.Context, server string, timeout time.Duration) (netip.AddrPort, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to reach STUN server %s: %w", server, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	var txID [12]byte
	if _, err := rand.Read(txID[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to generate transaction ID: %w", err)
	}

	if _, err := conn.Write(buildBindingRequest(txID)); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to send binding request: %w", err)
	}

	response := make([]byte, 1024)
	n, err := conn.Read(response)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to read binding response: %w", err)
	}

	return parseBindingResponse(response[:n], txID)
}

// buildBindingRequest constructs an attribute-free binding request.
func buildBindingRequest(txID [12]byte) []byte {
	packet := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(packet[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(packet[2:4], 0)
	binary.BigEndian.PutUint32(packet[4:8], stunMagicCookie)
	copy(packet[8:20], txID[:])
	return packet
}

// parseBindingResponse validates the response header and extracts the
// mapped address from the attribute section.
func parseBindingResponse(response []byte, txID [12]byte) (netip.AddrPort, error) {
	if len(response) < stunHeaderSize {
		return netip.AddrPort{}, errors.New("binding response too short")
	}

	messageType := binary.BigEndian.Uint16(response[0:2])
	if messageType == stunBindingError {
		return netip.AddrPort{}, errors.New("STUN server returned an error response")
	}
	if messageType != stunBindingResponse {
		return netip.AddrPort{}, fmt.Errorf("unexpected STUN message type: 0x%04x", messageType)
	}

	if binary.BigEndian.Uint32(response[4:8]) != stunMagicCookie {
		return netip.AddrPort{}, errors.New("invalid STUN magic cookie")
	}
	if [12]byte(response[8:20]) != txID {
		return netip.AddrPort{}, errors.New("STUN transaction ID mismatch")
	}

	messageLength := int(binary.BigEndian.Uint16(response[2:4]))
	if len(response) < stunHeaderSize+messageLength {
		return netip.AddrPort{}, errors.New("binding response truncated")
	}

	return parseBindingAttributes(response[stunHeaderSize:stunHeaderSize+messageLength], txID)
}

// parseBindingAttributes walks the attribute list and returns the first
// usable mapped address, preferring XOR-MAPPED-ADDRESS.
func parseBindingAttributes(attributes []byte, txID [12]byte) (netip.AddrPort, error) {
	offset := 0
	for offset+4 <= len(attributes) {
		attrType := binary.BigEndian.Uint16(attributes[offset : offset+2])
		attrLength := int(binary.BigEndian.Uint16(attributes[offset+2 : offset+4]))
		offset += 4

		if offset+attrLength > len(attributes) {
			break
		}
		value := attributes[offset : offset+attrLength]

		switch attrType {
		case stunAttrXorMappedAddress:
			return parseXorMappedAddress(value, txID)
		case stunAttrMappedAddress:
			return parseMappedAddress(value)
		}

		// Attributes are padded to 4-byte boundaries.
		offset += attrLength
		if offset%4 != 0 {
			offset += 4 - (offset % 4)
		}
	}

	return netip.AddrPort{}, errors.New("no mapped address in binding response")
}

// parseXorMappedAddress decodes an XOR-MAPPED-ADDRESS attribute.
func parseXorMappedAddress(value []byte, txID [12]byte) (netip.AddrPort, error) {
	if len(value) < 8 {
		return netip.AddrPort{}, errors.New("XOR-mapped address too short")
	}

	family := binary.BigEndian.Uint16(value[0:2])
	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(stunMagicCookie>>16)

	switch family {
	case 0x01:
		raw := binary.BigEndian.Uint32(value[4:8]) ^ stunMagicCookie
		var ip [4]byte
		binary.BigEndian.PutUint32(ip[:], raw)
		return netip.AddrPortFrom(netip.AddrFrom4(ip), port), nil

	case 0x02:
		if len(value) < 20 {
			return netip.AddrPort{}, errors.New("IPv6 XOR-mapped address too short")
		}
		var xorKey [16]byte
		binary.BigEndian.PutUint32(xorKey[0:4], stunMagicCookie)
		copy(xorKey[4:16], txID[:])

		var ip [16]byte
		for i := 0; i < 16; i++ {
			ip[i] = value[4+i] ^ xorKey[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(ip), port), nil
	}

	return netip.AddrPort{}, fmt.Errorf("unsupported address family: %d", family)
}

// parseMappedAddress decodes a legacy MAPPED-ADDRESS attribute.
func parseMappedAddress(value []byte) (netip.AddrPort, error) {
	if len(value) < 8 {
		return netip.AddrPort{}, errors.New("mapped address too short")
	}

	family := binary.BigEndian.Uint16(value[0:2])
	port := binary.BigEndian.Uint16(value[2:4])

	switch family {
	case 0x01:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(value[4:8])), port), nil
	case 0x02:
		if len(value) < 20 {
			return netip.AddrPort{}, errors.New("IPv6 mapped address too short")
		}
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(value[4:20])), port), nil
	}

	return netip.AddrPort{}, fmt.Errorf("unsupported address family: %d", family)
}
