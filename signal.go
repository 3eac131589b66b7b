package peersock

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/opd-ai/peersock/crypto"
)

// Call-me-maybe is the signaling message a node sends through the relay
// to hand a peer its current candidate addresses and invite a
// simultaneous hole punch. The candidate list is sealed to the
// recipient so the relay learns nothing about either side's addresses.
const (
	callMeMaybeVersion = 1
	maxSignalAddrs     = 16

	addrFamilyIPv4 = 4
	addrFamilyIPv6 = 6
)

// sealCallMeMaybe encodes and seals a candidate list for peer.
//
// Plaintext layout: [version (1)][count (1)] then per candidate
// [family (1)][ip (4 or 16)][port (2, big endian)].
func sealCallMeMaybe(kp *crypto.KeyPair, peer crypto.NodeID, addrs []netip.AddrPort) ([]byte, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("candidate list is empty")
	}
	if len(addrs) > maxSignalAddrs {
		addrs = addrs[:maxSignalAddrs]
	}

	plain := make([]byte, 2, 2+len(addrs)*19)
	plain[0] = callMeMaybeVersion
	plain[1] = byte(len(addrs))

	for _, addr := range addrs {
		if !addr.IsValid() {
			return nil, fmt.Errorf("invalid candidate address %s", addr)
		}
		ip := addr.Addr().Unmap()
		if ip.Is4() {
			raw := ip.As4()
			plain = append(plain, addrFamilyIPv4)
			plain = append(plain, raw[:]...)
		} else {
			raw := ip.As16()
			plain = append(plain, addrFamilyIPv6)
			plain = append(plain, raw[:]...)
		}
		plain = binary.BigEndian.AppendUint16(plain, addr.Port())
	}

	return kp.SealTo(peer, plain)
}

// openCallMeMaybe unseals and decodes a candidate list from peer.
func openCallMeMaybe(kp *crypto.KeyPair, peer crypto.NodeID, sealed []byte) ([]netip.AddrPort, error) {
	plain, err := kp.OpenFrom(peer, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open candidate list: %w", err)
	}

	if len(plain) < 2 {
		return nil, fmt.Errorf("candidate list too short")
	}
	if plain[0] != callMeMaybeVersion {
		return nil, fmt.Errorf("unsupported candidate list version %d", plain[0])
	}
	count := int(plain[1])
	if count == 0 || count > maxSignalAddrs {
		return nil, fmt.Errorf("invalid candidate count %d", count)
	}

	addrs := make([]netip.AddrPort, 0, count)
	rest := plain[2:]
	for i := 0; i < count; i++ {
		if len(rest) < 1 {
			return nil, fmt.Errorf("candidate list truncated")
		}

		var ip netip.Addr
		switch rest[0] {
		case addrFamilyIPv4:
			if len(rest) < 1+4+2 {
				return nil, fmt.Errorf("candidate list truncated")
			}
			ip = netip.AddrFrom4([4]byte(rest[1:5]))
			rest = rest[5:]
		case addrFamilyIPv6:
			if len(rest) < 1+16+2 {
				return nil, fmt.Errorf("candidate list truncated")
			}
			ip = netip.AddrFrom16([16]byte(rest[1:17]))
			rest = rest[17:]
		default:
			return nil, fmt.Errorf("unknown address family %d", rest[0])
		}

		port := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if port == 0 {
			continue
		}
		addrs = append(addrs, netip.AddrPortFrom(ip, port))
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("candidate list has %d trailing bytes", len(rest))
	}
	return addrs, nil
}
