// Package transport implements the datagram transport layer for peersock.
//
// This package handles packet framing and UDP communication. Every
// datagram on the wire carries a one-byte type tag: QUIC payload data,
// path probe ping/pong, or relay-signaled candidate exchange.
//
// Example:
//
//	tr, err := transport.NewUDPTransport(":0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	packet := &transport.Packet{
//	    Type: transport.PacketData,
//	    Data: []byte{...},
//	}
//
//	err = tr.Send(packet, remoteAddr)
package transport

import (
	"errors"
)

// PacketType identifies the type of a peersock datagram.
type PacketType byte

const (
	// PacketData carries opaque payload bytes for the QUIC engine.
	PacketData PacketType = iota + 1
	// PacketProbePing is a signed path liveness probe.
	PacketProbePing
	// PacketProbePong echoes a probe nonce back to the sender.
	PacketProbePong
	// PacketCallMeMaybe carries a sealed candidate address list used to
	// coordinate simultaneous-open hole punching.
	PacketCallMeMaybe
)

// Packet is a single framed datagram.
type Packet struct {
	Type PacketType
	Data []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.Type)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		Type: PacketType(data[0]),
		Data: make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
