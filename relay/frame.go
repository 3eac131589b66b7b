// Package relay implements the client side of the peersock relay
// protocol: persistent authenticated TCP sessions to relay servers that
// forward datagrams between nodes which cannot (yet) reach each other
// directly.
//
// A session is established with a Noise XX handshake over TCP, followed
// by an Auth frame binding the Noise static key to the node's Ed25519
// identity. All subsequent frames are length-prefixed and encrypted
// with the session ciphers.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"

	"github.com/opd-ai/peersock/crypto"
)

// FrameType identifies relay protocol frame types.
type FrameType uint8

const (
	// FrameAuth binds the client's Noise static key to its node ID.
	FrameAuth FrameType = iota + 1
	// FrameSend carries a datagram from the client to a destination node.
	FrameSend
	// FrameRecv carries a datagram from a source node to the client.
	FrameRecv
	// FramePing is a liveness probe toward the server.
	FramePing
	// FramePong answers a ping.
	FramePong
	// FramePeerGone tells the client a node is no longer reachable
	// through this relay.
	FramePeerGone
)

const (
	// maxFrameSize bounds a single encrypted frame on the wire, matching
	// the Noise message size limit.
	maxFrameSize = 65535

	frameHeaderSize = 1 + crypto.NodeIDSize
)

// MaxPayloadSize is the largest datagram payload a single relay frame
// can carry after the frame header and cipher overhead.
const MaxPayloadSize = maxFrameSize - frameHeaderSize - 16

// Frame is a single relay protocol frame.
type Frame struct {
	Type    FrameType
	Node    crypto.NodeID
	Payload []byte
}

// ErrFrameTooLarge indicates a frame payload exceeding MaxPayloadSize.
var ErrFrameTooLarge = errors.New("relay frame too large")

// Marshal encodes the frame body: [type (1)][node (32)][payload].
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, frameHeaderSize+len(f.Payload))
	body[0] = byte(f.Type)
	copy(body[1:], f.Node[:])
	copy(body[frameHeaderSize:], f.Payload)
	return body, nil
}

// UnmarshalFrame decodes a frame body produced by Marshal.
func UnmarshalFrame(body []byte) (*Frame, error) {
	if len(body) < frameHeaderSize {
		return nil, errors.New("relay frame too short")
	}

	f := &Frame{
		Type:    FrameType(body[0]),
		Payload: make([]byte, len(body)-frameHeaderSize),
	}
	copy(f.Node[:], body[1:frameHeaderSize])
	copy(f.Payload, body[frameHeaderSize:])
	return f, nil
}

// FrameConn writes and reads encrypted frames over an established Noise
// session. Writes are serialized; the cipher nonce sequence requires it.
type FrameConn struct {
	rw      io.ReadWriter
	send    *noise.CipherState
	recv    *noise.CipherState
	writeMu sync.Mutex
}

// NewFrameConn wraps rw with the session ciphers produced by the
// handshake.
func NewFrameConn(rw io.ReadWriter, send, recv *noise.CipherState) *FrameConn {
	return &FrameConn{rw: rw, send: send, recv: recv}
}

// WriteFrame encrypts and writes a single frame.
func (fc *FrameConn) WriteFrame(f *Frame) error {
	body, err := f.Marshal()
	if err != nil {
		return err
	}

	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()

	ciphertext, err := fc.send.Encrypt(nil, nil, body)
	if err != nil {
		return fmt.Errorf("failed to encrypt frame: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := fc.rw.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = fc.rw.Write(ciphertext)
	return err
}

// ReadFrame reads and decrypts a single frame. It must only be called
// from one goroutine.
func (fc *FrameConn) ReadFrame() (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fc.rw, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxFrameSize {
		return nil, fmt.Errorf("invalid relay frame length: %d", length)
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(fc.rw, ciphertext); err != nil {
		return nil, err
	}

	body, err := fc.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt frame: %w", err)
	}
	return UnmarshalFrame(body)
}
