package relay

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/opd-ai/peersock/crypto"
)

// authContext domain-separates the identity binding signature from any
// other use of the node key.
const authContext = "peersock-relay-auth-v1"

// maxHandshakeMessage bounds a single Noise handshake message.
const maxHandshakeMessage = 1024

// cipherSuite is the Noise suite used for relay sessions.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// staticDHKey derives the Noise static key pair from the node identity.
func staticDHKey(kp *crypto.KeyPair) (noise.DHKey, error) {
	pub, err := kp.Public.BoxPublic()
	if err != nil {
		return noise.DHKey{}, err
	}
	priv := kp.BoxPrivate()

	key := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(key.Private, priv[:])
	copy(key.Public, pub[:])
	return key, nil
}

// ClientHandshake runs the initiator side of the Noise XX handshake over
// rw, then sends the Auth frame binding the Noise static key to the
// node identity. It returns an established FrameConn.
func ClientHandshake(rw io.ReadWriter, kp *crypto.KeyPair) (*FrameConn, error) {
	static, err := staticDHKey(kp)
	if err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMessage(rw, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es
	msg, err = readHandshakeMessage(rw)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	// -> s, se
	msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMessage(rw, msg); err != nil {
		return nil, err
	}

	fc := NewFrameConn(rw, cs1, cs2)

	// Bind the Noise static key to the node identity.
	sig := kp.Sign(authPayload(static.Public))
	auth := &Frame{Type: FrameAuth, Node: kp.Public, Payload: sig[:]}
	if err := fc.WriteFrame(auth); err != nil {
		return nil, fmt.Errorf("failed to send auth frame: %w", err)
	}

	return fc, nil
}

// ServerHandshake runs the responder side of the handshake, reads the
// Auth frame and verifies the identity binding. It returns the
// established FrameConn and the authenticated client node ID.
func ServerHandshake(rw io.ReadWriter, kp *crypto.KeyPair) (*FrameConn, crypto.NodeID, error) {
	static, err := staticDHKey(kp)
	if err != nil {
		return nil, crypto.NodeID{}, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, crypto.NodeID{}, fmt.Errorf("failed to create handshake state: %w", err)
	}

	msg, err := readHandshakeMessage(rw)
	if err != nil {
		return nil, crypto.NodeID{}, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, crypto.NodeID{}, fmt.Errorf("handshake failed: %w", err)
	}

	msg, _, _, err = hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, crypto.NodeID{}, err
	}
	if err := writeHandshakeMessage(rw, msg); err != nil {
		return nil, crypto.NodeID{}, err
	}

	msg, err = readHandshakeMessage(rw)
	if err != nil {
		return nil, crypto.NodeID{}, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, crypto.NodeID{}, fmt.Errorf("handshake failed: %w", err)
	}

	fc := NewFrameConn(rw, cs2, cs1)

	auth, err := fc.ReadFrame()
	if err != nil {
		return nil, crypto.NodeID{}, fmt.Errorf("failed to read auth frame: %w", err)
	}
	if auth.Type != FrameAuth {
		return nil, crypto.NodeID{}, errors.New("expected auth frame")
	}
	if err := verifyAuth(auth, hs.PeerStatic()); err != nil {
		return nil, crypto.NodeID{}, err
	}

	return fc, auth.Node, nil
}

// verifyAuth checks that the auth frame's signature binds the claimed
// node ID to the Noise static key observed during the handshake.
func verifyAuth(auth *Frame, peerStatic []byte) error {
	if len(auth.Payload) != crypto.SignatureSize {
		return errors.New("invalid auth signature length")
	}

	var sig crypto.Signature
	copy(sig[:], auth.Payload)
	if !auth.Node.Verify(authPayload(peerStatic), sig) {
		return errors.New("auth signature verification failed")
	}

	// The signed static must be the one the peer actually used.
	boxPub, err := auth.Node.BoxPublic()
	if err != nil {
		return err
	}
	if len(peerStatic) != 32 {
		return errors.New("invalid peer static key length")
	}
	for i := range boxPub {
		if boxPub[i] != peerStatic[i] {
			return errors.New("noise static key does not match node identity")
		}
	}
	return nil
}

// authPayload builds the byte string signed in the Auth frame.
func authPayload(staticPub []byte) []byte {
	payload := make([]byte, 0, len(authContext)+len(staticPub))
	payload = append(payload, authContext...)
	payload = append(payload, staticPub...)
	return payload
}

// writeHandshakeMessage writes a length-prefixed handshake message.
func writeHandshakeMessage(w io.Writer, msg []byte) error {
	if len(msg) > maxHandshakeMessage {
		return errors.New("handshake message too large")
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// readHandshakeMessage reads a length-prefixed handshake message.
func readHandshakeMessage(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 || int(length) > maxHandshakeMessage {
		return nil, fmt.Errorf("invalid handshake message length: %d", length)
	}

	msg := make([]byte, length)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
