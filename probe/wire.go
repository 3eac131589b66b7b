// Package probe implements path probing for peersock: signed
// nonce-carrying pings toward candidate addresses and the pong replies
// that confirm a round trip. The same exchange drives routine path
// liveness checks and relay-coordinated simultaneous-open hole
// punching.
package probe

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/opd-ai/peersock/crypto"
)

// NonceSize is the size of a probe nonce in bytes.
const NonceSize = 12

// Nonce is the random token a pong must echo for the probe to count.
type Nonce [NonceSize]byte

// Signing contexts, domain-separating ping from pong so a reflected
// ping cannot be replayed as a pong.
const (
	pingContext = "peersock-probe-ping-v1"
	pongContext = "peersock-probe-pong-v1"
)

const messageSize = NonceSize + crypto.NodeIDSize + crypto.SignatureSize

// Message is a parsed probe ping or pong: the nonce, the sender's
// claimed identity, and a signature binding the two.
type Message struct {
	Nonce Nonce
	From  crypto.NodeID
}

// NewNonce generates a random probe nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("failed to generate probe nonce: %w", err)
	}
	return n, nil
}

// BuildPing builds a signed ping payload carrying nonce.
func BuildPing(kp *crypto.KeyPair, nonce Nonce) []byte {
	return buildMessage(kp, nonce, pingContext)
}

// BuildPong builds a signed pong payload echoing nonce.
func BuildPong(kp *crypto.KeyPair, nonce Nonce) []byte {
	return buildMessage(kp, nonce, pongContext)
}

// ParsePing parses and authenticates a ping payload.
func ParsePing(data []byte) (*Message, error) {
	return parseMessage(data, pingContext)
}

// ParsePong parses and authenticates a pong payload.
func ParsePong(data []byte) (*Message, error) {
	return parseMessage(data, pongContext)
}

func buildMessage(kp *crypto.KeyPair, nonce Nonce, context string) []byte {
	payload := make([]byte, messageSize)
	copy(payload[:NonceSize], nonce[:])
	copy(payload[NonceSize:], kp.Public[:])

	sig := kp.Sign(signedBytes(nonce, kp.Public, context))
	copy(payload[NonceSize+crypto.NodeIDSize:], sig[:])
	return payload
}

func parseMessage(data []byte, context string) (*Message, error) {
	if len(data) != messageSize {
		return nil, fmt.Errorf("invalid probe message length: %d", len(data))
	}

	msg := &Message{}
	copy(msg.Nonce[:], data[:NonceSize])
	copy(msg.From[:], data[NonceSize:NonceSize+crypto.NodeIDSize])

	var sig crypto.Signature
	copy(sig[:], data[NonceSize+crypto.NodeIDSize:])

	if !msg.From.Verify(signedBytes(msg.Nonce, msg.From, context), sig) {
		return nil, errors.New("probe signature verification failed")
	}
	return msg, nil
}

func signedBytes(nonce Nonce, node crypto.NodeID, context string) []byte {
	out := make([]byte, 0, len(context)+NonceSize+crypto.NodeIDSize)
	out = append(out, context...)
	out = append(out, nonce[:]...)
	out = append(out, node[:]...)
	return out
}
