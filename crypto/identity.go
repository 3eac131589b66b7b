// Package crypto implements the node identity primitives for peersock.
//
// A node is identified by an Ed25519 public key. The same key pair signs
// path probes and, through its X25519 form, seals signaling payloads
// exchanged over relays.
//
// Example:
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Node ID:", kp.Public.String())
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// NodeIDSize is the size of a node identifier in bytes.
const NodeIDSize = 32

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// NodeID is the Ed25519 public key identifying a peer, independent of
// its network location.
type NodeID [NodeIDSize]byte

// Signature is an Ed25519 signature.
type Signature [SignatureSize]byte

// KeyPair holds a node's long-term identity key.
// Private is the Ed25519 seed; the full signing key is derived on use.
type KeyPair struct {
	Public  NodeID
	Private [32]byte
}

// GenerateKeyPair creates a new random node identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv.Seed())
	return kp, nil
}

// FromSecretKey reconstructs a key pair from an Ed25519 seed.
func FromSecretKey(seed [32]byte) (*KeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	priv := ed25519.NewKeyFromSeed(seed[:])
	kp := &KeyPair{Private: seed}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// Sign creates an Ed25519 signature over message with the node's key.
func (kp *KeyPair) Sign(message []byte) Signature {
	priv := ed25519.NewKeyFromSeed(kp.Private[:])
	var sig Signature
	copy(sig[:], ed25519.Sign(priv, message))
	return sig
}

// Verify reports whether sig is a valid signature over message by id.
func (id NodeID) Verify(message []byte, sig Signature) bool {
	return ed25519.Verify(id[:], message, sig[:])
}

// IsZero reports whether the node ID is the all-zero value.
func (id NodeID) IsZero() bool {
	return isZeroKey(id)
}

// String returns the hexadecimal form of the node ID with a two-byte
// XOR checksum suffix, 68 hex characters in total.
func (id NodeID) String() string {
	data := make([]byte, NodeIDSize+2)
	copy(data, id[:])
	sum := checksum(id)
	copy(data[NodeIDSize:], sum[:])
	return strings.ToUpper(hex.EncodeToString(data))
}

// Hex returns the bare 64-character lowercase hex form of the node ID,
// without the checksum suffix. Suitable for DNS labels.
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first eight hex characters of the node ID,
// suitable for log fields.
func (id NodeID) ShortString() string {
	return strings.ToUpper(hex.EncodeToString(id[:4]))
}

// ParseNodeID parses the checksummed hexadecimal form produced by
// NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != (NodeIDSize+2)*2 {
		return NodeID{}, fmt.Errorf("invalid node ID length: %d", len(s))
	}

	data, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, err
	}

	var id NodeID
	copy(id[:], data[:NodeIDSize])

	sum := checksum(id)
	if data[NodeIDSize] != sum[0] || data[NodeIDSize+1] != sum[1] {
		return NodeID{}, errors.New("invalid node ID checksum")
	}
	return id, nil
}

// checksum computes the two-byte XOR checksum over a node ID.
func checksum(id NodeID) [2]byte {
	var sum [2]byte
	for i := 0; i < NodeIDSize; i++ {
		sum[i%2] ^= id[i]
	}
	return sum
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
