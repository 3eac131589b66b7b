package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/nacl/box"
)

const sealNonceSize = 24

// BoxPrivate derives the X25519 private key corresponding to the node's
// Ed25519 seed, for use with NaCl box sealing.
func (kp *KeyPair) BoxPrivate() [32]byte {
	h := sha512.Sum512(kp.Private[:])
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

// BoxPublic converts the Ed25519 node ID to its X25519 (Montgomery)
// form. It fails for the small set of public keys with no Montgomery
// representation.
func (id NodeID) BoxPublic() ([32]byte, error) {
	var out [32]byte
	p, err := new(edwards25519.Point).SetBytes(id[:])
	if err != nil {
		return out, fmt.Errorf("node ID is not a valid curve point: %w", err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// SealTo encrypts plaintext for peer using NaCl box with the X25519
// forms of both keys. The random nonce is prepended to the returned
// ciphertext.
func (kp *KeyPair) SealTo(peer NodeID, plaintext []byte) ([]byte, error) {
	peerPub, err := peer.BoxPublic()
	if err != nil {
		return nil, err
	}
	priv := kp.BoxPrivate()

	var nonce [sealNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := box.Seal(nonce[:], plaintext, &nonce, &peerPub, &priv)
	return sealed, nil
}

// OpenFrom decrypts a payload sealed by peer with SealTo. It returns an
// error if the ciphertext does not authenticate against peer's key.
func (kp *KeyPair) OpenFrom(peer NodeID, sealed []byte) ([]byte, error) {
	if len(sealed) < sealNonceSize+box.Overhead {
		return nil, errors.New("sealed payload too short")
	}

	peerPub, err := peer.BoxPublic()
	if err != nil {
		return nil, err
	}
	priv := kp.BoxPrivate()

	var nonce [sealNonceSize]byte
	copy(nonce[:], sealed[:sealNonceSize])

	plaintext, ok := box.Open(nil, sealed[sealNonceSize:], &nonce, &peerPub, &priv)
	if !ok {
		return nil, errors.New("failed to open sealed payload")
	}
	return plaintext, nil
}
