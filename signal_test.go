package peersock

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peersock/crypto"
)

func TestCallMeMaybe_RoundTrip(t *testing.T) {
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.10:4242"),
		netip.MustParseAddrPort("[2001:db8::1]:4242"),
		netip.MustParseAddrPort("203.0.113.7:54321"),
	}

	sealed, err := sealCallMeMaybe(alice, bob.Public, addrs)
	require.NoError(t, err)

	got, err := openCallMeMaybe(bob, alice.Public, sealed)
	require.NoError(t, err)
	assert.Equal(t, addrs, got)
}

func TestCallMeMaybe_OnlyRecipientCanOpen(t *testing.T) {
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	eve, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := sealCallMeMaybe(alice, bob.Public, []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.10:4242"),
	})
	require.NoError(t, err)

	_, err = openCallMeMaybe(eve, alice.Public, sealed)
	assert.Error(t, err, "a third party must not open the candidate list")

	_, err = openCallMeMaybe(bob, eve.Public, sealed)
	assert.Error(t, err, "a wrong claimed sender must not verify")
}

func TestCallMeMaybe_RejectsTampering(t *testing.T) {
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := sealCallMeMaybe(alice, bob.Public, []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.10:4242"),
	})
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF
	_, err = openCallMeMaybe(bob, alice.Public, sealed)
	assert.Error(t, err)
}

func TestCallMeMaybe_EmptyListRejected(t *testing.T) {
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = sealCallMeMaybe(alice, bob.Public, nil)
	assert.Error(t, err)
}

func TestCallMeMaybe_TruncatesOversizedList(t *testing.T) {
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	addrs := make([]netip.AddrPort, 0, maxSignalAddrs+5)
	for i := 0; i < maxSignalAddrs+5; i++ {
		addrs = append(addrs, netip.AddrPortFrom(
			netip.AddrFrom4([4]byte{192, 0, 2, byte(i + 1)}), 4242))
	}

	sealed, err := sealCallMeMaybe(alice, bob.Public, addrs)
	require.NoError(t, err)

	got, err := openCallMeMaybe(bob, alice.Public, sealed)
	require.NoError(t, err)
	assert.Len(t, got, maxSignalAddrs)
	assert.Equal(t, addrs[:maxSignalAddrs], got)
}

func TestCallMeMaybe_SkipsZeroPorts(t *testing.T) {
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	addrs := []netip.AddrPort{
		netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 0, 2, 1}), 0),
		netip.MustParseAddrPort("192.0.2.2:4242"),
	}

	sealed, err := sealCallMeMaybe(alice, bob.Public, addrs)
	require.NoError(t, err)

	got, err := openCallMeMaybe(bob, alice.Public, sealed)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, addrs[1], got[0])
}
