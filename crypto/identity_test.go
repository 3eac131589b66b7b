package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()

	require.NoError(t, err)
	require.NotNil(t, kp)
	assert.False(t, kp.Public.IsZero())
	assert.False(t, isZeroKey(kp.Private))
}

func TestFromSecretKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, restored.Public)
}

func TestFromSecretKey_ZeroSeed(t *testing.T) {
	_, err := FromSecretKey([32]byte{})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "all zeros")
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("probe nonce binding")
	sig := kp.Sign(message)

	assert.True(t, kp.Public.Verify(message, sig))
	assert.False(t, kp.Public.Verify([]byte("tampered"), sig))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, other.Public.Verify(message, sig))
}

func TestNodeID_StringRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	s := kp.Public.String()
	assert.Len(t, s, 68)
	assert.Equal(t, strings.ToUpper(s), s)

	parsed, err := ParseNodeID(s)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)

	// Lowercase and surrounding whitespace are tolerated.
	parsed, err = ParseNodeID("  " + strings.ToLower(s) + " ")
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)
}

func TestParseNodeID_Invalid(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	valid := kp.Public.String()

	// Flip one checksum bit so the suffix never matches.
	sum := checksum(kp.Public)
	sum[0] ^= 0xFF
	badSum := hex.EncodeToString(sum[:])

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"too short", valid[:20]},
		{"not hex", strings.Repeat("ZZ", 34)},
		{"bad checksum", valid[:64] + strings.ToUpper(badSum)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNodeID(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestNodeID_ShortString(t *testing.T) {
	var id NodeID
	id[0] = 0xAB
	id[1] = 0xCD

	assert.Equal(t, "ABCD0000", id.ShortString())
}

func TestSealOpen_RoundTrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("call-me-maybe candidate list")
	sealed, err := alice.SealTo(bob.Public, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := bob.OpenFrom(alice.Public, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenFrom_WrongSender(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	mallory, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := alice.SealTo(bob.Public, []byte("payload"))
	require.NoError(t, err)

	// Claiming the wrong sender must not authenticate.
	_, err = bob.OpenFrom(mallory.Public, sealed)
	assert.Error(t, err)
}

func TestOpenFrom_Truncated(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = alice.OpenFrom(alice.Public, []byte{0x01, 0x02})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func BenchmarkSign(b *testing.B) {
	kp, err := GenerateKeyPair()
	if err != nil {
		b.Fatal(err)
	}
	message := make([]byte, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = kp.Sign(message)
	}
}
