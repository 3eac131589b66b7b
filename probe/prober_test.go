package probe

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peersock/crypto"
	"github.com/opd-ai/peersock/transport"
)

func TestPingPong_WireRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)

	ping := BuildPing(kp, nonce)
	msg, err := ParsePing(ping)
	require.NoError(t, err)
	assert.Equal(t, nonce, msg.Nonce)
	assert.Equal(t, kp.Public, msg.From)

	pong := BuildPong(kp, nonce)
	msg, err = ParsePong(pong)
	require.NoError(t, err)
	assert.Equal(t, nonce, msg.Nonce)
}

func TestParsePing_RejectsPongContext(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)

	// A reflected pong must not validate as a ping and vice versa.
	_, err = ParsePing(BuildPong(kp, nonce))
	assert.Error(t, err)

	_, err = ParsePong(BuildPing(kp, nonce))
	assert.Error(t, err)
}

func TestParsePing_RejectsTampering(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)

	ping := BuildPing(kp, nonce)
	ping[0] ^= 0xFF

	_, err = ParsePing(ping)
	assert.Error(t, err)
}

func TestParsePing_BadLength(t *testing.T) {
	_, err := ParsePing([]byte{0x01, 0x02})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "length")
}

// newProbePair wires two UDP transports so that B answers A's pings
// with signed pongs, the way the socket layer does.
func newProbePair(t *testing.T) (*Prober, *transport.UDPTransport, *crypto.KeyPair, *transport.UDPTransport) {
	t.Helper()

	kpA, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	trA, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { trA.Close() })

	trB, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { trB.Close() })

	prober, err := NewProber(kpA, trA)
	require.NoError(t, err)
	prober.SetTimings(2*time.Second, 100*time.Millisecond, 50*time.Millisecond, 3)

	trA.RegisterHandler(transport.PacketProbePong, func(p *transport.Packet, addr netip.AddrPort) error {
		_, err := prober.HandlePong(p.Data, addr)
		return err
	})

	trB.RegisterHandler(transport.PacketProbePing, func(p *transport.Packet, addr netip.AddrPort) error {
		msg, err := ParsePing(p.Data)
		if err != nil {
			return err
		}
		pong := &transport.Packet{
			Type: transport.PacketProbePong,
			Data: BuildPong(kpB, msg.Nonce),
		}
		return trB.Send(pong, addr)
	})

	return prober, trA, kpB, trB
}

func TestProber_AttemptSucceeds(t *testing.T) {
	prober, _, kpB, trB := newProbePair(t)

	result, err := prober.Attempt(context.Background(), kpB.Public, []netip.AddrPort{trB.LocalAddr()})
	require.NoError(t, err)
	assert.Equal(t, trB.LocalAddr(), result.Addr)
	assert.Greater(t, result.RTT, time.Duration(0))
}

func TestProber_StaleCandidateDoesNotStarveValidOne(t *testing.T) {
	prober, _, kpB, trB := newProbePair(t)

	// A black-hole candidate alongside the real one; the attempt must
	// still resolve on the reachable address.
	stale := netip.MustParseAddrPort("192.0.2.77:4242")
	result, err := prober.Attempt(context.Background(), kpB.Public, []netip.AddrPort{stale, trB.LocalAddr()})
	require.NoError(t, err)
	assert.Equal(t, trB.LocalAddr(), result.Addr)
}

func TestProber_AttemptTimesOut(t *testing.T) {
	prober, _, kpB, _ := newProbePair(t)
	prober.SetTimings(300*time.Millisecond, 100*time.Millisecond, 20*time.Millisecond, 2)

	stale := netip.MustParseAddrPort("192.0.2.77:4242")
	_, err := prober.Attempt(context.Background(), kpB.Public, []netip.AddrPort{stale})
	assert.ErrorIs(t, err, ErrProbeTimeout)
}

func TestProber_AttemptNoCandidates(t *testing.T) {
	prober, _, kpB, _ := newProbePair(t)

	_, err := prober.Attempt(context.Background(), kpB.Public, nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestProber_HandlePong_UnknownNonce(t *testing.T) {
	kpA, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tr, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	prober, err := NewProber(kpA, tr)
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)

	from := netip.MustParseAddrPort("127.0.0.1:9999")
	_, err = prober.HandlePong(BuildPong(kpB, nonce), from)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown probe nonce")
}

func TestProber_HandlePong_WrongNodeOrAddress(t *testing.T) {
	kpA, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	kpC, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tr, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	prober, err := NewProber(kpA, tr)
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)

	probed := netip.MustParseAddrPort("127.0.0.1:4444")
	results := make(chan Result, 1)
	prober.pending[nonce] = &pendingProbe{
		node:    kpB.Public,
		addr:    probed,
		sentAt:  time.Now(),
		expires: time.Now().Add(time.Minute),
		results: results,
	}

	// Right nonce, wrong signer.
	_, err = prober.HandlePong(BuildPong(kpC, nonce), probed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected node")

	// Right signer, wrong source address.
	elsewhere := netip.MustParseAddrPort("127.0.0.1:5555")
	_, err = prober.HandlePong(BuildPong(kpB, nonce), elsewhere)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected address")

	// Correct pong still resolves.
	_, err = prober.HandlePong(BuildPong(kpB, nonce), probed)
	require.NoError(t, err)

	select {
	case r := <-results:
		assert.Equal(t, probed, r.Addr)
	default:
		t.Fatal("result not delivered")
	}
}

func TestProber_HandlePong_RejectsReplay(t *testing.T) {
	kpA, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tr, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	prober, err := NewProber(kpA, tr)
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)

	probed := netip.MustParseAddrPort("127.0.0.1:4444")
	results := make(chan Result, 1)
	prober.pending[nonce] = &pendingProbe{
		node:    kpB.Public,
		addr:    probed,
		sentAt:  time.Now(),
		expires: time.Now().Add(time.Minute),
		results: results,
	}

	pong := BuildPong(kpB, nonce)
	_, err = prober.HandlePong(pong, probed)
	require.NoError(t, err)

	_, err = prober.HandlePong(pong, probed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "replayed")
}
