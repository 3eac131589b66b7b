package transport

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_SerializeParse(t *testing.T) {
	packet := &Packet{
		Type: PacketProbePing,
		Data: []byte{0x01, 0x02, 0x03},
	}

	data, err := packet.Serialize()
	require.NoError(t, err)
	assert.Equal(t, byte(PacketProbePing), data[0])

	parsed, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, packet.Type, parsed.Type)
	assert.Equal(t, packet.Data, parsed.Data)
}

func TestPacket_SerializeNilData(t *testing.T) {
	packet := &Packet{Type: PacketData}

	_, err := packet.Serialize()
	assert.Error(t, err)
}

func TestParsePacket_Empty(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestUDPTransport_SendReceive(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	received := make(chan netip.AddrPort, 1)
	var payload []byte
	var mu sync.Mutex
	b.RegisterHandler(PacketData, func(p *Packet, addr netip.AddrPort) error {
		mu.Lock()
		payload = p.Data
		mu.Unlock()
		received <- addr
		return nil
	})

	packet := &Packet{Type: PacketData, Data: []byte("hello")}
	require.NoError(t, a.Send(packet, b.LocalAddr()))

	select {
	case from := <-received:
		assert.Equal(t, a.LocalAddr().Port(), from.Port())
		mu.Lock()
		assert.Equal(t, []byte("hello"), payload)
		mu.Unlock()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestUDPTransport_UnhandledTypeIgnored(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	// No handler registered on b; this must not panic or wedge the loop.
	packet := &Packet{Type: PacketCallMeMaybe, Data: []byte("x")}
	require.NoError(t, a.Send(packet, b.LocalAddr()))

	// The loop must still deliver subsequent handled packets.
	received := make(chan struct{}, 1)
	b.RegisterHandler(PacketData, func(p *Packet, addr netip.AddrPort) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, a.Send(&Packet{Type: PacketData, Data: []byte("y")}, b.LocalAddr()))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("transport loop stopped after unhandled packet")
	}
}

func TestUDPTransport_LocalAddr(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	addr := tr.LocalAddr()
	assert.True(t, addr.IsValid())
	assert.NotZero(t, addr.Port())
}

func TestPathMonitor_RecordAndQuery(t *testing.T) {
	pm := NewPathMonitor()
	key := "192.0.2.1:4242"

	assert.True(t, pm.LastReceived(key).IsZero())
	assert.Zero(t, pm.Quality(key))

	pm.RecordSent(key, 100)
	pm.RecordReceived(key, 120)
	pm.RecordRTT(key, 20*time.Millisecond)

	assert.False(t, pm.LastReceived(key).IsZero())
	assert.Equal(t, 20*time.Millisecond, pm.RTT(key))
	assert.Greater(t, pm.Quality(key), 90.0)

	snap := pm.Snapshot()
	require.Contains(t, snap, key)
	assert.Equal(t, uint64(1), snap[key].PacketsSent)
	assert.Equal(t, uint64(1), snap[key].PacketsReceived)
}

func TestPathMonitor_RTTMovingAverage(t *testing.T) {
	pm := NewPathMonitor()
	key := "relay.example.org:443"

	pm.RecordRTT(key, 100*time.Millisecond)
	pm.RecordRTT(key, 200*time.Millisecond)

	rtt := pm.RTT(key)
	assert.Greater(t, rtt, 100*time.Millisecond)
	assert.Less(t, rtt, 200*time.Millisecond)
}

func TestPathMonitor_QualityPenalizesSilence(t *testing.T) {
	pm := NewPathMonitor()
	key := "192.0.2.9:1"

	for i := 0; i < 10; i++ {
		pm.RecordSent(key, 50)
	}
	pm.RecordReceived(key, 50)

	lossy := pm.Quality(key)

	good := "192.0.2.9:2"
	pm.RecordSent(good, 50)
	pm.RecordReceived(good, 50)

	assert.Less(t, lossy, pm.Quality(good))
}

func TestPathMonitor_Addr(t *testing.T) {
	pm := NewPathMonitor()

	_, ok := pm.Addr("unknown")
	assert.False(t, ok)

	want := netip.MustParseAddrPort("192.0.2.7:4242")
	pm.SetAddr("k", want)

	got, ok := pm.Addr("k")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestPathMonitor_Forget(t *testing.T) {
	pm := NewPathMonitor()
	pm.RecordReceived("k", 10)
	pm.Forget("k")

	assert.True(t, pm.LastReceived("k").IsZero())
	assert.NotContains(t, pm.Snapshot(), "k")
}
