package relay_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peersock/crypto"
	"github.com/opd-ai/peersock/relay"
	"github.com/opd-ai/peersock/relay/relaytest"
)

func newTestClient(t *testing.T) (*relay.Client, *crypto.KeyPair) {
	t.Helper()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	c := relay.NewClient(kp)
	c.SetTimings(2*time.Second, 100*time.Millisecond, time.Second, 50*time.Millisecond, 500*time.Millisecond)
	t.Cleanup(func() { c.Close() })
	return c, kp
}

func waitConnected(t *testing.T, c *relay.Client, url string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected(url) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never connected to %s", url)
}

func TestClient_ForwardBetweenNodes(t *testing.T) {
	srv, err := relaytest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	a, kpA := newTestClient(t)
	b, kpB := newTestClient(t)

	type recv struct {
		src     crypto.NodeID
		payload []byte
	}
	gotB := make(chan recv, 4)
	b.SetRecvHandler(func(src crypto.NodeID, payload []byte, via string) {
		gotB <- recv{src, payload}
	})

	a.AddServer(srv.URL())
	b.AddServer(srv.URL())
	waitConnected(t, a, srv.URL())
	waitConnected(t, b, srv.URL())

	require.NoError(t, a.Send(srv.URL(), kpB.Public, []byte("through the relay")))

	select {
	case r := <-gotB:
		assert.Equal(t, kpA.Public, r.src)
		assert.Equal(t, []byte("through the relay"), r.payload)
	case <-time.After(5 * time.Second):
		t.Fatal("datagram never arrived through relay")
	}
}

func TestClient_PeerGoneForUnknownDestination(t *testing.T) {
	srv, err := relaytest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	a, _ := newTestClient(t)

	gone := make(chan crypto.NodeID, 1)
	a.SetPeerGoneHandler(func(node crypto.NodeID, via string) {
		gone <- node
	})

	a.AddServer(srv.URL())
	waitConnected(t, a, srv.URL())

	stranger, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, a.Send(srv.URL(), stranger.Public, []byte("anyone home")))

	select {
	case node := <-gone:
		assert.Equal(t, stranger.Public, node)
	case <-time.After(5 * time.Second):
		t.Fatal("no peer-gone notification")
	}
}

func TestClient_QueueDrainsAfterReconnect(t *testing.T) {
	srv, err := relaytest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	a, _ := newTestClient(t)
	b, kpB := newTestClient(t)

	var mu sync.Mutex
	var received [][]byte
	b.SetRecvHandler(func(src crypto.NodeID, payload []byte, via string) {
		mu.Lock()
		received = append(received, append([]byte(nil), payload...))
		mu.Unlock()
	})

	a.AddServer(srv.URL())
	b.AddServer(srv.URL())
	waitConnected(t, a, srv.URL())
	waitConnected(t, b, srv.URL())

	// Drop every session; sends issued while down must queue.
	srv.DisconnectAll()

	// Wait for the client to notice the break.
	deadline := time.Now().Add(5 * time.Second)
	for a.Connected(srv.URL()) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, a.Send(srv.URL(), kpB.Public, []byte("first")))
	require.NoError(t, a.Send(srv.URL(), kpB.Public, []byte("second")))

	// Both clients reconnect on their own; queued sends resume without
	// caller involvement.
	waitConnected(t, a, srv.URL())
	waitConnected(t, b, srv.URL())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 5*time.Second, 20*time.Millisecond, "queued datagrams not delivered after reconnect")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("first"), received[0])
	assert.Equal(t, []byte("second"), received[1])
}

func TestClient_PendingOverflowDropsOldest(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	c := relay.NewClient(kp)
	defer c.Close()
	c.SetPendingLimit(2)
	// Point at a black-hole address so the session never connects.
	c.SetTimings(50*time.Millisecond, 0, 0, 10*time.Second, 10*time.Second)

	url := "192.0.2.1:1"
	c.AddServer(url)

	dst := kp.Public
	require.NoError(t, c.Send(url, dst, []byte("one")))
	require.NoError(t, c.Send(url, dst, []byte("two")))
	require.NoError(t, c.Send(url, dst, []byte("three")))
	// Queue is bounded at two; "one" was dropped. Nothing to assert on
	// delivery here, only that Send never blocks or errors.
}

func TestClient_SendUnknownRelay(t *testing.T) {
	c, _ := newTestClient(t)

	dst, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	err = c.Send("203.0.113.9:99", dst.Public, []byte("x"))
	assert.ErrorIs(t, err, relay.ErrNoSession)
}

func TestClient_RTTMeasuredFromKeepalive(t *testing.T) {
	srv, err := relaytest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	c, _ := newTestClient(t)
	c.AddServer(srv.URL())
	waitConnected(t, c, srv.URL())

	assert.Eventually(t, func() bool {
		return c.RTT(srv.URL()) > 0
	}, 5*time.Second, 20*time.Millisecond, "no ping round trip measured")
}
