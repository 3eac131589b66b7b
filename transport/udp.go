package transport

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// readTimeout bounds each blocking read so the loop can observe
// cancellation and rebinds.
const readTimeout = 100 * time.Millisecond

// maxDatagramSize is the receive buffer size for a single datagram.
const maxDatagramSize = 65536

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr netip.AddrPort) error

// UDPTransport owns the local UDP socket: it sends and receives framed
// datagrams and dispatches them by packet type.
type UDPTransport struct {
	conn     net.PacketConn
	handlers map[PacketType]PacketHandler
	onRebind func(netip.AddrPort)
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewUDPTransport creates a UDP transport listening on listenAddr.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.processPackets()

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// SetRebindHook registers a callback invoked with the new local address
// after a successful Rebind.
func (t *UDPTransport) SetRebindHook(hook func(netip.AddrPort)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onRebind = hook
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr netip.AddrPort) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	_, err = conn.WriteTo(data, net.UDPAddrFromAddrPort(addr))
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()

	udpAddr, ok := t.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return udpAddr.AddrPort()
}

// Rebind closes the current socket and opens a fresh one on the same
// port, used when the local network attachment changes. The old NAT
// mapping is gone after a rebind, so callers should expect peers to
// fall back to their relay paths until probing re-confirms direct ones.
func (t *UDPTransport) Rebind() error {
	t.mu.Lock()
	old := t.conn
	port := 0
	if udpAddr, ok := old.LocalAddr().(*net.UDPAddr); ok {
		port = udpAddr.Port
	}
	old.Close()

	conn, err := net.ListenPacket("udp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		// Fall back to a dynamic port rather than staying dead.
		conn, err = net.ListenPacket("udp", ":0")
		if err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.conn = conn
	hook := t.onRebind
	t.mu.Unlock()

	local := t.LocalAddr()
	logrus.WithFields(logrus.Fields{
		"function":   "Rebind",
		"local_addr": local.String(),
	}).Info("UDP transport rebound")

	if hook != nil {
		hook(local)
	}
	return nil
}

// Close shuts down the transport.
func (t *UDPTransport) Close() error {
	t.cancel()

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	err := conn.Close()
	t.wg.Wait()
	return err
}

// processPackets handles incoming packets until the transport closes.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, maxDatagramSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	n, addr, err := conn.ReadFrom(buffer)
	if err != nil {
		// Timeouts are routine; anything else is either shutdown or a
		// rebind in progress, both handled by the next loop iteration.
		return
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}

	packet, err := ParsePacket(buffer[:n])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	t.dispatchPacketToHandler(packet, udpAddr.AddrPort())
}

// dispatchPacketToHandler finds and executes the appropriate handler.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr netip.AddrPort) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.Type]
	t.mu.RUnlock()

	if !exists {
		return
	}

	if err := handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatchPacketToHandler",
			"packet_type": packet.Type,
			"from":        addr.String(),
			"error":       err.Error(),
		}).Debug("Packet handler error")
	}
}
