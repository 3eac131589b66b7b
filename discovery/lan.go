package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peersock/crypto"
)

const (
	lanAnnounceInterval = 10 * time.Second
	lanPeerTimeout      = 60 * time.Second

	// lanPacketSize is [magic (4)][node ID (32)][port (2)].
	lanPacketSize = 38
)

var lanMagic = [4]byte{'P', 'S', 'L', 'D'}

// lanPeer is one node heard on the local segment.
type lanPeer struct {
	addr     netip.AddrPort
	lastSeen time.Time
}

// LAN announces this node on the local network segment via UDP broadcast
// and collects announcements from other nodes. Lookup serves from the
// set of announcements heard recently; Publish updates the advertised
// listen port.
type LAN struct {
	self          crypto.NodeID
	port          uint16
	discoveryPort uint16
	conn          net.PacketConn
	peers         map[crypto.NodeID]lanPeer
	running       bool
	stopChan      chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
}

// NewLAN creates a LAN provider announcing self on port. Announcements
// travel on discoveryPort, which must be shared by all nodes on the
// segment.
func NewLAN(self crypto.NodeID, port, discoveryPort uint16) *LAN {
	return &LAN{
		self:          self,
		port:          port,
		discoveryPort: discoveryPort,
		peers:         make(map[crypto.NodeID]lanPeer),
		stopChan:      make(chan struct{}),
	}
}

// Start begins announcing and listening for announcements.
func (l *LAN) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", l.discoveryPort))
	if err != nil {
		return fmt.Errorf("failed to open LAN discovery socket: %w", err)
	}

	l.conn = conn
	l.running = true

	l.wg.Add(2)
	go l.announceLoop()
	go l.receiveLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"port":     l.discoveryPort,
	}).Info("LAN discovery started")

	return nil
}

// Stop halts announcements and closes the discovery socket.
func (l *LAN) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false

	select {
	case <-l.stopChan:
	default:
		close(l.stopChan)
	}

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()

	l.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Debug("LAN discovery stopped")
}

// Name implements Provider.
func (l *LAN) Name() string {
	return "lan"
}

// Lookup implements Provider from the announcements heard recently.
func (l *LAN) Lookup(ctx context.Context, node crypto.NodeID) ([]Hint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	peer, ok := l.peers[node]
	if !ok || time.Since(peer.lastSeen) > lanPeerTimeout {
		return nil, nil
	}
	return []Hint{{Addr: peer.addr}}, nil
}

// Publish implements Provider. Only the listen port from the record's
// own addresses matters here; announcements always carry the IP of the
// interface they leave on.
func (l *LAN) Publish(ctx context.Context, rec Record) error {
	if rec.Node != l.self {
		return nil
	}

	l.mu.Lock()
	for _, addr := range rec.Addrs {
		if addr.Port() != 0 {
			l.port = addr.Port()
			break
		}
	}
	l.mu.Unlock()
	return nil
}

// announceLoop broadcasts this node's announcement periodically.
func (l *LAN) announceLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(lanAnnounceInterval)
	defer ticker.Stop()

	l.announce()

	for {
		select {
		case <-ticker.C:
			l.announce()
		case <-l.stopChan:
			return
		}
	}
}

// announce sends one announcement to the IPv4 broadcast address.
func (l *LAN) announce() {
	l.mu.RLock()
	conn := l.conn
	port := l.port
	discoveryPort := l.discoveryPort
	l.mu.RUnlock()

	if conn == nil {
		return
	}

	packet := marshalAnnouncement(l.self, port)

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: int(discoveryPort)}
	if _, err := conn.WriteTo(packet, dst); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "announce",
			"error":    err.Error(),
		}).Debug("Failed to send LAN announcement")
	}
}

// receiveLoop reads announcements until Stop closes the socket.
func (l *LAN) receiveLoop() {
	defer l.wg.Done()

	buffer := make([]byte, 256)

	for {
		select {
		case <-l.stopChan:
			return
		default:
		}

		l.mu.RLock()
		conn := l.conn
		l.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			select {
			case <-l.stopChan:
				return
			default:
				continue
			}
		}

		l.handleAnnouncement(buffer[:n], addr)
	}
}

// handleAnnouncement records a peer announcement, ignoring our own.
func (l *LAN) handleAnnouncement(data []byte, from net.Addr) {
	node, port, err := parseAnnouncement(data)
	if err != nil {
		return
	}
	if node == l.self {
		return
	}

	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}
	ip, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return
	}
	peerAddr := netip.AddrPortFrom(ip.Unmap(), port)

	l.mu.Lock()
	_, known := l.peers[node]
	l.peers[node] = lanPeer{addr: peerAddr, lastSeen: time.Now()}
	l.mu.Unlock()

	if !known {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnnouncement",
			"node":     node.ShortString(),
			"addr":     peerAddr.String(),
		}).Info("Discovered LAN peer")
	}
}

// marshalAnnouncement builds an announcement packet:
// [magic (4)][node ID (32)][port (2, big endian)].
func marshalAnnouncement(node crypto.NodeID, port uint16) []byte {
	packet := make([]byte, lanPacketSize)
	copy(packet[0:4], lanMagic[:])
	copy(packet[4:36], node[:])
	binary.BigEndian.PutUint16(packet[36:38], port)
	return packet
}

// parseAnnouncement extracts the node ID and listen port from an
// announcement packet.
func parseAnnouncement(data []byte) (crypto.NodeID, uint16, error) {
	var node crypto.NodeID
	if len(data) < lanPacketSize {
		return node, 0, fmt.Errorf("announcement too short: %d bytes", len(data))
	}
	if [4]byte(data[0:4]) != lanMagic {
		return node, 0, fmt.Errorf("announcement has wrong magic")
	}

	copy(node[:], data[4:36])
	port := binary.BigEndian.Uint16(data[36:38])
	return node, port, nil
}
