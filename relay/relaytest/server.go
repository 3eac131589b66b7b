// Package relaytest provides an in-process relay server implementing
// the peersock relay protocol, for use in tests.
package relaytest

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peersock/crypto"
	"github.com/opd-ai/peersock/relay"
)

// Server is a minimal relay server: it accepts authenticated sessions
// and forwards Send frames between registered nodes.
type Server struct {
	keyPair *crypto.KeyPair
	ln      net.Listener
	clients map[crypto.NodeID]*clientConn
	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
}

type clientConn struct {
	node crypto.NodeID
	conn net.Conn
	fc   *relay.FrameConn
}

// NewServer starts a relay server on a dynamic localhost port.
func NewServer() (*Server, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		keyPair: kp,
		ln:      ln,
		clients: make(map[crypto.NodeID]*clientConn),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// URL returns the address clients should dial.
func (s *Server) URL() string {
	return s.ln.Addr().String()
}

// ConnectedNodes returns the node IDs with a live session.
func (s *Server) ConnectedNodes() []crypto.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]crypto.NodeID, 0, len(s.clients))
	for node := range s.clients {
		nodes = append(nodes, node)
	}
	return nodes
}

// DisconnectAll drops every client connection without stopping the
// listener, simulating a relay restart.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for node, cc := range s.clients {
		cc.conn.Close()
		delete(s.clients, node)
	}
}

// Close stops the server and drops all sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.ln.Close()
	s.DisconnectAll()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	fc, node, err := relay.ServerHandshake(conn, s.keyPair)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveConn",
			"error":    err.Error(),
		}).Debug("Relay test server handshake failed")
		conn.Close()
		return
	}

	cc := &clientConn{node: node, conn: conn, fc: fc}

	s.mu.Lock()
	if old, exists := s.clients[node]; exists {
		old.conn.Close()
	}
	s.clients[node] = cc
	s.mu.Unlock()

	s.readLoop(cc)

	s.mu.Lock()
	if s.clients[node] == cc {
		delete(s.clients, node)
	}
	closed := s.closed
	others := make([]*clientConn, 0, len(s.clients))
	for _, other := range s.clients {
		others = append(others, other)
	}
	s.mu.Unlock()
	conn.Close()

	if closed {
		return
	}
	for _, other := range others {
		_ = other.fc.WriteFrame(&relay.Frame{Type: relay.FramePeerGone, Node: node})
	}
}

func (s *Server) readLoop(cc *clientConn) {
	for {
		frame, err := cc.fc.ReadFrame()
		if err != nil {
			return
		}

		switch frame.Type {
		case relay.FrameSend:
			s.forward(cc.node, frame)
		case relay.FramePing:
			_ = cc.fc.WriteFrame(&relay.Frame{Type: relay.FramePong, Payload: frame.Payload})
		}
	}
}

// forward delivers a Send frame to its destination if connected, or
// answers with PeerGone if not.
func (s *Server) forward(src crypto.NodeID, frame *relay.Frame) {
	s.mu.Lock()
	dst, exists := s.clients[frame.Node]
	sender := s.clients[src]
	s.mu.Unlock()

	if !exists {
		if sender != nil {
			_ = sender.fc.WriteFrame(&relay.Frame{Type: relay.FramePeerGone, Node: frame.Node})
		}
		return
	}

	out := &relay.Frame{Type: relay.FrameRecv, Node: src, Payload: frame.Payload}
	_ = dst.fc.WriteFrame(out)
}
