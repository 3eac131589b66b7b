package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peersock/crypto"
)

// SessionState represents the state of one relay session.
type SessionState uint8

const (
	// SessionDisconnected means no connection to the relay server.
	SessionDisconnected SessionState = iota
	// SessionConnecting means a connection attempt is in progress.
	SessionConnecting
	// SessionConnected means authenticated and ready to forward.
	SessionConnected
)

// Default timing constants for relay sessions.
const (
	defaultDialTimeout   = 10 * time.Second
	defaultPingInterval  = 15 * time.Second
	defaultPongTimeout   = 45 * time.Second
	defaultReconnectBase = time.Second
	defaultReconnectMax  = time.Minute
	defaultPendingLimit  = 64
)

// ErrNoSession indicates a send toward a relay the client has no
// session record for.
var ErrNoSession = errors.New("no session for relay")

// RecvHandler consumes datagrams forwarded by a relay. via is the relay
// URL the datagram arrived through.
type RecvHandler func(src crypto.NodeID, payload []byte, via string)

// PeerGoneHandler is invoked when a relay reports a node is no longer
// reachable through it.
type PeerGoneHandler func(node crypto.NodeID, via string)

// Client maintains authenticated sessions to relay servers and forwards
// datagrams through them. Loss is acceptable; blocking is not: sends
// during a disconnect are queued up to a bound and the oldest dropped
// on overflow.
type Client struct {
	keyPair  *crypto.KeyPair
	sessions map[string]*Session

	recvHandler     RecvHandler
	peerGoneHandler PeerGoneHandler

	dialTimeout   time.Duration
	pingInterval  time.Duration
	pongTimeout   time.Duration
	reconnectBase time.Duration
	reconnectMax  time.Duration
	pendingLimit  int

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Session is one persistent logical connection to a relay server,
// multiplexing datagrams for many node IDs.
type Session struct {
	url      string
	state    SessionState
	conn     net.Conn
	fc       *FrameConn
	pending  []*Frame
	dropped  uint64
	lastPong time.Time
	rtt      time.Duration
	lastPing time.Time
	backoff  time.Duration
	mu       sync.Mutex
}

// NewClient creates a relay client authenticated as kp.
func NewClient(kp *crypto.KeyPair) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		keyPair:       kp,
		sessions:      make(map[string]*Session),
		dialTimeout:   defaultDialTimeout,
		pingInterval:  defaultPingInterval,
		pongTimeout:   defaultPongTimeout,
		reconnectBase: defaultReconnectBase,
		reconnectMax:  defaultReconnectMax,
		pendingLimit:  defaultPendingLimit,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetRecvHandler sets the handler for forwarded datagrams. The handler
// runs on the session read loop and must not block.
func (c *Client) SetRecvHandler(handler RecvHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvHandler = handler
}

// SetPeerGoneHandler sets the handler for peer-gone notifications.
func (c *Client) SetPeerGoneHandler(handler PeerGoneHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerGoneHandler = handler
}

// SetTimings overrides the session timing constants. Zero values keep
// the current setting. Intended for tests and for applications with
// unusual network environments.
func (c *Client) SetTimings(dial, ping, pong, reconnectBase, reconnectMax time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dial > 0 {
		c.dialTimeout = dial
	}
	if ping > 0 {
		c.pingInterval = ping
	}
	if pong > 0 {
		c.pongTimeout = pong
	}
	if reconnectBase > 0 {
		c.reconnectBase = reconnectBase
	}
	if reconnectMax > 0 {
		c.reconnectMax = reconnectMax
	}
}

// SetPendingLimit bounds the per-session queue of sends buffered during
// a disconnect.
func (c *Client) SetPendingLimit(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 {
		c.pendingLimit = limit
	}
}

// AddServer registers a relay server and starts maintaining a session
// to it. Adding an already-known URL is a no-op.
func (c *Client) AddServer(url string) {
	c.mu.Lock()
	if _, exists := c.sessions[url]; exists {
		c.mu.Unlock()
		return
	}

	s := &Session{url: url, backoff: c.reconnectBase}
	c.sessions[url] = s
	c.wg.Add(1)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "AddServer",
		"relay":    url,
	}).Info("Adding relay server")

	go c.runSession(s)
}

// RemoveServer drops the session for url and stops reconnecting to it.
func (c *Client) RemoveServer(url string) {
	c.mu.Lock()
	s, exists := c.sessions[url]
	if exists {
		delete(c.sessions, url)
	}
	c.mu.Unlock()

	if exists {
		s.close()
	}
}

// Send forwards payload to dst through the relay at url. If the session
// is down the frame is queued for delivery after reconnect.
func (c *Client) Send(url string, dst crypto.NodeID, payload []byte) error {
	c.mu.RLock()
	s, exists := c.sessions[url]
	c.mu.RUnlock()
	if !exists {
		return ErrNoSession
	}

	frame := &Frame{Type: FrameSend, Node: dst, Payload: payload}

	s.mu.Lock()
	fc := s.fc
	connected := s.state == SessionConnected
	if !connected {
		c.enqueueLocked(s, frame)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := fc.WriteFrame(frame); err != nil {
		// The read loop will notice the broken connection; queue the
		// frame so it is retried after reconnect.
		s.mu.Lock()
		c.enqueueLocked(s, frame)
		s.mu.Unlock()
		return nil
	}
	return nil
}

// Connected reports whether the session for url is established.
func (c *Client) Connected(url string) bool {
	c.mu.RLock()
	s, exists := c.sessions[url]
	c.mu.RUnlock()
	if !exists {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionConnected
}

// RTT returns the last measured ping round trip for the session, or
// zero if none has completed.
func (c *Client) RTT(url string) time.Duration {
	c.mu.RLock()
	s, exists := c.sessions[url]
	c.mu.RUnlock()
	if !exists {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

// ServerURLs returns the URLs of all registered relay servers.
func (c *Client) ServerURLs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	urls := make([]string, 0, len(c.sessions))
	for url := range c.sessions {
		urls = append(urls, url)
	}
	return urls
}

// Close shuts down all sessions and waits for their loops to exit.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	for _, s := range c.sessions {
		s.close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// enqueueLocked appends a frame to the session's pending queue,
// dropping the oldest entry on overflow. Caller holds s.mu.
func (c *Client) enqueueLocked(s *Session, frame *Frame) {
	if len(s.pending) >= c.pendingLimit {
		s.pending = s.pending[1:]
		s.dropped++
		logrus.WithFields(logrus.Fields{
			"function": "enqueueLocked",
			"relay":    s.url,
		}).Debug("Pending queue full, dropping oldest datagram")
	}
	s.pending = append(s.pending, frame)
}

// runSession maintains the connection to one relay server: connect,
// serve, reconnect with capped exponential backoff.
func (c *Client) runSession(s *Session) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(s); err != nil {
			if !c.sleepBackoff(s) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.backoff = c.reconnectBase
		s.mu.Unlock()

		c.serve(s)

		// Removed sessions stay closed.
		c.mu.RLock()
		_, stillKnown := c.sessions[s.url]
		c.mu.RUnlock()
		if !stillKnown {
			return
		}
	}
}

// sleepBackoff waits out the session's current backoff, doubling it up
// to the cap. It returns false if the client closed while waiting.
func (c *Client) sleepBackoff(s *Session) bool {
	s.mu.Lock()
	d := s.backoff
	s.backoff *= 2
	if s.backoff > c.reconnectMax {
		s.backoff = c.reconnectMax
	}
	s.mu.Unlock()

	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// connect dials, handshakes, and flushes the pending queue.
func (c *Client) connect(s *Session) error {
	s.mu.Lock()
	s.state = SessionConnecting
	s.mu.Unlock()

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", s.url)
	if err != nil {
		s.mu.Lock()
		s.state = SessionDisconnected
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "connect",
			"relay":    s.url,
			"error":    err.Error(),
		}).Warn("Relay dial failed")
		return err
	}

	conn.SetDeadline(time.Now().Add(c.dialTimeout))
	fc, err := ClientHandshake(conn, c.keyPair)
	if err != nil {
		conn.Close()
		s.mu.Lock()
		s.state = SessionDisconnected
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "connect",
			"relay":    s.url,
			"error":    err.Error(),
		}).Warn("Relay handshake failed")
		return err
	}
	conn.SetDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	s.fc = fc
	s.state = SessionConnected
	s.lastPong = time.Now()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "connect",
		"relay":    s.url,
		"queued":   len(queued),
	}).Info("Connected to relay server")

	// Resume queued sends in order; anything that fails goes back to
	// the queue for the next reconnect.
	for i, frame := range queued {
		if err := fc.WriteFrame(frame); err != nil {
			s.mu.Lock()
			s.pending = append(queued[i:], s.pending...)
			s.mu.Unlock()
			break
		}
	}
	return nil
}

// serve runs the read loop and keepalive for an established session,
// returning when the connection breaks or the client closes.
func (c *Client) serve(s *Session) {
	done := make(chan struct{})
	go c.keepalive(s, done)

	for {
		frame, err := s.fc.ReadFrame()
		if err != nil {
			break
		}
		c.handleFrame(s, frame)
	}

	close(done)

	s.mu.Lock()
	s.state = SessionDisconnected
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.fc = nil
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "serve",
		"relay":    s.url,
	}).Info("Relay session disconnected")
}

// handleFrame dispatches a single inbound frame.
func (c *Client) handleFrame(s *Session, frame *Frame) {
	switch frame.Type {
	case FrameRecv:
		c.mu.RLock()
		handler := c.recvHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(frame.Node, frame.Payload, s.url)
		}

	case FramePong:
		s.mu.Lock()
		s.lastPong = time.Now()
		if !s.lastPing.IsZero() {
			s.rtt = time.Since(s.lastPing)
		}
		s.mu.Unlock()

	case FramePing:
		s.mu.Lock()
		fc := s.fc
		s.mu.Unlock()
		if fc != nil {
			_ = fc.WriteFrame(&Frame{Type: FramePong, Payload: frame.Payload})
		}

	case FramePeerGone:
		c.mu.RLock()
		handler := c.peerGoneHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(frame.Node, s.url)
		}

	default:
		logrus.WithFields(logrus.Fields{
			"function":   "handleFrame",
			"relay":      s.url,
			"frame_type": frame.Type,
		}).Debug("Ignoring unknown relay frame")
	}
}

// keepalive pings the server periodically and tears the connection down
// if pongs stop arriving.
func (c *Client) keepalive(s *Session, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			fc := s.fc
			conn := s.conn
			s.lastPing = time.Now()
			stale := time.Since(s.lastPong) > c.pongTimeout
			s.mu.Unlock()

			if fc == nil {
				return
			}
			if stale {
				logrus.WithFields(logrus.Fields{
					"function": "keepalive",
					"relay":    s.url,
				}).Warn("Relay pong timeout, reconnecting")
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err := fc.WriteFrame(&Frame{Type: FramePing, Payload: []byte{}}); err != nil {
				return
			}
		}
	}
}

// close tears down the session's connection, waking its read loop.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = SessionDisconnected
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
