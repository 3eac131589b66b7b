package transport

import (
	"net/netip"
	"sync"
	"time"
)

// PathMonitor tracks per-path traffic and latency so candidate ranking
// and liveness checks have something to rank with. Paths are keyed by
// remote address; relay paths use the relay URL as their key.
type PathMonitor struct {
	paths map[string]*PathHealth
	mu    sync.RWMutex
}

// PathHealth aggregates observations for a single path.
type PathHealth struct {
	Key             string
	Addr            netip.AddrPort
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	LastSent        time.Time
	LastReceived    time.Time
	RTT             time.Duration
	QualityScore    float64
}

// NewPathMonitor creates an empty path monitor.
func NewPathMonitor() *PathMonitor {
	return &PathMonitor{
		paths: make(map[string]*PathHealth),
	}
}

// RecordSent records an outbound datagram on the path.
func (pm *PathMonitor) RecordSent(key string, size int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	h := pm.ensure(key)
	h.PacketsSent++
	h.BytesSent += uint64(size)
	h.LastSent = time.Now()
}

// RecordReceived records an inbound datagram on the path.
func (pm *PathMonitor) RecordReceived(key string, size int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	h := pm.ensure(key)
	h.PacketsReceived++
	h.BytesReceived += uint64(size)
	h.LastReceived = time.Now()
	pm.updateQuality(h)
}

// RecordRTT records a measured round trip on the path, folded into an
// exponential moving average.
func (pm *PathMonitor) RecordRTT(key string, rtt time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	h := pm.ensure(key)
	if h.RTT == 0 {
		h.RTT = rtt
	} else {
		h.RTT = time.Duration(0.9*float64(h.RTT) + 0.1*float64(rtt))
	}
	pm.updateQuality(h)
}

// SetAddr associates a concrete address with the path key.
func (pm *PathMonitor) SetAddr(key string, addr netip.AddrPort) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.ensure(key).Addr = addr
}

// Addr returns the concrete address associated with the path, if one
// was set.
func (pm *PathMonitor) Addr(key string) (netip.AddrPort, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if h, ok := pm.paths[key]; ok && h.Addr.IsValid() {
		return h.Addr, true
	}
	return netip.AddrPort{}, false
}

// LastReceived returns the time of the last inbound datagram on the
// path, or the zero time if nothing was ever received.
func (pm *PathMonitor) LastReceived(key string) time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if h, ok := pm.paths[key]; ok {
		return h.LastReceived
	}
	return time.Time{}
}

// Quality returns the current quality score for the path, 0-100.
// Unknown paths score zero.
func (pm *PathMonitor) Quality(key string) float64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if h, ok := pm.paths[key]; ok {
		return h.QualityScore
	}
	return 0
}

// RTT returns the smoothed round-trip time for the path, or zero if no
// round trip has been measured.
func (pm *PathMonitor) RTT(key string) time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if h, ok := pm.paths[key]; ok {
		return h.RTT
	}
	return 0
}

// Snapshot returns copies of all path health records.
func (pm *PathMonitor) Snapshot() map[string]PathHealth {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make(map[string]PathHealth, len(pm.paths))
	for key, h := range pm.paths {
		out[key] = *h
	}
	return out
}

// Forget drops all state for the path.
func (pm *PathMonitor) Forget(key string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	delete(pm.paths, key)
}

// ensure returns the health record for key, creating it if needed.
// Caller must hold pm.mu.
func (pm *PathMonitor) ensure(key string) *PathHealth {
	h, ok := pm.paths[key]
	if !ok {
		h = &PathHealth{Key: key, QualityScore: 50.0}
		pm.paths[key] = h
	}
	return h
}

// updateQuality recomputes the quality score. Caller must hold pm.mu.
func (pm *PathMonitor) updateQuality(h *PathHealth) {
	quality := 100.0

	// Penalize high RTT beyond a 100ms grace budget.
	rttMs := float64(h.RTT.Nanoseconds()) / 1e6
	if rttMs > 100 {
		quality -= (rttMs - 100) / 10
	}

	// Penalize one-way silence: packets out with nothing coming back.
	if h.PacketsSent > 0 {
		ratio := float64(h.PacketsReceived) / float64(h.PacketsSent)
		if ratio < 1 {
			quality -= (1 - ratio) * 30
		}
	}

	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}
	h.QualityScore = quality
}
