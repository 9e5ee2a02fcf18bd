// Copyright 2024-2026 Aiku AI

package relay

import "sync"

// packetGate serializes the creation of a record for a packet id that is
// being observed concurrently by more than one transport.
type packetGate struct {
	mu       sync.Mutex
	inflight map[PacketID]chan struct{}
}

func newPacketGate() *packetGate {
	return &packetGate{inflight: make(map[PacketID]chan struct{})}
}

// WithPacketLock runs fn under an in-flight marker for id, unless known
// reports that a record for id already exists. A caller that finds a marker
// waits for it to be released and checks again. It returns false when fn was
// not run because the record exists, in which case the caller should treat
// the observation as a duplicate.
func (g *packetGate) WithPacketLock(id PacketID, known func(PacketID) bool, fn func()) bool {
	for {
		g.mu.Lock()
		if known(id) {
			g.mu.Unlock()
			return false
		}
		wait, busy := g.inflight[id]
		if !busy {
			done := make(chan struct{})
			g.inflight[id] = done
			g.mu.Unlock()
			defer g.release(id, done)
			fn()
			return true
		}
		g.mu.Unlock()
		<-wait
	}
}

func (g *packetGate) release(id PacketID, done chan struct{}) {
	g.mu.Lock()
	delete(g.inflight, id)
	g.mu.Unlock()
	close(done)
}

// Busy reports whether a marker is currently installed for id.
func (g *packetGate) Busy(id PacketID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[id]
	return ok
}
