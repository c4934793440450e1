package exchange

import (
	"math/rand"
	"time"
)

const midSpace = 1 << 16

// peerMIDs is the message ID state of one peer.
type peerMIDs struct {
	next uint16
	// live holds IDs of messages still in flight.
	live map[uint16]struct{}
	// quarantine maps released IDs to their release time.
	quarantine map[uint16]time.Time
}

// MessageIDAllocator hands out message IDs per peer. IDs advance from a
// random start and skip IDs that are in flight. A released ID stays
// quarantined for the exchange lifetime, so a late duplicate of an old
// message can never be mistaken for a new one by the peer's dedup cache.
//
// When every free ID of a peer is quarantined, the one released longest ago
// is reused. Allocation only fails when all 65536 IDs are in flight.
type MessageIDAllocator struct {
	peers    *shardedMap[string, *peerMIDs]
	lifetime time.Duration
	start    func() uint16
}

// NewMessageIDAllocator creates an allocator with the given quarantine time.
func NewMessageIDAllocator(lifetime time.Duration) *MessageIDAllocator {
	return &MessageIDAllocator{
		peers:    newShardedMap[string, *peerMIDs](),
		lifetime: lifetime,
		start:    func() uint16 { return uint16(rand.Uint32()) },
	}
}

// Allocate returns an unused message ID for peer and marks it in flight.
func (a *MessageIDAllocator) Allocate(peer string, now time.Time) (uint16, error) {
	var (
		mid uint16
		err error
	)
	a.peers.With(peer, func(m map[string]*peerMIDs) {
		p, ok := m[peer]
		if !ok {
			p = &peerMIDs{
				next:       a.start(),
				live:       make(map[uint16]struct{}),
				quarantine: make(map[uint16]time.Time),
			}
			m[peer] = p
		}
		mid, err = a.allocateLocked(p, now)
	})
	return mid, err
}

func (a *MessageIDAllocator) allocateLocked(p *peerMIDs, now time.Time) (uint16, error) {
	if len(p.live) >= midSpace {
		return 0, ErrMessageIDsExhausted
	}

	var (
		oldest    uint16
		oldestAt  time.Time
		hasOldest bool
	)

	candidate := p.next
	for i := 0; i < midSpace; i++ {
		id := candidate
		candidate++

		if _, inFlight := p.live[id]; inFlight {
			continue
		}
		released, quarantined := p.quarantine[id]
		if !quarantined || now.Sub(released) >= a.lifetime {
			delete(p.quarantine, id)
			return a.takeLocked(p, id), nil
		}
		if !hasOldest || released.Before(oldestAt) {
			oldest, oldestAt, hasOldest = id, released, true
		}
	}

	// Every free ID is quarantined. Reuse the one released longest ago.
	delete(p.quarantine, oldest)
	return a.takeLocked(p, oldest), nil
}

func (a *MessageIDAllocator) takeLocked(p *peerMIDs, id uint16) uint16 {
	p.live[id] = struct{}{}
	p.next = id + 1
	return id
}

// Release ends the flight of mid and starts its quarantine.
func (a *MessageIDAllocator) Release(peer string, mid uint16, now time.Time) {
	a.peers.With(peer, func(m map[string]*peerMIDs) {
		p, ok := m[peer]
		if !ok {
			return
		}
		if _, live := p.live[mid]; !live {
			return
		}
		delete(p.live, mid)
		p.quarantine[mid] = now
	})
}

// InFlight reports whether mid is currently allocated for peer.
func (a *MessageIDAllocator) InFlight(peer string, mid uint16) bool {
	inFlight := false
	a.peers.With(peer, func(m map[string]*peerMIDs) {
		if p, ok := m[peer]; ok {
			_, inFlight = p.live[mid]
		}
	})
	return inFlight
}

// Sweep ends expired quarantines and forgets idle peers.
func (a *MessageIDAllocator) Sweep(now time.Time) {
	var idle []string
	a.peers.Range(func(peer string, p *peerMIDs) bool {
		for id, released := range p.quarantine {
			if now.Sub(released) >= a.lifetime {
				delete(p.quarantine, id)
			}
		}
		if len(p.live) == 0 && len(p.quarantine) == 0 {
			idle = append(idle, peer)
		}
		return true
	})

	for _, peer := range idle {
		a.peers.With(peer, func(m map[string]*peerMIDs) {
			if p, ok := m[peer]; ok && len(p.live) == 0 && len(p.quarantine) == 0 {
				delete(m, peer)
			}
		})
	}
}
