package exchange

import (
	"time"
)

// exchangeKey identifies an inbound or outbound message by peer and
// message ID. Message IDs are only unique per peer.
type exchangeKey struct {
	peer string
	mid  uint16
}

type dedupEntry struct {
	response []byte
}

// DedupCache remembers inbound messages for ExchangeLifetime so that a
// retransmitted request is answered from the cached response instead of
// reaching the handler again (RFC 7252 Section 4.5).
//
// The cache is sharded by (peer, message ID) and never fails: a shard over
// its share of the capacity evicts its oldest entry.
type DedupCache struct {
	entries *expiringMap[exchangeKey, *dedupEntry]
	clock   func() time.Time
}

// NewDedupCache creates a cache holding entries for lifetime, bounded by capacity.
func NewDedupCache(lifetime time.Duration, capacity int) *DedupCache {
	return &DedupCache{
		entries: newExpiringMap[exchangeKey, *dedupEntry](lifetime, capacity),
		clock:   time.Now,
	}
}

// CheckOrRegister looks up (peer, mid). A fresh message is registered as in
// flight. For DedupWithResponse the cached encoded response is returned.
func (c *DedupCache) CheckOrRegister(peer string, mid uint16) (DedupStatus, []byte) {
	status := DedupFresh
	var response []byte

	c.entries.Update(exchangeKey{peer, mid}, c.clock(), func(e *dedupEntry, ok bool) (*dedupEntry, expiringOp) {
		if !ok {
			return &dedupEntry{}, opTouch
		}
		if e.response == nil {
			status = DedupInFlight
		} else {
			status = DedupWithResponse
			response = e.response
		}
		return e, opKeep
	})

	return status, response
}

// RecordResponse stores the encoded response for (peer, mid). The entry keeps
// its original age so the lifetime is measured from the first sighting.
func (c *DedupCache) RecordResponse(peer string, mid uint16, response []byte) {
	c.entries.Update(exchangeKey{peer, mid}, c.clock(), func(e *dedupEntry, ok bool) (*dedupEntry, expiringOp) {
		if !ok {
			return &dedupEntry{response: response}, opTouch
		}
		e.response = response
		return e, opStore
	})
}

// Forget removes (peer, mid), allowing the message to be processed again.
func (c *DedupCache) Forget(peer string, mid uint16) {
	c.entries.Delete(exchangeKey{peer, mid})
}

// Sweep removes expired entries and returns how many were dropped.
func (c *DedupCache) Sweep(now time.Time) int {
	return c.entries.Sweep(now)
}

// Len returns the number of cached entries.
func (c *DedupCache) Len() int {
	return c.entries.Len()
}
