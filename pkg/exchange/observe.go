package exchange

import (
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// seqAfter reports whether the 24-bit Observe sequence number v2 is newer
// than v1 (RFC 7641 Section 3.4). The difference is sign-extended from 24
// bits, so the comparison survives wraparound.
func seqAfter(v1, v2 uint32) bool {
	d := int32((v2-v1)<<8) >> 8
	return d > 0
}

// subscription is the client-side state of one observation.
type subscription struct {
	peer     transport.PeerAddress
	resource string
	lastSeq  uint32
	lastAt   time.Time
	hasSeq   bool
	owner    *Observation
}

// ObservationRegistry holds the client's live subscriptions, keyed by token.
// It decides which notifications are fresh enough to deliver.
type ObservationRegistry struct {
	subs      *shardedMap[string, *subscription]
	staleness time.Duration
}

// NewObservationRegistry creates a registry using the given staleness window.
func NewObservationRegistry(staleness time.Duration) *ObservationRegistry {
	return &ObservationRegistry{
		subs:      newShardedMap[string, *subscription](),
		staleness: staleness,
	}
}

// Register starts tracking a subscription. owner receives accepted
// notifications and may be nil in tests. Returns ErrTransactionExists if
// the token is already registered.
func (r *ObservationRegistry) Register(token []byte, peer transport.PeerAddress, resource string, owner *Observation) error {
	sub := &subscription{peer: peer, resource: resource, owner: owner}
	if !r.subs.StoreIfAbsent(string(token), sub) {
		return ErrTransactionExists
	}
	return nil
}

// AcceptNotification reports whether a notification with sequence number
// seq, arriving at now, is newer than the last accepted one. The first
// notification is always accepted. A notification is also accepted when
// the last one is older than the staleness window, since the counter may
// have lapped in the meantime.
func (r *ObservationRegistry) AcceptNotification(token []byte, seq uint32, now time.Time) bool {
	accepted := false
	seq &= observeSeqMask

	r.subs.With(string(token), func(m map[string]*subscription) {
		sub, ok := m[string(token)]
		if !ok {
			return
		}
		if sub.hasSeq && !seqAfter(sub.lastSeq, seq) && now.Sub(sub.lastAt) <= r.staleness {
			return
		}
		sub.lastSeq = seq
		sub.lastAt = now
		sub.hasSeq = true
		accepted = true
	})

	return accepted
}

// Lookup returns the owner of the subscription for token if it belongs to peer.
func (r *ObservationRegistry) Lookup(token []byte, peer transport.PeerAddress) (*Observation, bool) {
	sub, ok := r.subs.Load(string(token))
	if !ok || sub.peer.Key() != peer.Key() {
		return nil, false
	}
	return sub.owner, true
}

// Has reports whether token belongs to a live subscription.
func (r *ObservationRegistry) Has(token []byte) bool {
	_, ok := r.subs.Load(string(token))
	return ok
}

// Cancel removes the subscription. Later notifications for the token no
// longer match and are rejected. Returns false if it was not registered.
func (r *ObservationRegistry) Cancel(token []byte) bool {
	_, ok := r.subs.LoadAndDelete(string(token))
	return ok
}

// Len returns the number of live subscriptions.
func (r *ObservationRegistry) Len() int {
	return r.subs.Len()
}

// owners returns every subscription owner. Used for shutdown.
func (r *ObservationRegistry) owners() []*Observation {
	var out []*Observation
	r.subs.Range(func(_ string, sub *subscription) bool {
		if sub.owner != nil {
			out = append(out, sub.owner)
		}
		return true
	})
	return out
}

// Observer is one client registered on a server resource.
type Observer struct {
	// Peer is the observing client.
	Peer transport.PeerAddress

	// Token is the token of the registration request, echoed in every notification.
	Token []byte

	// Path is the observed resource.
	Path string

	// request is the registration request, replayed to the handler on Notify.
	request *message.Message

	// failures counts consecutive unacknowledged notifications.
	failures int
}

type observerKey struct {
	peer  string
	token string
}

type resourceObservers struct {
	seq       uint32
	observers map[observerKey]*Observer
}

// ObserverTable is the server side of Observe: for each resource path the
// registered observers and the sequence counter of its notifications.
type ObserverTable struct {
	resources   *shardedMap[string, *resourceObservers]
	maxFailures int
}

// NewObserverTable creates a table that drops an observer after more than
// maxFailures consecutive notification timeouts.
func NewObserverTable(maxFailures int) *ObserverTable {
	return &ObserverTable{
		resources:   newShardedMap[string, *resourceObservers](),
		maxFailures: maxFailures,
	}
}

// Add registers (or re-registers) an observer for path. A re-registration
// with the same peer and token replaces the stored request and resets the
// failure counter.
func (t *ObserverTable) Add(path string, peer transport.PeerAddress, token []byte, req *message.Message) {
	t.resources.With(path, func(m map[string]*resourceObservers) {
		res, ok := m[path]
		if !ok {
			res = &resourceObservers{observers: make(map[observerKey]*Observer)}
			m[path] = res
		}
		res.observers[observerKey{peer.Key(), string(token)}] = &Observer{
			Peer:    peer,
			Token:   append([]byte(nil), token...),
			Path:    path,
			request: req,
		}
	})
}

// Remove deregisters the observer (peer, token) from path.
func (t *ObserverTable) Remove(path string, peer transport.PeerAddress, token []byte) bool {
	removed := false
	t.resources.With(path, func(m map[string]*resourceObservers) {
		res, ok := m[path]
		if !ok {
			return
		}
		key := observerKey{peer.Key(), string(token)}
		if _, ok := res.observers[key]; ok {
			delete(res.observers, key)
			removed = true
		}
		if len(res.observers) == 0 {
			delete(m, path)
		}
	})
	return removed
}

// RemovePath drops every observer of path and returns them.
func (t *ObserverTable) RemovePath(path string) []*Observer {
	res, ok := t.resources.LoadAndDelete(path)
	if !ok {
		return nil
	}
	out := make([]*Observer, 0, len(res.observers))
	for _, o := range res.observers {
		out = append(out, o)
	}
	return out
}

// Observers returns a snapshot of the observers of path.
func (t *ObserverTable) Observers(path string) []*Observer {
	var out []*Observer
	t.resources.With(path, func(m map[string]*resourceObservers) {
		if res, ok := m[path]; ok {
			for _, o := range res.observers {
				out = append(out, o)
			}
		}
	})
	return out
}

// IsObserving reports whether (peer, token) observes path.
func (t *ObserverTable) IsObserving(path string, peer transport.PeerAddress, token []byte) bool {
	found := false
	t.resources.With(path, func(m map[string]*resourceObservers) {
		if res, ok := m[path]; ok {
			_, found = res.observers[observerKey{peer.Key(), string(token)}]
		}
	})
	return found
}

// NextSequence returns the next 24-bit sequence number for path.
func (t *ObserverTable) NextSequence(path string) uint32 {
	var seq uint32
	t.resources.With(path, func(m map[string]*resourceObservers) {
		res, ok := m[path]
		if !ok {
			res = &resourceObservers{observers: make(map[observerKey]*Observer)}
			m[path] = res
		}
		res.seq = (res.seq + 1) & observeSeqMask
		seq = res.seq
	})
	return seq
}

// RecordSuccess resets the failure counter of an observer.
func (t *ObserverTable) RecordSuccess(path string, peer transport.PeerAddress, token []byte) {
	t.resources.With(path, func(m map[string]*resourceObservers) {
		if res, ok := m[path]; ok {
			if o, ok := res.observers[observerKey{peer.Key(), string(token)}]; ok {
				o.failures = 0
			}
		}
	})
}

// RecordFailure counts an unacknowledged notification. When the count
// exceeds the limit the observer is removed and true is returned.
func (t *ObserverTable) RecordFailure(path string, peer transport.PeerAddress, token []byte) bool {
	removed := false
	t.resources.With(path, func(m map[string]*resourceObservers) {
		res, ok := m[path]
		if !ok {
			return
		}
		key := observerKey{peer.Key(), string(token)}
		o, ok := res.observers[key]
		if !ok {
			return
		}
		o.failures++
		if o.failures > t.maxFailures {
			delete(res.observers, key)
			removed = true
			if len(res.observers) == 0 {
				delete(m, path)
			}
		}
	})
	return removed
}

// Count returns the number of observers of path.
func (t *ObserverTable) Count(path string) int {
	n := 0
	t.resources.With(path, func(m map[string]*resourceObservers) {
		if res, ok := m[path]; ok {
			n = len(res.observers)
		}
	})
	return n
}
