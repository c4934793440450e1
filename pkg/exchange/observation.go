package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// notificationBuffer is the capacity of Observation.Notifications. When a
// consumer falls behind, the oldest buffered notification is discarded.
const notificationBuffer = 16

// Observation is a client subscription to a remote resource (RFC 7641).
type Observation struct {
	m     *Manager
	token []byte
	path  string
	peer  transport.PeerAddress

	notifications chan *message.Message
	done          chan struct{}

	mu    sync.Mutex
	ended bool
	err   error

	// gen counts accepted notifications. A block-wise fetch delivers only
	// while its generation is still the newest.
	gen         uint64
	latest      uint32
	cancelFetch context.CancelFunc
}

// Notifications returns the channel of accepted notifications, in order.
// Block-wise notifications are delivered reassembled.
func (o *Observation) Notifications() <-chan *message.Message {
	return o.notifications
}

// Done is closed when the observation ends.
func (o *Observation) Done() <-chan struct{} {
	return o.done
}

// Err returns why the observation ended: nil after Cancel,
// ErrObservationEnded when the server ended it, or ErrManagerClosed.
func (o *Observation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Token returns the token shared by the registration and all notifications.
func (o *Observation) Token() []byte {
	return o.token
}

// Path returns the observed resource path.
func (o *Observation) Path() string {
	return o.path
}

// Cancel deregisters from the server with a GET carrying Observe=1 and ends
// the observation. Notifications arriving afterwards are rejected with Reset.
func (o *Observation) Cancel(ctx context.Context) error {
	if !o.m.observations.Cancel(o.token) {
		return nil
	}
	defer o.end(nil)

	req := message.NewRequest(message.GET, o.path)
	req.Token = o.token
	req.Options.SetUint(message.Observe, 1)

	_, err := o.m.roundTrip(ctx, req, o.peer, true)
	return err
}

// advance records seq as the newest accepted notification and cancels any
// fetch still completing an older one. It returns the new generation.
func (o *Observation) advance(seq uint32) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopFetchLocked()
	o.gen++
	o.latest = seq
	return o.gen
}

// Latest returns the sequence number of the newest accepted notification.
func (o *Observation) Latest() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest
}

// setFetch installs the cancel func of the fetch for generation gen. It
// reports false if a newer notification was accepted meanwhile.
func (o *Observation) setFetch(gen uint64, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended || gen != o.gen {
		return false
	}
	o.cancelFetch = cancel
	return true
}

func (o *Observation) stopFetchLocked() {
	if o.cancelFetch != nil {
		o.cancelFetch()
		o.cancelFetch = nil
	}
}

// deliverCurrent queues msg only if gen is still the newest generation.
func (o *Observation) deliverCurrent(msg *message.Message, gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return false
	}
	o.cancelFetch = nil
	o.enqueueLocked(msg)
	return true
}

// deliver queues msg, discarding the oldest queued notification if full.
func (o *Observation) deliver(msg *message.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enqueueLocked(msg)
}

func (o *Observation) enqueueLocked(msg *message.Message) {
	if o.ended {
		return
	}
	for {
		select {
		case o.notifications <- msg:
			return
		default:
		}
		select {
		case <-o.notifications:
		default:
		}
	}
}

// end finishes the observation once.
func (o *Observation) end(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	o.ended = true
	o.err = err
	o.stopFetchLocked()
	close(o.done)
}

// Observe subscribes to path on peer. The registration response is the
// first notification. The subscription is registered before the request is
// sent, so a notification racing the response is not lost.
func (m *Manager) Observe(ctx context.Context, path string, peer transport.PeerAddress) (*Observation, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	token, err := m.newToken()
	if err != nil {
		return nil, err
	}

	obs := &Observation{
		m:             m,
		token:         token,
		path:          cleanPath(path),
		peer:          peer,
		notifications: make(chan *message.Message, notificationBuffer),
		done:          make(chan struct{}),
	}
	if err := m.observations.Register(token, peer, obs.path, obs); err != nil {
		return nil, err
	}

	req := message.NewRequest(message.GET, obs.path)
	req.Token = token
	req.Options.SetUint(message.Observe, 0)

	resp, err := m.roundTrip(ctx, req, peer, true)
	if err != nil {
		m.observations.Cancel(token)
		return nil, err
	}

	seq, ok := resp.ObserveSeq()
	if !resp.Code.IsSuccess() || !ok {
		m.observations.Cancel(token)
		return nil, fmt.Errorf("%w: %s answered %s", ErrNotObservable, obs.path, resp.Code)
	}
	m.observations.AcceptNotification(token, seq, time.Now())
	gen := obs.advance(seq)

	full, err := m.completeBlock2(ctx, req, resp, peer, true)
	if err != nil {
		m.observations.Cancel(token)
		return nil, err
	}
	obs.deliverCurrent(full, gen)

	return obs, nil
}

// deliverNotification handles a response matched to a subscription. A
// response without Observe, or with a non-2.xx code, ends it.
func (m *Manager) deliverNotification(obs *Observation, msg *message.Message) {
	seq, ok := msg.ObserveSeq()
	if !ok || !msg.Code.IsSuccess() {
		m.observations.Cancel(obs.token)
		obs.deliver(msg)
		obs.end(ErrObservationEnded)
		return
	}

	if !m.observations.AcceptNotification(obs.token, seq, time.Now()) {
		m.stats.staleNotifications.Add(1)
		m.log.Debugf("%v: seq=%d token=%x", ErrStaleNotification, seq, obs.token)
		return
	}

	gen := obs.advance(seq)

	if b, ok, err := msg.GetBlock(message.Block2); err == nil && ok && b.More {
		ctx, cancel := context.WithTimeout(context.Background(), m.params.MaxTransmitWait())
		if !obs.setFetch(gen, cancel) {
			cancel()
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer cancel()
			m.fetchNotification(ctx, obs, msg, seq, gen)
		}()
		return
	}

	obs.deliverCurrent(msg, gen)
}

// fetchNotification completes a block-wise notification and delivers it
// unless a newer notification was accepted meanwhile. A notification that
// cannot be completed is dropped; the next one will carry fresh state.
func (m *Manager) fetchNotification(ctx context.Context, obs *Observation, first *message.Message, seq uint32, gen uint64) {
	key := fmt.Sprintf("%s|%x|%d", obs.peer.Key(), obs.token, seq)
	req := message.NewRequest(message.GET, obs.path)
	full, err := m.assembleBlock2(ctx, key, req, first, obs.peer, true)
	if err != nil {
		m.log.Debugf("dropping block-wise notification %d for %s: %v", seq, obs.path, err)
		return
	}
	if !full.Code.IsSuccess() {
		return
	}
	if !obs.deliverCurrent(full, gen) {
		m.stats.staleNotifications.Add(1)
		m.log.Debugf("%v: block-wise seq=%d superseded", ErrStaleNotification, seq)
	}
}
