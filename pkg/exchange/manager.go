package exchange

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// Sender transmits encoded datagrams. *transport.Manager implements it.
type Sender interface {
	Send(data []byte, peer transport.PeerAddress) error
}

// Codec encodes and decodes CoAP messages. message.Codec implements it.
type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
}

// ManagerConfig configures the exchange Manager.
type ManagerConfig struct {
	// Transport sends datagrams. Required.
	Transport Sender

	// Codec defaults to message.Codec.
	Codec Codec

	// Params are the protocol parameters. Zero fields take their defaults.
	Params Params

	// RandomSource randomizes the initial retransmission timeout.
	// Defaults to DefaultRandomSource.
	RandomSource RandomSource

	// LoggerFactory is the factory for creating loggers. Nil disables
	// logging.
	LoggerFactory logging.LoggerFactory
}

// pendingRequest is a request awaiting its response, keyed by token.
type pendingRequest struct {
	peer   transport.PeerAddress
	result chan requestResult
}

type requestResult struct {
	msg *message.Message
	err error
}

// complete delivers the first result. Later results are dropped.
func (p *pendingRequest) complete(msg *message.Message, err error) {
	select {
	case p.result <- requestResult{msg: msg, err: err}:
	default:
	}
}

// Manager is the CoAP exchange dispatcher. It owns every table of the
// exchange layer and routes each inbound message to exactly one of a
// resource handler, a pending request, or an observation.
//
// Inbound datagrams enter through OnMessageReceived, which is safe to call
// from the transport read loop: handlers run on their own goroutine.
type Manager struct {
	config  ManagerConfig
	params  Params
	codec   Codec
	backoff *BackoffCalculator
	szx     uint8
	log     logging.LeveledLogger

	transactions *TransactionTable
	scheduler    *Scheduler
	mids         *MessageIDAllocator
	dedup        *DedupCache
	observations *ObservationRegistry
	observers    *ObserverTable

	// uploads reassembles inbound Block1 bodies, keyed by peer and path.
	uploads *Assembler
	// downloads reassembles Block2 response bodies, keyed by token.
	downloads *Assembler
	// responses caches segmented responses, keyed by peer and path.
	responses *expiringMap[string, *cachedResponse]
	// pending holds requests awaiting a response, keyed by token.
	pending *shardedMap[string, *pendingRequest]
	// nonConfirmable maps sent NON requests to their token, so that a
	// Reset can fail the request.
	nonConfirmable *expiringMap[exchangeKey, string]

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	stats counters

	closed  atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func newLogger(f logging.LoggerFactory) logging.LeveledLogger {
	if f == nil {
		return logging.NewDefaultLeveledLoggerForScope("coap-exchange", logging.LogLevelDisabled, io.Discard)
	}
	return f.NewLogger("coap-exchange")
}

// NewManager creates a manager and starts its scheduler and janitor.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	if config.Codec == nil {
		config.Codec = message.Codec{}
	}
	params := config.Params
	params.applyDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	szx, _ := message.SZXForSize(params.BlockSize)

	m := &Manager{
		config:         config,
		params:         params,
		codec:          config.Codec,
		backoff:        NewBackoffCalculator(params.AckTimeout, params.AckRandomFactor, config.RandomSource),
		szx:            szx,
		log:            newLogger(config.LoggerFactory),
		transactions:   NewTransactionTable(),
		mids:           NewMessageIDAllocator(params.ExchangeLifetime),
		dedup:          NewDedupCache(params.ExchangeLifetime, params.DedupCapacity),
		observations:   NewObservationRegistry(params.ObserveStaleness),
		observers:      NewObserverTable(params.MaxObserveFailures),
		uploads:        NewAssembler(params.MaxPayloadSize, params.MaxBlockContexts, params.ExchangeLifetime),
		downloads:      NewAssembler(params.MaxPayloadSize, params.MaxBlockContexts, params.ExchangeLifetime),
		responses:      newExpiringMap[string, *cachedResponse](params.ExchangeLifetime, params.MaxBlockContexts),
		pending:        newShardedMap[string, *pendingRequest](),
		nonConfirmable: newExpiringMap[exchangeKey, string](params.ExchangeLifetime, params.DedupCapacity),
		handlers:       make(map[string]Handler),
		closeCh:        make(chan struct{}),
	}
	m.scheduler = NewScheduler(m.onDeadline)

	m.wg.Add(1)
	go m.janitor()

	return m, nil
}

// Params returns the effective protocol parameters.
func (m *Manager) Params() Params {
	return m.params
}

// OnMessageReceived processes an inbound datagram. It is the
// transport.MessageHandler of the exchange layer.
//
// Flow:
//  1. Decode; a Confirmable message that fails to decode is answered with Reset
//  2. ACK and RST complete the matching transaction
//  3. Requests pass deduplication and are dispatched to their handler
//  4. Separate responses and notifications are matched by token
func (m *Manager) OnMessageReceived(rm *transport.ReceivedMessage) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	peer := rm.PeerAddr
	msg, err := m.codec.Decode(rm.Data)
	if err != nil {
		m.stats.decodeErrors.Add(1)
		m.log.Debugf("dropping undecodable datagram from %s: %v", peer, err)
		if h, herr := message.PeekHeader(rm.Data); herr == nil && h.Type == message.Confirmable {
			m.sendEmpty(message.Reset, h.MessageID, peer)
		}
		return err
	}

	m.log.Tracef("received %s from %s", msg, peer)

	switch msg.Type {
	case message.Acknowledgement:
		m.handleAck(msg, peer)
	case message.Reset:
		m.handleReset(msg, peer)
	default:
		switch {
		case msg.IsEmpty():
			if msg.Type == message.Confirmable {
				// CoAP ping.
				m.sendEmpty(message.Reset, msg.MessageID, peer)
			}
		case msg.IsRequest():
			m.handleRequest(msg, peer)
		case msg.IsResponse():
			m.handleResponse(msg, peer)
		default:
			if msg.Type == message.Confirmable {
				m.sendEmpty(message.Reset, msg.MessageID, peer)
			}
		}
	}
	return nil
}

// handleAck completes the transaction acknowledged by msg. A piggybacked
// response is then delivered by token.
func (m *Manager) handleAck(msg *message.Message, peer transport.PeerAddress) {
	tx, ok := m.transactions.Complete(peer.Key(), msg.MessageID)
	if !ok {
		m.log.Tracef("ignoring unmatched ACK mid=%d from %s", msg.MessageID, peer)
		return
	}
	m.mids.Release(peer.Key(), msg.MessageID, time.Now())
	if tx.done != nil {
		tx.done(outcomeAck, msg)
	}
	if msg.IsResponse() {
		m.deliverResponse(msg, peer)
	}
}

// handleReset completes the transaction rejected by msg, or fails the NON
// request it refers to.
func (m *Manager) handleReset(msg *message.Message, peer transport.PeerAddress) {
	if tx, ok := m.transactions.Complete(peer.Key(), msg.MessageID); ok {
		m.mids.Release(peer.Key(), msg.MessageID, time.Now())
		if tx.done != nil {
			tx.done(outcomeReset, msg)
		}
		return
	}

	key := exchangeKey{peer.Key(), msg.MessageID}
	token, ok := m.nonConfirmable.Load(key, time.Now())
	if !ok {
		return
	}
	m.nonConfirmable.Delete(key)
	if p, ok := m.pending.Load(token); ok {
		p.complete(nil, ErrReset)
	}
}

// handleResponse processes a separate response or notification (CON or NON).
func (m *Manager) handleResponse(msg *message.Message, peer transport.PeerAddress) {
	status, cached := m.dedup.CheckOrRegister(peer.Key(), msg.MessageID)
	if status != DedupFresh {
		m.stats.duplicates.Add(1)
		m.log.Debugf("%v: response mid=%d from %s", ErrDuplicateDropped, msg.MessageID, peer)
		if cached != nil {
			m.send(cached, peer)
		}
		return
	}

	matched := m.deliverResponse(msg, peer)

	var reply *message.Message
	switch {
	case msg.Type == message.Confirmable && matched:
		reply = message.NewEmpty(message.Acknowledgement, msg.MessageID)
	case !matched:
		m.log.Debugf("rejecting response with unknown token %x from %s", msg.Token, peer)
		reply = message.NewEmpty(message.Reset, msg.MessageID)
	default:
		return
	}

	data, err := m.codec.Encode(reply)
	if err != nil {
		return
	}
	m.dedup.RecordResponse(peer.Key(), msg.MessageID, data)
	m.send(data, peer)
}

// deliverResponse routes a response by token: first to a pending request,
// then to an observation. Returns false if nothing matched.
func (m *Manager) deliverResponse(msg *message.Message, peer transport.PeerAddress) bool {
	if p, ok := m.pending.Load(string(msg.Token)); ok && p.peer.Key() == peer.Key() {
		p.complete(msg, nil)
		return true
	}
	if obs, ok := m.observations.Lookup(msg.Token, peer); ok {
		m.deliverNotification(obs, msg)
		return true
	}
	return false
}

// transmit assigns a message ID to msg and sends it. A Confirmable message
// is tracked for retransmission and done is called with its outcome; the
// returned Transaction can be cancelled. Other types are sent once.
func (m *Manager) transmit(msg *message.Message, peer transport.PeerAddress, done func(outcome, *message.Message)) (*Transaction, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	now := time.Now()
	data, err := m.encodeWithID(msg, peer, now)
	if err != nil {
		return nil, err
	}

	if msg.Type != message.Confirmable {
		m.mids.Release(peer.Key(), msg.MessageID, now)
		if msg.IsRequest() {
			m.nonConfirmable.Update(exchangeKey{peer.Key(), msg.MessageID}, now, func(string, bool) (string, expiringOp) {
				return string(msg.Token), opTouch
			})
		}
		return nil, m.send(data, peer)
	}

	timeout := m.backoff.Initial()
	tx := &Transaction{
		Peer:      peer,
		MessageID: msg.MessageID,
		Token:     msg.Token,
		data:      data,
		timeout:   timeout,
		deadline:  now.Add(timeout),
		done:      done,
	}
	if err := m.transactions.Add(tx); err != nil {
		m.mids.Release(peer.Key(), msg.MessageID, now)
		return nil, err
	}
	m.scheduler.Schedule(tx, tx.deadline)

	if err := m.send(data, peer); err != nil {
		m.cancel(tx)
		return nil, err
	}
	return tx, nil
}

// encodeWithID allocates a message ID for msg and encodes it.
func (m *Manager) encodeWithID(msg *message.Message, peer transport.PeerAddress, now time.Time) ([]byte, error) {
	mid, err := m.mids.Allocate(peer.Key(), now)
	if err != nil {
		return nil, err
	}
	msg.MessageID = mid

	data, err := m.codec.Encode(msg)
	if err != nil {
		m.mids.Release(peer.Key(), mid, now)
		return nil, err
	}
	return data, nil
}

// cancel abandons a pending transaction and releases its message ID.
func (m *Manager) cancel(tx *Transaction) {
	if tx != nil && m.transactions.Cancel(tx) {
		m.mids.Release(tx.Peer.Key(), tx.MessageID, time.Now())
	}
}

// onDeadline runs on the scheduler goroutine when a retransmission
// deadline passes.
func (m *Manager) onDeadline(tx *Transaction, deadline time.Time) {
	action, next := m.transactions.expire(tx, deadline, m.params.MaxRetransmit, time.Now())
	switch action {
	case expireResend:
		m.stats.retransmissions.Add(1)
		m.log.Debugf("retransmitting mid=%d to %s (attempt %d)", tx.MessageID, tx.Peer, tx.retries)
		m.scheduler.Schedule(tx, next)
		m.send(tx.data, tx.Peer)
	case expireFail:
		m.stats.timeouts.Add(1)
		m.log.Debugf("mid=%d to %s: %v", tx.MessageID, tx.Peer, ErrTimeout)
		m.mids.Release(tx.Peer.Key(), tx.MessageID, time.Now())
		if tx.done != nil {
			tx.done(outcomeTimeout, nil)
		}
	}
}

// send writes one datagram.
func (m *Manager) send(data []byte, peer transport.PeerAddress) error {
	m.stats.transmissions.Add(1)
	if err := m.config.Transport.Send(data, peer); err != nil {
		m.log.Warnf("send to %s failed: %v", peer, err)
		return err
	}
	return nil
}

// sendEmpty sends an empty ACK or RST for mid.
func (m *Manager) sendEmpty(t message.Type, mid uint16, peer transport.PeerAddress) {
	data, err := m.codec.Encode(message.NewEmpty(t, mid))
	if err != nil {
		return
	}
	m.send(data, peer)
}

// newToken draws a token unused by pending requests and observations.
func (m *Manager) newToken() ([]byte, error) {
	return newToken(func(token []byte) bool {
		if _, ok := m.pending.Load(string(token)); ok {
			return true
		}
		return m.observations.Has(token)
	})
}

// janitor purges expired cache entries every SweepInterval.
func (m *Manager) janitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.params.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeCh:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	n := m.dedup.Sweep(now)
	n += m.uploads.Sweep(now)
	n += m.downloads.Sweep(now)
	n += m.responses.Sweep(now)
	n += m.nonConfirmable.Sweep(now)
	m.mids.Sweep(now)
	if n > 0 {
		m.log.Tracef("swept %d expired entries", n)
	}
}

// Close stops the manager. Pending requests fail with ErrManagerClosed and
// observations end with it. Close waits for running handlers to return.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.closeCh)
	m.scheduler.Close()

	for _, tx := range m.transactions.Clear() {
		m.mids.Release(tx.Peer.Key(), tx.MessageID, time.Now())
	}
	m.pending.Range(func(_ string, p *pendingRequest) bool {
		p.complete(nil, ErrManagerClosed)
		return true
	})
	for _, obs := range m.observations.owners() {
		m.observations.Cancel(obs.token)
		obs.end(ErrManagerClosed)
	}

	m.wg.Wait()
	return nil
}
