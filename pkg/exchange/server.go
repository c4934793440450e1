package exchange

import (
	"errors"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// Request is an inbound request as seen by a Handler. Block1 bodies are
// already reassembled.
type Request struct {
	// Message is the request. Handlers must not retain it.
	Message *message.Message

	// Peer is the sender.
	Peer transport.PeerAddress
}

// Handler serves requests for one resource path.
//
// The returned message supplies the response code, options and payload;
// type, message ID and token are filled in by the Manager. A nil response
// with a nil error sends only an acknowledgement. An error is answered with
// 5.00 Internal Server Error.
type Handler interface {
	ServeCoAP(r *Request) (*message.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(r *Request) (*message.Message, error)

// ServeCoAP calls f(r).
func (f HandlerFunc) ServeCoAP(r *Request) (*message.Message, error) {
	return f(r)
}

// cachedResponse is a segmented response kept for follow-up Block2 requests.
type cachedResponse struct {
	header *message.Message
	seg    *Segmenter
}

// cleanPath normalizes a resource path to the form produced by Options.Path.
func cleanPath(path string) string {
	var o message.Options
	o.SetPath(path)
	return o.Path()
}

// RegisterHandler registers h for the exact resource path, replacing any
// previous handler.
func (m *Manager) RegisterHandler(path string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[cleanPath(path)] = h
}

// RemoveHandler deregisters the handler for path. Every observer of the
// resource is told with a final 4.04 Not Found notification.
func (m *Manager) RemoveHandler(path string) {
	path = cleanPath(path)

	m.handlersMu.Lock()
	delete(m.handlers, path)
	m.handlersMu.Unlock()

	for _, o := range m.observers.RemovePath(path) {
		m.sendFinalNotification(o, &message.Message{Code: message.NotFound})
	}
}

func (m *Manager) handler(path string) Handler {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	return m.handlers[path]
}

// handleRequest deduplicates an inbound request and serves it on its own
// goroutine. Until the response is recorded, retransmissions are dropped.
func (m *Manager) handleRequest(req *message.Message, peer transport.PeerAddress) {
	status, cached := m.dedup.CheckOrRegister(peer.Key(), req.MessageID)
	switch status {
	case DedupInFlight:
		m.stats.duplicates.Add(1)
		m.log.Debugf("%v: request mid=%d from %s still in progress", ErrDuplicateDropped, req.MessageID, peer)
		return
	case DedupWithResponse:
		m.stats.duplicates.Add(1)
		m.log.Debugf("%v: resending response to mid=%d from %s", ErrDuplicateDropped, req.MessageID, peer)
		m.send(cached, peer)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.serveRequest(req, peer)
	}()
}

// serveRequest produces the response to req, records it for deduplication
// and sends it. A Confirmable request gets a piggybacked ACK, a
// Non-confirmable one a NON response with its own message ID.
func (m *Manager) serveRequest(req *message.Message, peer transport.PeerAddress) {
	resp := m.dispatchRequest(req, peer)

	if req.Type == message.Confirmable {
		if resp == nil {
			resp = message.NewEmpty(message.Acknowledgement, req.MessageID)
		} else {
			resp.Type = message.Acknowledgement
			resp.MessageID = req.MessageID
			resp.Token = req.Token
		}
		data, err := m.codec.Encode(resp)
		if err != nil {
			m.log.Errorf("encoding response to %s failed: %v", peer, err)
			data, err = m.codec.Encode(&message.Message{
				Type:      message.Acknowledgement,
				Code:      message.InternalServerError,
				MessageID: req.MessageID,
				Token:     req.Token,
			})
			if err != nil {
				return
			}
		}
		m.dedup.RecordResponse(peer.Key(), req.MessageID, data)
		m.send(data, peer)
		return
	}

	if resp == nil {
		return
	}
	resp.Type = message.NonConfirmable
	resp.Token = req.Token

	now := time.Now()
	data, err := m.encodeWithID(resp, peer, now)
	if err != nil {
		m.log.Errorf("encoding response to %s failed: %v", peer, err)
		return
	}
	m.mids.Release(peer.Key(), resp.MessageID, now)
	m.dedup.RecordResponse(peer.Key(), req.MessageID, data)
	m.send(data, peer)
}

// dispatchRequest applies block-wise and observe processing around the
// resource handler and returns the response, or nil for an empty ACK.
func (m *Manager) dispatchRequest(req *message.Message, peer transport.PeerAddress) *message.Message {
	path := req.Path()
	key := peer.Key() + "|" + path
	now := time.Now()

	block2, hasBlock2, err := req.GetBlock(message.Block2)
	if err != nil {
		return &message.Message{Code: message.BadOption}
	}
	block1, hasBlock1, err := req.GetBlock(message.Block1)
	if err != nil {
		return &message.Message{Code: message.BadOption}
	}

	// Follow-up block of a segmented response.
	if hasBlock2 && block2.Num > 0 && !hasBlock1 {
		if cached, ok := m.responses.Load(key, now); ok {
			return m.blockResponse(cached, block2)
		}
	}

	var block1Ack *message.BlockOption
	if hasBlock1 {
		resp, body := m.acceptUpload(req, key, block1)
		if resp != nil {
			return resp
		}
		req = req.Clone()
		req.Payload = body
		req.Options.Remove(message.Block1)
		req.Options.Remove(message.Size1)
		block1Ack = &message.BlockOption{Num: block1.Num, SZX: block1.SZX}
	}

	h := m.handler(path)
	if h == nil {
		m.log.Debugf("%v: %s", ErrNoHandler, path)
		return &message.Message{Code: message.NotFound}
	}

	m.stats.handlerInvocations.Add(1)
	resp, err := h.ServeCoAP(&Request{Message: req, Peer: peer})
	if err != nil {
		m.log.Warnf("handler for %s failed: %v", path, err)
		resp = &message.Message{Code: message.InternalServerError}
	}

	if req.Code == message.GET {
		m.applyObserve(req, peer, path, resp)
	}
	if resp == nil {
		return nil
	}
	if block1Ack != nil {
		resp.SetBlock(message.Block1, *block1Ack)
	}

	szx := m.szx
	if hasBlock2 && block2.SZX < szx {
		szx = block2.SZX
	}
	num := uint32(0)
	if hasBlock2 {
		num = block2.Num
	}
	return m.segmentResponse(resp, key, num, szx)
}

// acceptUpload feeds one Block1 block to the assembler. It returns the
// response to send (2.31 Continue or an error) or, once the body is
// complete, a nil response and the body.
func (m *Manager) acceptUpload(req *message.Message, key string, block message.BlockOption) (*message.Message, []byte) {
	if size, ok := req.Options.GetUint(message.Size1); ok && int(size) > m.params.MaxPayloadSize {
		m.uploads.Discard(key)
		return m.entityTooLarge(), nil
	}

	status, body, err := m.uploads.Accept(key, block, req.Payload, nil)
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return m.entityTooLarge(), nil
	case err != nil:
		m.log.Debugf("block-wise upload %s: %v", key, err)
		return &message.Message{Code: message.RequestEntityIncomplete}, nil
	case status == AssemblyNeedMore:
		resp := &message.Message{Code: message.Continue}
		resp.SetBlock(message.Block1, message.BlockOption{
			Num:  block.Num,
			More: true,
			SZX:  min(block.SZX, m.szx),
		})
		return resp, nil
	}
	return nil, body
}

func (m *Manager) entityTooLarge() *message.Message {
	resp := &message.Message{Code: message.RequestEntityTooLarge}
	resp.Options.SetUint(message.Size1, uint32(m.params.MaxPayloadSize))
	return resp
}

// applyObserve registers or deregisters the requester as an observer of
// path according to the Observe option of a GET.
func (m *Manager) applyObserve(req *message.Message, peer transport.PeerAddress, path string, resp *message.Message) {
	v, ok := req.ObserveSeq()
	if !ok {
		return
	}
	switch {
	case v == 0 && resp != nil && resp.Code.IsSuccess():
		registration := req.Clone()
		registration.Options.Remove(message.Block2)
		m.observers.Add(path, peer, req.Token, registration)
		resp.Options.SetUint(message.Observe, m.observers.NextSequence(path))
	default:
		m.observers.Remove(path, peer, req.Token)
		if resp != nil {
			resp.Options.Remove(message.Observe)
		}
	}
}

// segmentResponse returns resp unchanged if its payload fits one block.
// Otherwise the payload is segmented, cached for follow-up requests, and
// block num is returned.
func (m *Manager) segmentResponse(resp *message.Message, key string, num uint32, szx uint8) *message.Message {
	size := 1 << (szx + 4)
	if len(resp.Payload) <= size && num == 0 {
		return resp
	}

	seg, err := NewSegmenter(resp.Payload, size)
	if err != nil {
		return &message.Message{Code: message.InternalServerError}
	}
	header := resp.Clone()
	header.Payload = nil
	cached := &cachedResponse{header: header, seg: seg}

	m.responses.Update(key, time.Now(), func(*cachedResponse, bool) (*cachedResponse, expiringOp) {
		return cached, opTouch
	})

	return m.blockResponse(cached, message.BlockOption{Num: num, SZX: szx})
}

// blockResponse cuts block req out of a cached response. Observe is only
// carried by the first block.
func (m *Manager) blockResponse(c *cachedResponse, req message.BlockOption) *message.Message {
	chunk, more, err := c.seg.Block(req.Num, req.SZX)
	if err != nil {
		return &message.Message{Code: message.BadOption}
	}

	resp := c.header.Clone()
	resp.Payload = chunk
	if req.Num > 0 {
		resp.Options.Remove(message.Observe)
	}
	resp.SetBlock(message.Block2, message.BlockOption{Num: req.Num, More: more, SZX: req.SZX})
	resp.Options.Set(message.ETag, c.seg.ETag())
	resp.Options.SetUint(message.Size2, uint32(c.seg.Len()))
	return resp
}

// Notify sends the current state of path to each of its observers as a
// Confirmable notification. The handler is invoked once per observer with
// the original registration request.
//
// An observer whose handler call fails or returns a non-2.xx code is
// removed after a final notification without the Observe option.
func (m *Manager) Notify(path string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	path = cleanPath(path)
	h := m.handler(path)
	if h == nil {
		return ErrNoHandler
	}

	observers := m.observers.Observers(path)
	if len(observers) == 0 {
		return nil
	}
	seq := m.observers.NextSequence(path)

	for _, o := range observers {
		m.stats.handlerInvocations.Add(1)
		resp, err := h.ServeCoAP(&Request{Message: o.request.Clone(), Peer: o.Peer})
		if err != nil || resp == nil || !resp.Code.IsSuccess() {
			if err != nil {
				m.log.Warnf("handler for %s failed during notify: %v", path, err)
			}
			if resp == nil || err != nil {
				resp = &message.Message{Code: message.InternalServerError}
			}
			m.observers.Remove(path, o.Peer, o.Token)
			m.sendFinalNotification(o, resp)
			continue
		}

		resp.Options.SetUint(message.Observe, seq)
		resp = m.segmentResponse(resp, o.Peer.Key()+"|"+path, 0, m.szx)
		m.sendNotification(o, resp)
	}
	return nil
}

// sendNotification sends resp to observer o as a Confirmable message and
// maintains the observer's liveness from the outcome.
func (m *Manager) sendNotification(o *Observer, resp *message.Message) {
	resp.Type = message.Confirmable
	resp.Token = o.Token

	_, err := m.transmit(resp, o.Peer, func(out outcome, _ *message.Message) {
		switch out {
		case outcomeAck:
			m.observers.RecordSuccess(o.Path, o.Peer, o.Token)
		case outcomeReset:
			m.log.Debugf("observer %s of %s reset notification", o.Peer, o.Path)
			m.observers.Remove(o.Path, o.Peer, o.Token)
		case outcomeTimeout:
			if m.observers.RecordFailure(o.Path, o.Peer, o.Token) {
				m.log.Debugf("observer %s of %s unreachable, removed", o.Peer, o.Path)
			}
		}
	})
	if err != nil {
		m.log.Warnf("notification to %s failed: %v", o.Peer, err)
	}
}

// sendFinalNotification sends a notification that ends the observation.
func (m *Manager) sendFinalNotification(o *Observer, resp *message.Message) {
	resp.Options.Remove(message.Observe)
	resp.Type = message.Confirmable
	resp.Token = o.Token
	if _, err := m.transmit(resp, o.Peer, nil); err != nil {
		m.log.Warnf("final notification to %s failed: %v", o.Peer, err)
	}
}
