package exchange

import (
	"context"
	"fmt"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// Request sends msg to peer and waits for the response. A body larger than
// Params.BlockSize is uploaded block by block (Block1), and a response
// split with Block2 is fetched completely before it is returned.
//
// Type, MessageID and Token of msg are assigned here; msg is not modified.
// Without a context deadline the exchange is bounded by ExchangeLifetime.
func (m *Manager) Request(ctx context.Context, msg *message.Message, peer transport.PeerAddress, confirmable bool) (*message.Message, error) {
	if !msg.IsRequest() {
		return nil, ErrNotRequest
	}
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.params.ExchangeLifetime)
		defer cancel()
	}

	req := msg.Clone()
	req.Token = nil

	var (
		resp *message.Message
		err  error
	)
	if len(req.Payload) > m.params.BlockSize {
		resp, err = m.upload(ctx, req, peer, confirmable)
	} else {
		resp, err = m.roundTrip(ctx, req, peer, confirmable)
	}
	if err != nil {
		return nil, err
	}

	return m.completeBlock2(ctx, req, resp, peer, confirmable)
}

// roundTrip sends one request and waits for its response. req.Token is
// generated when empty.
func (m *Manager) roundTrip(ctx context.Context, req *message.Message, peer transport.PeerAddress, confirmable bool) (*message.Message, error) {
	if len(req.Token) == 0 {
		token, err := m.newToken()
		if err != nil {
			return nil, err
		}
		req.Token = token
	}

	p := &pendingRequest{peer: peer, result: make(chan requestResult, 1)}
	if !m.pending.StoreIfAbsent(string(req.Token), p) {
		return nil, ErrTransactionExists
	}
	defer m.pending.Delete(string(req.Token))

	req.Type = message.NonConfirmable
	if confirmable {
		req.Type = message.Confirmable
	}

	tx, err := m.transmit(req, peer, func(o outcome, _ *message.Message) {
		switch o {
		case outcomeReset:
			p.complete(nil, ErrReset)
		case outcomeTimeout:
			p.complete(nil, ErrTimeout)
		}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-p.result:
		return r.msg, r.err
	case <-ctx.Done():
		m.cancel(tx)
		return nil, ctx.Err()
	case <-m.closeCh:
		return nil, ErrManagerClosed
	}
}

// upload sends req.Payload with Block1, one block per round trip. The next
// block is sent only after the server answered 2.31 Continue. A smaller
// block size proposed by the server is adopted for the remaining blocks.
func (m *Manager) upload(ctx context.Context, req *message.Message, peer transport.PeerAddress, confirmable bool) (*message.Message, error) {
	payload := req.Payload
	szx := m.szx
	offset := 0

	for {
		size := 1 << (szx + 4)
		end := min(offset+size, len(payload))
		block := message.BlockOption{
			Num:  uint32(offset / size),
			More: end < len(payload),
			SZX:  szx,
		}

		part := req.Clone()
		part.Token = nil
		part.Payload = payload[offset:end]
		part.SetBlock(message.Block1, block)
		if block.Num == 0 {
			part.Options.SetUint(message.Size1, uint32(len(payload)))
		} else {
			part.Options.Remove(message.Size1)
		}

		resp, err := m.roundTrip(ctx, part, peer, confirmable)
		if err != nil {
			return nil, err
		}
		if !block.More || resp.Code != message.Continue {
			return resp, nil
		}

		if ack, ok, err := resp.GetBlock(message.Block1); err == nil && ok && ack.SZX < szx {
			m.log.Debugf("server at %s reduced block size to %d", peer, ack.Size())
			szx = ack.SZX
		}
		offset = end
	}
}

// completeBlock2 returns resp unchanged unless it is the first block of a
// Block2 transfer, in which case the remaining blocks are fetched and the
// reassembled response is returned.
func (m *Manager) completeBlock2(ctx context.Context, req, resp *message.Message, peer transport.PeerAddress, confirmable bool) (*message.Message, error) {
	return m.assembleBlock2(ctx, peer.Key()+"|"+string(resp.Token), req, resp, peer, confirmable)
}

// assembleBlock2 is completeBlock2 with an explicit assembler key, so that
// concurrent transfers sharing a token do not collide.
func (m *Manager) assembleBlock2(ctx context.Context, key string, req, resp *message.Message, peer transport.PeerAddress, confirmable bool) (*message.Message, error) {
	first, ok, err := resp.GetBlock(message.Block2)
	if err != nil {
		return nil, fmt.Errorf("exchange: invalid Block2 in response: %w", err)
	}
	if !ok || !first.More {
		return resp, nil
	}

	defer m.downloads.Discard(key)

	etag, _ := resp.Options.Get(message.ETag)
	status, body, err := m.downloads.Accept(key, first, resp.Payload, etag)
	if err != nil {
		return nil, err
	}

	block := first
	for status == AssemblyNeedMore {
		next := req.Clone()
		next.Token = nil
		next.Payload = nil
		next.Options.Remove(message.Block1)
		next.Options.Remove(message.Size1)
		next.Options.Remove(message.Observe)
		next.SetBlock(message.Block2, message.BlockOption{Num: block.Num + 1, SZX: block.SZX})

		r, err := m.roundTrip(ctx, next, peer, confirmable)
		if err != nil {
			return nil, err
		}
		if !r.Code.IsSuccess() {
			return r, nil
		}

		b, ok, err := r.GetBlock(message.Block2)
		if err != nil || !ok {
			return nil, ErrBlockOutOfOrder
		}
		etag, _ := r.Options.Get(message.ETag)
		status, body, err = m.downloads.Accept(key, b, r.Payload, etag)
		if err != nil {
			return nil, err
		}
		block = b
	}

	full := resp.Clone()
	full.Payload = body
	full.Options.Remove(message.Block2)
	return full, nil
}
