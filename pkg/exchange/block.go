package exchange

import (
	"bytes"
	"iter"
	"time"

	"github.com/backkem/coap/pkg/message"
	"golang.org/x/crypto/blake2b"
)

// ETagLength is the length of representation tags produced by Segmenter.ETag.
const ETagLength = 8

// Segmenter slices a payload into blocks for a block-wise transfer
// (RFC 7959). Blocks are cut on demand; the payload is never copied.
type Segmenter struct {
	payload []byte
	szx     uint8
	etag    []byte
}

// NewSegmenter creates a segmenter with the preferred block size.
func NewSegmenter(payload []byte, blockSize int) (*Segmenter, error) {
	szx, err := message.SZXForSize(blockSize)
	if err != nil {
		return nil, ErrInvalidBlockSize
	}
	return &Segmenter{payload: payload, szx: szx}, nil
}

// SZX returns the preferred block size exponent.
func (s *Segmenter) SZX() uint8 {
	return s.szx
}

// Len returns the total payload length.
func (s *Segmenter) Len() int {
	return len(s.payload)
}

// Count returns the number of blocks at the preferred size. An empty
// payload is one empty block.
func (s *Segmenter) Count() int {
	size := 1 << (s.szx + 4)
	if len(s.payload) == 0 {
		return 1
	}
	return (len(s.payload) + size - 1) / size
}

// Block returns block num cut at size exponent szx, and whether more
// blocks follow it.
func (s *Segmenter) Block(num uint32, szx uint8) ([]byte, bool, error) {
	if szx > message.MaxSZX {
		return nil, false, ErrInvalidBlockSize
	}
	size := 1 << (szx + 4)
	offset := int(num) * size
	if offset > len(s.payload) || (offset == len(s.payload) && num > 0) {
		return nil, false, ErrBlockOutOfRange
	}
	end := min(offset+size, len(s.payload))
	return s.payload[offset:end], end < len(s.payload), nil
}

// All yields every block at the preferred size, in order.
func (s *Segmenter) All() iter.Seq2[message.BlockOption, []byte] {
	return func(yield func(message.BlockOption, []byte) bool) {
		for num := uint32(0); ; num++ {
			chunk, more, err := s.Block(num, s.szx)
			if err != nil {
				return
			}
			if !yield(message.BlockOption{Num: num, More: more, SZX: s.szx}, chunk) {
				return
			}
			if !more {
				return
			}
		}
	}
}

// ETag returns a tag identifying this representation. It is derived from
// a BLAKE2b-256 digest of the payload, so equal payloads share a tag.
func (s *Segmenter) ETag() []byte {
	if s.etag == nil {
		sum := blake2b.Sum256(s.payload)
		s.etag = sum[:ETagLength]
	}
	return s.etag
}

// blockContext is the state of one inbound block-wise transfer.
type blockContext struct {
	buf  []byte
	szx  uint8
	next int // offset expected next
	last message.BlockOption
	etag []byte
}

// Assembler reassembles inbound block-wise bodies. Each transfer is keyed by
// the caller (peer and resource for Block1, token for Block2). Contexts idle
// for the lifetime are dropped, and at most maxContexts are kept.
type Assembler struct {
	contexts   *expiringMap[string, *blockContext]
	maxPayload int
	clock      func() time.Time
}

// NewAssembler creates an assembler.
func NewAssembler(maxPayload, maxContexts int, lifetime time.Duration) *Assembler {
	return &Assembler{
		contexts:   newExpiringMap[string, *blockContext](lifetime, maxContexts),
		maxPayload: maxPayload,
		clock:      time.Now,
	}
}

// Accept adds one block to the transfer identified by key. On
// AssemblyComplete the full body is returned and the context destroyed.
// Any error also destroys the context; the transfer must restart at block 0.
//
// etag may be nil. When a transfer carries an ETag it must not change.
func (a *Assembler) Accept(key string, block message.BlockOption, chunk []byte, etag []byte) (AssemblyStatus, []byte, error) {
	var (
		status  = AssemblyNeedMore
		payload []byte
		err     error
	)

	a.contexts.Update(key, a.clock(), func(ctx *blockContext, ok bool) (*blockContext, expiringOp) {
		if block.Num == 0 {
			// Block 0 always starts a fresh transfer.
			ctx, ok = &blockContext{szx: block.SZX, etag: append([]byte(nil), etag...)}, true
		}
		if !ok {
			err = ErrBlockOutOfOrder
			return nil, opDelete
		}

		if block.Num != 0 && block == ctx.last {
			// Retransmission of the block just accepted.
			return ctx, opTouch
		}

		if block.SZX > ctx.szx {
			err = ErrBlockSizeMismatch
			return nil, opDelete
		}
		ctx.szx = block.SZX

		if ctx.etag != nil || etag != nil {
			if !bytes.Equal(ctx.etag, etag) {
				err = ErrRepresentationChanged
				return nil, opDelete
			}
		}

		if block.Offset() != ctx.next {
			err = ErrBlockOutOfOrder
			return nil, opDelete
		}
		if block.More && len(chunk) != block.Size() {
			err = ErrBlockSizeMismatch
			return nil, opDelete
		}
		if !block.More && len(chunk) > block.Size() {
			err = ErrBlockSizeMismatch
			return nil, opDelete
		}
		if len(ctx.buf)+len(chunk) > a.maxPayload {
			err = ErrPayloadTooLarge
			return nil, opDelete
		}

		ctx.buf = append(ctx.buf, chunk...)
		ctx.next += len(chunk)
		ctx.last = block

		if !block.More {
			status = AssemblyComplete
			payload = ctx.buf
			return nil, opDelete
		}
		return ctx, opTouch
	})

	return status, payload, err
}

// Received returns how many bytes of the transfer identified by key have
// been accepted.
func (a *Assembler) Received(key string) int {
	ctx, ok := a.contexts.Load(key, a.clock())
	if !ok {
		return 0
	}
	return len(ctx.buf)
}

// Discard drops the transfer identified by key.
func (a *Assembler) Discard(key string) {
	a.contexts.Delete(key)
}

// Sweep drops idle transfers and returns how many were removed.
func (a *Assembler) Sweep(now time.Time) int {
	return a.contexts.Sweep(now)
}

// Len returns the number of live transfers.
func (a *Assembler) Len() int {
	return a.contexts.Len()
}
