package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
)

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestSegmentAssembleRoundtrip(t *testing.T) {
	sizes := []int{0, 1, 15, 16, 17, 1023, 1024, 1025, 5000}
	blockSizes := []int{16, 64, 1024}

	for _, n := range sizes {
		for _, bs := range blockSizes {
			t.Run(fmt.Sprintf("%d/%d", n, bs), func(t *testing.T) {
				payload := testPayload(n)
				seg, err := NewSegmenter(payload, bs)
				if err != nil {
					t.Fatalf("NewSegmenter() error = %v", err)
				}

				a := NewAssembler(1<<20, 16, time.Minute)
				var (
					status AssemblyStatus
					body   []byte
					blocks int
				)
				for b, chunk := range seg.All() {
					blocks++
					status, body, err = a.Accept("k", b, chunk, seg.ETag())
					if err != nil {
						t.Fatalf("Accept(%+v) error = %v", b, err)
					}
				}

				if blocks != seg.Count() {
					t.Errorf("All() yielded %d blocks, Count() = %d", blocks, seg.Count())
				}
				if status != AssemblyComplete {
					t.Fatalf("final status = %v", status)
				}
				if !bytes.Equal(body, payload) {
					t.Errorf("reassembled %d bytes, want %d", len(body), len(payload))
				}
				if a.Len() != 0 {
					t.Errorf("context not destroyed on completion")
				}
			})
		}
	}
}

func TestSegmenterBlock(t *testing.T) {
	seg, _ := NewSegmenter(testPayload(100), 32)

	tests := []struct {
		num     uint32
		szx     uint8
		wantLen int
		more    bool
		err     error
	}{
		{0, 1, 32, true, nil},
		{3, 1, 4, false, nil},
		{4, 1, 0, false, ErrBlockOutOfRange},
		{1, 2, 36, false, nil},
		{0, 7, 0, false, ErrInvalidBlockSize},
	}

	for _, tc := range tests {
		chunk, more, err := seg.Block(tc.num, tc.szx)
		if err != tc.err {
			t.Errorf("Block(%d, %d) error = %v, want %v", tc.num, tc.szx, err, tc.err)
			continue
		}
		if len(chunk) != tc.wantLen || more != tc.more {
			t.Errorf("Block(%d, %d) = %d bytes, more=%v; want %d, %v",
				tc.num, tc.szx, len(chunk), more, tc.wantLen, tc.more)
		}
	}

	if _, err := NewSegmenter(nil, 100); err != ErrInvalidBlockSize {
		t.Errorf("NewSegmenter(100) error = %v", err)
	}
}

func TestSegmenterETag(t *testing.T) {
	a, _ := NewSegmenter([]byte("state one"), 16)
	b, _ := NewSegmenter([]byte("state one"), 64)
	c, _ := NewSegmenter([]byte("state two"), 16)

	if len(a.ETag()) != ETagLength {
		t.Fatalf("ETag() length = %d", len(a.ETag()))
	}
	if !bytes.Equal(a.ETag(), b.ETag()) {
		t.Error("equal payloads have different tags")
	}
	if bytes.Equal(a.ETag(), c.ETag()) {
		t.Error("different payloads share a tag")
	}
}

func TestAssemblerErrors(t *testing.T) {
	block := func(num uint32, more bool) message.BlockOption {
		return message.BlockOption{Num: num, More: more, SZX: 0}
	}
	full := testPayload(16)

	tests := []struct {
		name  string
		steps func(a *Assembler) error
		want  error
	}{
		{
			name: "first block not zero",
			steps: func(a *Assembler) error {
				_, _, err := a.Accept("k", block(1, true), full, nil)
				return err
			},
			want: ErrBlockOutOfOrder,
		},
		{
			name: "gap",
			steps: func(a *Assembler) error {
				a.Accept("k", block(0, true), full, nil)
				_, _, err := a.Accept("k", block(2, true), full, nil)
				return err
			},
			want: ErrBlockOutOfOrder,
		},
		{
			name: "short intermediate block",
			steps: func(a *Assembler) error {
				_, _, err := a.Accept("k", block(0, true), full[:10], nil)
				return err
			},
			want: ErrBlockSizeMismatch,
		},
		{
			name: "block size grows",
			steps: func(a *Assembler) error {
				a.Accept("k", block(0, true), full, nil)
				_, _, err := a.Accept("k", message.BlockOption{Num: 1, More: true, SZX: 1}, testPayload(32), nil)
				return err
			},
			want: ErrBlockSizeMismatch,
		},
		{
			name: "too large",
			steps: func(a *Assembler) error {
				a.Accept("k", block(0, true), full, nil)
				_, _, err := a.Accept("k", block(1, true), full, nil)
				return err
			},
			want: ErrPayloadTooLarge,
		},
		{
			name: "etag changes",
			steps: func(a *Assembler) error {
				a.Accept("k", block(0, true), full, []byte{1})
				_, _, err := a.Accept("k", block(1, false), full, []byte{2})
				return err
			},
			want: ErrRepresentationChanged,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAssembler(24, 16, time.Minute)
			err := tc.steps(a)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
			if a.Len() != 0 {
				t.Error("context survived an error")
			}
		})
	}
}

func TestAssemblerRepeatedBlock(t *testing.T) {
	a := NewAssembler(1024, 16, time.Minute)
	b0 := message.BlockOption{Num: 0, More: true, SZX: 0}
	b1 := message.BlockOption{Num: 1, More: true, SZX: 0}

	a.Accept("k", b0, testPayload(16), nil)
	a.Accept("k", b1, testPayload(16), nil)

	status, _, err := a.Accept("k", b1, testPayload(16), nil)
	if err != nil || status != AssemblyNeedMore {
		t.Fatalf("repeated block = %v, %v; want NeedMore", status, err)
	}
	if got := a.Received("k"); got != 32 {
		t.Errorf("Received() = %d, want 32", got)
	}
}

func TestAssemblerSmallerBlockSize(t *testing.T) {
	a := NewAssembler(1024, 16, time.Minute)
	payload := testPayload(80)

	// 32-byte block 0, then continue with 16-byte blocks from offset 32.
	a.Accept("k", message.BlockOption{Num: 0, More: true, SZX: 1}, payload[:32], nil)
	a.Accept("k", message.BlockOption{Num: 2, More: true, SZX: 0}, payload[32:48], nil)
	a.Accept("k", message.BlockOption{Num: 3, More: true, SZX: 0}, payload[48:64], nil)
	status, body, err := a.Accept("k", message.BlockOption{Num: 4, More: false, SZX: 0}, payload[64:], nil)

	if err != nil || status != AssemblyComplete {
		t.Fatalf("Accept() = %v, %v", status, err)
	}
	if !bytes.Equal(body, payload) {
		t.Error("body mismatch after size renegotiation")
	}
}

func TestAssemblerRestartAndSweep(t *testing.T) {
	a := NewAssembler(1024, 16, time.Second)
	b0 := message.BlockOption{Num: 0, More: true, SZX: 0}

	a.Accept("k", b0, testPayload(16), nil)
	a.Accept("k", message.BlockOption{Num: 1, More: true, SZX: 0}, testPayload(16), nil)

	// Block 0 restarts the transfer.
	a.Accept("k", b0, testPayload(16), nil)
	if got := a.Received("k"); got != 16 {
		t.Errorf("Received() after restart = %d, want 16", got)
	}

	if n := a.Sweep(time.Now().Add(2 * time.Second)); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
}
