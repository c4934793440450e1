package message

// Block size limits (RFC 7959 Section 2.2). Sizes are powers of two from
// 2^4 to 2^10; SZX 7 is reserved for BERT, which only exists over TCP.
const (
	MinBlockSize = 16
	MaxBlockSize = 1024
	MaxSZX       = 6

	// MaxBlockNum is the largest block number representable in 20 bits.
	MaxBlockNum = 1<<20 - 1
)

// BlockOption is the decoded value of a Block1 or Block2 option.
type BlockOption struct {
	// Num is the relative block number within the body.
	Num uint32

	// More indicates further blocks follow (M bit).
	More bool

	// SZX is the block size exponent; size = 2^(SZX+4).
	SZX uint8
}

// Size returns the block size in bytes.
func (b BlockOption) Size() int {
	return 1 << (b.SZX + 4)
}

// Offset returns the byte offset of the block within the body.
func (b BlockOption) Offset() int {
	return int(b.Num) * b.Size()
}

// Value returns the option value as a uint: NUM << 4 | M << 3 | SZX.
func (b BlockOption) Value() uint32 {
	v := b.Num<<4 | uint32(b.SZX&0x07)
	if b.More {
		v |= 0x08
	}
	return v
}

// Validate checks that SZX and Num are within range.
func (b BlockOption) Validate() error {
	if b.SZX > MaxSZX {
		return ErrInvalidBlockSZX
	}
	if b.Num > MaxBlockNum {
		return ErrBlockNumTooBig
	}
	return nil
}

// ParseBlockOption decodes a Block1/Block2 uint value.
func ParseBlockOption(v uint32) (BlockOption, error) {
	b := BlockOption{
		Num:  v >> 4,
		More: v&0x08 != 0,
		SZX:  uint8(v & 0x07),
	}
	if err := b.Validate(); err != nil {
		return BlockOption{}, err
	}
	return b, nil
}

// SZXForSize returns the exponent for a block size. The size must be a
// power of two between MinBlockSize and MaxBlockSize.
func SZXForSize(size int) (uint8, error) {
	for szx := uint8(0); szx <= MaxSZX; szx++ {
		if 1<<(szx+4) == size {
			return szx, nil
		}
	}
	return 0, ErrInvalidBlockSZX
}

// GetBlock returns the block option id of m, if present and valid.
func (m *Message) GetBlock(id OptionID) (BlockOption, bool, error) {
	v, ok := m.Options.GetUint(id)
	if !ok {
		return BlockOption{}, false, nil
	}
	b, err := ParseBlockOption(v)
	if err != nil {
		return BlockOption{}, true, err
	}
	return b, true, nil
}

// SetBlock replaces the block option id of m.
func (m *Message) SetBlock(id OptionID, b BlockOption) {
	m.Options.SetUint(id, b.Value())
}
