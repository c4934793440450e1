package message

import (
	"fmt"
)

// Codec encodes and decodes complete CoAP messages.
// The zero value is ready to use and safe for concurrent use.
type Codec struct{}

// Encode serializes a message. Options are written in ascending option
// number order using delta encoding (RFC 7252 Section 3.1).
func (Codec) Encode(m *Message) ([]byte, error) {
	return Encode(m)
}

// Decode parses a datagram into a message.
func (Codec) Decode(data []byte) (*Message, error) {
	return Decode(data)
}

// Encode serializes a message.
func Encode(m *Message) ([]byte, error) {
	if !m.Type.IsValid() {
		return nil, ErrInvalidType
	}
	if len(m.Token) > MaxTokenSize {
		return nil, ErrInvalidTokenLen
	}
	if m.Code == Empty && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return nil, ErrInvalidEmptyForm
	}

	header := Header{
		Type:        m.Type,
		TokenLength: uint8(len(m.Token)),
		Code:        m.Code,
		MessageID:   m.MessageID,
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(m.Token)+len(m.Payload)+16)
	header.EncodeTo(buf)
	buf = append(buf, m.Token...)

	var prev OptionID
	for _, opt := range m.Options.sorted() {
		if len(opt.Value) > MaxOptionValueSize {
			return nil, ErrOptionTooLong
		}
		delta := int(opt.ID - prev)
		prev = opt.ID

		dNib, dExt := optionNibble(delta)
		lNib, lExt := optionNibble(len(opt.Value))
		buf = append(buf, dNib<<4|lNib)
		buf = append(buf, dExt...)
		buf = append(buf, lExt...)
		buf = append(buf, opt.Value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, m.Payload...)
	}

	if len(buf) > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	return buf, nil
}

// optionNibble returns the 4-bit header value and extended bytes for an
// option delta or length.
func optionNibble(v int) (uint8, []byte) {
	switch {
	case v < ext8Offset:
		return uint8(v), nil
	case v < ext16Offset:
		return nibbleExt8, []byte{byte(v - ext8Offset)}
	default:
		x := v - ext16Offset
		return nibbleExt16, []byte{byte(x >> 8), byte(x)}
	}
}

// Decode parses a datagram. All errors wrap ErrDecode.
func Decode(data []byte) (*Message, error) {
	m, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return m, nil
}

func decode(data []byte) (*Message, error) {
	var h Header
	offset, err := h.Decode(data)
	if err != nil {
		return nil, err
	}

	m := &Message{
		Type:      h.Type,
		Code:      h.Code,
		MessageID: h.MessageID,
	}

	tkl := int(h.TokenLength)
	if len(data) < offset+tkl {
		return nil, ErrMessageTooShort
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[offset:offset+tkl]...)
	}
	offset += tkl

	if h.Code == Empty {
		if tkl != 0 || offset != len(data) {
			return nil, ErrInvalidEmptyForm
		}
		return m, nil
	}

	var id OptionID
	for offset < len(data) {
		b := data[offset]
		if b == PayloadMarker {
			offset++
			if offset == len(data) {
				return nil, ErrEmptyPayload
			}
			m.Payload = append([]byte(nil), data[offset:]...)
			return m, nil
		}
		offset++

		delta, n, err := readOptionNibble(b>>4, data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n

		length, n, err := readOptionNibble(b&0x0f, data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n

		if len(data) < offset+length {
			return nil, ErrTruncatedOption
		}

		if int(id)+delta > maxOptionNumber {
			return nil, ErrOptionNumberTooBig
		}
		id += OptionID(delta)
		m.Options = append(m.Options, Option{
			ID:    id,
			Value: append([]byte{}, data[offset:offset+length]...),
		})
		offset += length
	}

	return m, nil
}

// readOptionNibble resolves an option delta/length nibble with its extended
// bytes. Returns the value and the number of extended bytes consumed.
func readOptionNibble(nib uint8, rest []byte) (int, int, error) {
	switch nib {
	case nibbleExt8:
		if len(rest) < 1 {
			return 0, 0, ErrTruncatedOption
		}
		return int(rest[0]) + ext8Offset, 1, nil
	case nibbleExt16:
		if len(rest) < 2 {
			return 0, 0, ErrTruncatedOption
		}
		return int(rest[0])<<8 | int(rest[1]) + ext16Offset, 2, nil
	case nibbleRsvd:
		return 0, 0, ErrReservedOptionBits
	default:
		return int(nib), 0, nil
	}
}
