package message

import (
	"encoding/binary"
)

// Header is the fixed 4-byte CoAP header (RFC 7252 Section 3).
// Multi-byte fields are big-endian on the wire.
type Header struct {
	// Type is the message type (T field).
	Type Type

	// TokenLength is the TKL field (0-8).
	TokenLength uint8

	// Code is the request method or response code.
	Code Code

	// MessageID is the 16-bit message identifier.
	MessageID uint16
}

// EncodeTo serializes the header into buf, which must be at least
// HeaderSize bytes long. Returns the number of bytes written.
func (h *Header) EncodeTo(buf []byte) int {
	buf[0] = Version<<6 | uint8(h.Type&0x03)<<4 | h.TokenLength&0x0f
	buf[1] = uint8(h.Code)
	binary.BigEndian.PutUint16(buf[2:], h.MessageID)
	return HeaderSize
}

// Encode serializes the header to a new slice.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.EncodeTo(buf)
	return buf
}

// Decode parses the header from data and returns the bytes consumed.
func (h *Header) Decode(data []byte) (int, error) {
	if len(data) < HeaderSize {
		return 0, ErrMessageTooShort
	}

	if data[0]>>6 != Version {
		return 0, ErrInvalidVersion
	}

	h.Type = Type(data[0] >> 4 & 0x03)
	h.TokenLength = data[0] & 0x0f
	h.Code = Code(data[1])
	h.MessageID = binary.BigEndian.Uint16(data[2:4])

	if h.TokenLength > MaxTokenSize {
		return 0, ErrInvalidTokenLen
	}

	return HeaderSize, nil
}

// PeekHeader decodes only the fixed header. The exchange layer uses it to
// answer a Confirmable message whose options failed to parse.
func PeekHeader(data []byte) (Header, error) {
	var h Header
	_, err := h.Decode(data)
	return h, err
}
