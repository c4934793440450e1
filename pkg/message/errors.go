package message

import "errors"

// Message layer errors.
var (
	// ErrDecode wraps every decoding failure; malformed datagrams from the
	// network are expected and callers drop them.
	ErrDecode = errors.New("message: decode failed")

	// Header decoding errors
	ErrMessageTooShort  = errors.New("message: data too short")
	ErrInvalidVersion   = errors.New("message: invalid version (must be 1)")
	ErrInvalidTokenLen  = errors.New("message: token length exceeds 8 bytes")
	ErrInvalidEmptyForm = errors.New("message: empty message must not carry token, options or payload")

	// Option errors
	ErrTruncatedOption    = errors.New("message: truncated option")
	ErrReservedOptionBits = errors.New("message: reserved option nibble 15")
	ErrEmptyPayload       = errors.New("message: payload marker followed by empty payload")
	ErrOptionTooLong      = errors.New("message: option value too long")
	ErrOptionNumberTooBig = errors.New("message: option number exceeds 65535")

	// Encoding errors
	ErrMessageTooLong = errors.New("message: exceeds maximum size")
	ErrInvalidType    = errors.New("message: invalid message type")

	// Block option errors
	ErrInvalidBlockSZX = errors.New("message: invalid block size exponent")
	ErrBlockNumTooBig  = errors.New("message: block number exceeds 20 bits")
)

// Message format constants from RFC 7252.
const (
	// Version is the only supported protocol version (Section 3).
	Version uint8 = 1

	// HeaderSize is the fixed header size in bytes.
	// Ver/T/TKL (1) + Code (1) + Message ID (2) = 4
	HeaderSize = 4

	// MaxTokenSize is the maximum token length in bytes.
	MaxTokenSize = 8

	// MaxMessageSize bounds an encoded datagram. This is the IPv6 minimum MTU;
	// a 1024-byte block plus header and options still fits.
	MaxMessageSize = 1280

	// PayloadMarker separates options from the payload.
	PayloadMarker byte = 0xFF

	// MaxOptionValueSize is the largest option value the codec accepts.
	MaxOptionValueSize = 1034
)

// Option header nibble values (Section 3.1).
const (
	nibbleExt8  = 13
	nibbleExt16 = 14
	nibbleRsvd  = 15

	ext8Offset  = 13
	ext16Offset = 269

	maxOptionNumber = 0xFFFF
)
