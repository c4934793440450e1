// Package message implements the CoAP message model and its wire codec.
// This package handles the datagram format for CoAP messages as defined
// in RFC 7252 Section 3, with the block options of RFC 7959 and the
// observe option of RFC 7641.
//
// The package provides:
//   - Message type and code enumerations
//   - Option storage with RFC 7252 option numbers and value helpers
//   - Block option value encoding (Num, M, SZX)
//   - Encoding and decoding of complete messages
//
// A Message is a plain value. Once it has been handed to the exchange layer
// its identifier and token are fixed; retransmissions reuse the encoded bytes.
package message

import "fmt"

// Type is the 2-bit CoAP message type (RFC 7252 Section 3).
type Type uint8

const (
	// Confirmable messages require an acknowledgement and are retransmitted.
	Confirmable Type = 0

	// NonConfirmable messages are sent once, best effort.
	NonConfirmable Type = 1

	// Acknowledgement acknowledges a Confirmable message and may carry
	// a piggybacked response.
	Acknowledgement Type = 2

	// Reset indicates a message was received but could not be processed.
	Reset Type = 3
)

// String returns the short RFC name for the type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the type is a defined value.
func (t Type) IsValid() bool {
	return t <= Reset
}

// Code is the 8-bit CoAP code, split into a 3-bit class and 5-bit detail.
// See RFC 7252 Section 12.1.
type Code uint8

// NewCode builds a code from its class and detail, e.g. NewCode(2, 5) is 2.05.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// Empty is the 0.00 code of empty messages.
const Empty Code = 0

// Method codes.
const (
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
)

// Response codes.
const (
	Created                  Code = 65  // 2.01
	Deleted                  Code = 66  // 2.02
	Valid                    Code = 67  // 2.03
	Changed                  Code = 68  // 2.04
	Content                  Code = 69  // 2.05
	Continue                 Code = 95  // 2.31
	BadRequest               Code = 128 // 4.00
	Unauthorized             Code = 129 // 4.01
	BadOption                Code = 130 // 4.02
	Forbidden                Code = 131 // 4.03
	NotFound                 Code = 132 // 4.04
	MethodNotAllowed         Code = 133 // 4.05
	NotAcceptable            Code = 134 // 4.06
	RequestEntityIncomplete  Code = 136 // 4.08
	PreconditionFailed       Code = 140 // 4.12
	RequestEntityTooLarge    Code = 141 // 4.13
	UnsupportedContentFormat Code = 143 // 4.15
	InternalServerError      Code = 160 // 5.00
	NotImplemented           Code = 161 // 5.01
	BadGateway               Code = 162 // 5.02
	ServiceUnavailable       Code = 163 // 5.03
	GatewayTimeout           Code = 164 // 5.04
	ProxyingNotSupported     Code = 165 // 5.05
)

var codeNames = map[Code]string{
	Empty:                    "Empty",
	GET:                      "GET",
	POST:                     "POST",
	PUT:                      "PUT",
	DELETE:                   "DELETE",
	Created:                  "Created",
	Deleted:                  "Deleted",
	Valid:                    "Valid",
	Changed:                  "Changed",
	Content:                  "Content",
	Continue:                 "Continue",
	BadRequest:               "Bad Request",
	Unauthorized:             "Unauthorized",
	BadOption:                "Bad Option",
	Forbidden:                "Forbidden",
	NotFound:                 "Not Found",
	MethodNotAllowed:         "Method Not Allowed",
	NotAcceptable:            "Not Acceptable",
	RequestEntityIncomplete:  "Request Entity Incomplete",
	PreconditionFailed:       "Precondition Failed",
	RequestEntityTooLarge:    "Request Entity Too Large",
	UnsupportedContentFormat: "Unsupported Content-Format",
	InternalServerError:      "Internal Server Error",
	NotImplemented:           "Not Implemented",
	BadGateway:               "Bad Gateway",
	ServiceUnavailable:       "Service Unavailable",
	GatewayTimeout:           "Gateway Timeout",
	ProxyingNotSupported:     "Proxying Not Supported",
}

// Class returns the 3-bit class of the code.
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the 5-bit detail of the code.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// IsRequest returns true for method codes (class 0, detail > 0).
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c.Detail() != 0
}

// IsResponse returns true for response codes (classes 2, 4 and 5).
func (c Code) IsResponse() bool {
	switch c.Class() {
	case 2, 4, 5:
		return true
	default:
		return false
	}
}

// IsSuccess returns true for 2.xx codes.
func (c Code) IsSuccess() bool {
	return c.Class() == 2
}

// String returns the dotted form followed by the name, e.g. "2.05 Content".
// Method codes print as their method name.
func (c Code) String() string {
	name, known := codeNames[c]
	if c.IsRequest() && known {
		return name
	}
	dotted := fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
	if !known {
		return dotted
	}
	return dotted + " " + name
}

// ContentFormat identifies the media type of a payload (RFC 7252 Section 12.3).
type ContentFormat uint16

// Registered content formats.
const (
	TextPlain     ContentFormat = 0
	AppLinkFormat ContentFormat = 40
	AppXML        ContentFormat = 41
	AppOctets     ContentFormat = 42
	AppEXI        ContentFormat = 47
	AppJSON       ContentFormat = 50
	AppCBOR       ContentFormat = 60
)
