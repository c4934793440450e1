package message

import "fmt"

// Message is one decoded CoAP message (RFC 7252 Section 3).
type Message struct {
	// Type is CON, NON, ACK or RST.
	Type Type

	// Code is a method for requests, a response code for responses,
	// or Empty for empty ACK/RST/ping messages.
	Code Code

	// MessageID detects duplicates and matches ACK/RST to CON/NON.
	MessageID uint16

	// Token correlates a response with its request, independent of
	// MessageID. Zero to eight bytes.
	Token []byte

	// Options are the message options in any order.
	Options Options

	// Payload is the opaque message body.
	Payload []byte
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	return &Message{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
		Token:     append([]byte(nil), m.Token...),
		Options:   m.Options.Clone(),
		Payload:   append([]byte(nil), m.Payload...),
	}
}

// IsEmpty returns true for 0.00 messages.
func (m *Message) IsEmpty() bool {
	return m.Code == Empty
}

// IsRequest returns true if the code is a method.
func (m *Message) IsRequest() bool {
	return m.Code.IsRequest()
}

// IsResponse returns true if the code is a response code.
func (m *Message) IsResponse() bool {
	return m.Code.IsResponse()
}

// Path returns the Uri-Path of the message.
func (m *Message) Path() string {
	return m.Options.Path()
}

// ObserveSeq returns the Observe option value, if present.
func (m *Message) ObserveSeq() (uint32, bool) {
	return m.Options.GetUint(Observe)
}

// String returns a compact description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%x opts=%d payload=%dB",
		m.Type, m.Code, m.MessageID, m.Token, len(m.Options), len(m.Payload))
}

// NewEmpty builds an empty ACK or RST matching a received message ID.
func NewEmpty(t Type, messageID uint16) *Message {
	return &Message{Type: t, Code: Empty, MessageID: messageID}
}

// NewRequest builds a request for path with the given method.
// Type, MessageID and Token are assigned by the exchange layer.
func NewRequest(method Code, path string) *Message {
	m := &Message{Code: method}
	m.Options.SetPath(path)
	return m
}
