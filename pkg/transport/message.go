package transport

// ReceivedMessage is one inbound datagram. Data holds the raw bytes exactly
// as read from the socket; decoding is left to the exchange layer so that a
// malformed datagram can still be answered from its fixed header.
type ReceivedMessage struct {
	// Data contains the raw datagram bytes.
	Data []byte
	// PeerAddr identifies the source of the datagram.
	PeerAddr PeerAddress
}

// MessageHandler is called for each received datagram on the read loop.
// Implementations should return quickly or dispatch to a goroutine.
type MessageHandler func(msg *ReceivedMessage)
