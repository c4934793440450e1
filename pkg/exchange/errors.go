package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrTimeout is returned when a confirmable message was not acknowledged
	// after MaxRetransmit retransmissions.
	ErrTimeout = errors.New("exchange: retransmissions exhausted")

	// ErrReset is returned when the peer rejected a message with a Reset.
	ErrReset = errors.New("exchange: reset by peer")

	// ErrDuplicateDropped marks an inbound duplicate that was absorbed.
	// It is logged, never returned to the application.
	ErrDuplicateDropped = errors.New("exchange: duplicate dropped")

	// ErrStaleNotification marks an out-of-order notification that was absorbed.
	// It is logged, never returned to the application.
	ErrStaleNotification = errors.New("exchange: stale notification dropped")

	// ErrBlockOutOfOrder is returned when a block does not continue the
	// transfer at the expected offset.
	ErrBlockOutOfOrder = errors.New("exchange: block out of order")

	// ErrBlockSizeMismatch is returned when a block grows mid-transfer or a
	// non-final block is not exactly one block long.
	ErrBlockSizeMismatch = errors.New("exchange: block size mismatch")

	// ErrPayloadTooLarge is returned when a reassembled body exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("exchange: payload too large")

	// ErrRepresentationChanged is returned when the ETag changes during a
	// block-wise transfer.
	ErrRepresentationChanged = errors.New("exchange: representation changed during transfer")

	// ErrInvalidBlockSize is returned for block sizes that are not a power of
	// two between 16 and 1024.
	ErrInvalidBlockSize = errors.New("exchange: invalid block size")

	// ErrBlockOutOfRange is returned when a requested block lies beyond the payload.
	ErrBlockOutOfRange = errors.New("exchange: block out of range")

	// ErrMessageIDsExhausted is returned when every message ID for a peer is in flight.
	ErrMessageIDsExhausted = errors.New("exchange: message IDs exhausted")

	// ErrTransactionExists is returned when a message ID or token is already in use.
	ErrTransactionExists = errors.New("exchange: transaction already exists")

	// ErrManagerClosed is returned by operations on a closed Manager.
	ErrManagerClosed = errors.New("exchange: manager closed")

	// ErrObservationEnded is reported when the server ended a subscription.
	ErrObservationEnded = errors.New("exchange: observation ended by server")

	// ErrNotObservable is returned when the registration response carries no
	// Observe option or is not a success.
	ErrNotObservable = errors.New("exchange: resource not observable")

	// ErrNoHandler is returned when no handler is registered for a path.
	ErrNoHandler = errors.New("exchange: no handler registered for path")

	// ErrNoTransport is returned when a Manager is created without a transport.
	ErrNoTransport = errors.New("exchange: no transport configured")

	// ErrNotRequest is returned when Request is called with a non-method code.
	ErrNotRequest = errors.New("exchange: message is not a request")

	// ErrInvalidParams is returned when Params fail validation.
	ErrInvalidParams = errors.New("exchange: invalid parameters")
)
