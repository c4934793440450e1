package exchange

import (
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// Transaction is a confirmable message awaiting acknowledgement.
// Per RFC 7252 Section 4.2, each entry tracks:
//   - Peer and message ID, which an ACK or RST must echo
//   - The encoded datagram, resent unchanged on every retransmission
//   - Retransmission counter and current timeout
//
// A Transaction is owned by the TransactionTable. Its fields are only
// mutated under the table's shard lock.
type Transaction struct {
	// Peer is the destination of the message.
	Peer transport.PeerAddress

	// MessageID is the message ID of the confirmable message.
	MessageID uint16

	// Token is the token of the message, if any.
	Token []byte

	data     []byte
	retries  int
	timeout  time.Duration
	deadline time.Time
	state    TransactionState

	// done is called exactly once, outside any lock, when the transaction
	// is acknowledged, reset or times out. It is not called on Cancel.
	done func(o outcome, msg *message.Message)
}

// Data returns the encoded datagram.
func (tx *Transaction) Data() []byte {
	return tx.data
}

func (tx *Transaction) key() exchangeKey {
	return exchangeKey{peer: tx.Peer.Key(), mid: tx.MessageID}
}

// expireAction is the decision taken when a transaction deadline passes.
type expireAction int

const (
	// expireIgnore means the deadline is stale or the transaction finished.
	expireIgnore expireAction = iota
	// expireResend means the datagram must be sent again.
	expireResend
	// expireFail means retransmissions are exhausted.
	expireFail
)

// TransactionTable tracks confirmable messages by (peer, message ID).
// A retransmission timer and an arriving ACK for the same transaction are
// serialized by the shard lock: whichever takes it first decides, and the
// other becomes a no-op.
type TransactionTable struct {
	entries *shardedMap[exchangeKey, *Transaction]
}

// NewTransactionTable creates an empty table.
func NewTransactionTable() *TransactionTable {
	return &TransactionTable{entries: newShardedMap[exchangeKey, *Transaction]()}
}

// Add registers a pending transaction. Returns ErrTransactionExists if
// the (peer, message ID) pair is already outstanding.
func (t *TransactionTable) Add(tx *Transaction) error {
	tx.state = TransactionPending
	if !t.entries.StoreIfAbsent(tx.key(), tx) {
		return ErrTransactionExists
	}
	return nil
}

// Get returns the pending transaction for (peer, mid).
func (t *TransactionTable) Get(peer string, mid uint16) (*Transaction, bool) {
	return t.entries.Load(exchangeKey{peer, mid})
}

// Complete marks the transaction for (peer, mid) as completed and removes
// it. A second call, or a call for an unknown pair, returns false. This
// makes duplicate ACKs from the network harmless.
func (t *TransactionTable) Complete(peer string, mid uint16) (*Transaction, bool) {
	var (
		tx *Transaction
		ok bool
	)
	t.entries.With(exchangeKey{peer, mid}, func(m map[exchangeKey]*Transaction) {
		tx, ok = m[exchangeKey{peer, mid}]
		if !ok || tx.state != TransactionPending {
			ok = false
			return
		}
		tx.state = TransactionCompleted
		delete(m, exchangeKey{peer, mid})
	})
	return tx, ok
}

// Cancel abandons a pending transaction. Any later timer or ACK for it is
// ignored. Returns false if the transaction already finished.
func (t *TransactionTable) Cancel(tx *Transaction) bool {
	cancelled := false
	key := tx.key()
	t.entries.With(key, func(m map[exchangeKey]*Transaction) {
		if tx.state != TransactionPending {
			return
		}
		tx.state = TransactionCancelled
		if m[key] == tx {
			delete(m, key)
		}
		cancelled = true
	})
	return cancelled
}

// expire decides what to do when the deadline of tx passes. A deadline
// that no longer matches the transaction is stale and ignored. On resend
// the timeout is doubled and the new deadline returned.
func (t *TransactionTable) expire(tx *Transaction, deadline time.Time, maxRetransmit int, now time.Time) (expireAction, time.Time) {
	action := expireIgnore
	var next time.Time

	key := tx.key()
	t.entries.With(key, func(m map[exchangeKey]*Transaction) {
		if tx.state != TransactionPending || !tx.deadline.Equal(deadline) {
			return
		}
		if tx.retries < maxRetransmit {
			tx.retries++
			tx.timeout *= 2
			tx.deadline = now.Add(tx.timeout)
			next = tx.deadline
			action = expireResend
			return
		}
		tx.state = TransactionFailed
		delete(m, key)
		action = expireFail
	})

	return action, next
}

// Count returns the number of pending transactions.
func (t *TransactionTable) Count() int {
	return t.entries.Len()
}

// Clear cancels and returns every pending transaction. Used for shutdown.
func (t *TransactionTable) Clear() []*Transaction {
	var all []*Transaction
	t.entries.Range(func(_ exchangeKey, tx *Transaction) bool {
		all = append(all, tx)
		return true
	})
	var cancelled []*Transaction
	for _, tx := range all {
		if t.Cancel(tx) {
			cancelled = append(cancelled, tx)
		}
	}
	return cancelled
}
