package transaction

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TransactionID uniquely identifies a transaction for the lifetime of the process.
type TransactionID uuid.UUID

// NilTransactionID is the zero identifier; no running transaction ever carries it.
var NilTransactionID = TransactionID(uuid.Nil)

// NewTransactionID returns a fresh random identifier.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.New())
}

func (id TransactionID) String() string { return uuid.UUID(id).String() }

// Bytes returns the 16 byte wire form of the identifier.
func (id TransactionID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// TransactionIDFromBytes parses the 16 byte wire form written by Bytes.
func TransactionIDFromBytes(b []byte) (TransactionID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NilTransactionID, err
	}
	return TransactionID(u), nil
}

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, operations are being applied
	TxnStateCommitted                         // Commit completed and locks released
	TxnStateAborted                           // Rolled back and locks released
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "RUNNING"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Permission is the access level a caller requests for a page.
type Permission int

const (
	ReadOnly Permission = iota
	ReadWrite
)

func (p Permission) String() string {
	if p == ReadWrite {
		return "READ_WRITE"
	}
	return "READ_ONLY"
}

// Transaction represents an in-memory record of an active or finished transaction.
type Transaction struct {
	id        TransactionID
	startedAt time.Time

	mu    sync.Mutex
	state TransactionState
}

// New starts a running transaction with a fresh identifier.
func New() *Transaction {
	return &Transaction{
		id:        NewTransactionID(),
		startedAt: time.Now(),
		state:     TxnStateRunning,
	}
}

func (t *Transaction) ID() TransactionID    { return t.id }
func (t *Transaction) StartedAt() time.Time { return t.startedAt }

func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Finish moves a running transaction into a terminal state. It reports false
// when the transaction had already finished.
func (t *Transaction) Finish(state TransactionState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxnStateRunning || state == TxnStateRunning {
		return false
	}
	t.state = state
	return true
}
