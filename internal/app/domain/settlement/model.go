package settlement

import (
	"errors"
	"time"
)

// State is the lifecycle state of a settlement batch.
//
//	pending --submit--> submitted --confirm ok--> confirmed
//	submitted --confirm failed--> pending (bounded retries) --> failed
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool { return s == StateConfirmed || s == StateFailed }

// Batch aggregates a user's claimed credits for one on-chain transfer.
// Credits are claimed into exactly one batch at creation time; a credit is
// settled by exactly one confirmed batch.
type Batch struct {
	ID            string
	UserID        string
	WalletAddress string
	CreditIDs     []string
	TotalAmount   float64
	State         State
	// TxRef is the chain-assigned transaction reference, set when the
	// batch reaches submitted.
	TxRef       string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt time.Time
}

// ErrExhausted marks a batch that ran out of retry attempts. Its credits
// are back in the unsettled pool; the failure is user visible.
var ErrExhausted = errors.New("settlement retries exhausted")

// ErrClaimConflict means a concurrent dispatch cycle claimed the credits
// first. The losing cycle settles nothing.
var ErrClaimConflict = errors.New("credits claimed by concurrent dispatch")

// ErrNoCredits means the user has no unsettled credits to dispatch.
var ErrNoCredits = errors.New("no unsettled credits")

// ErrBatchNotFound means the store holds no batch row for the id. Stores
// must return it (wrapped) so callers can tell a missing row apart from a
// failed read.
var ErrBatchNotFound = errors.New("settlement batch not found")
