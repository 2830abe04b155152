package reward

import (
	"errors"
	"fmt"
	"time"
)

// Credit is a single, exactly-once reward assignment for one collected item.
// At most one credit ever exists per (UserID, ItemID) regardless of how many
// times the client resubmits the item.
type Credit struct {
	ID       string
	UserID   string
	ItemID   string
	ItemType string
	Amount   float64
	IssuedAt time.Time
	// BatchID is empty while the credit sits in the unsettled pool and
	// holds the claiming settlement batch otherwise.
	BatchID   string
	SettledAt time.Time
}

// Settled reports whether a confirmed settlement covered this credit.
func (c Credit) Settled() bool { return !c.SettledAt.IsZero() }

// PolicyError signals that reward computation failed for an item. The item
// stays uncredited and may be resubmitted.
type PolicyError struct {
	ItemID string
	Err    error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("reward policy failed for item %s: %v", e.ItemID, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// ErrDuplicate is returned by stores when an insert hits an existing
// (user, item) pair. The ledger resolves it idempotently; callers outside
// the ledger should never observe it.
var ErrDuplicate = errors.New("credit already exists for item")

// Stats summarises a user's reward activity.
type Stats struct {
	TotalRewards  float64 `json:"totalRewards"`
	DataCollected int     `json:"dataCollected"`
	DataProcessed int     `json:"dataProcessed"`
}
