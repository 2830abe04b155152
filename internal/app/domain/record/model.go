package record

import "time"

// SyncState tracks where a collected item sits in the sync lifecycle.
type SyncState string

const (
	// StateUnsynced marks items that have never been acknowledged by the
	// server. Unsynced items are eligible for (re)submission.
	StateUnsynced SyncState = "unsynced"
	// StateSubmitted marks items the engine has received but not yet
	// credited, such as items whose policy evaluation failed.
	StateSubmitted SyncState = "submitted"
	// StateCredited marks items the server has credited. Credited items
	// never return to unsynced.
	StateCredited SyncState = "credited"
)

// Item types mirror the collection permissions the client exposes.
const (
	TypeLocation = "location"
	TypeContacts = "contacts"
	TypeCalendar = "calendar"
	TypeSMS      = "sms"
	TypeOther    = "other"
)

// Item is a single collected datum. The ID is assigned at collection time
// and is stable across resubmissions; it anchors server-side deduplication.
type Item struct {
	ID          string
	UserID      string
	Type        string
	Content     string
	CollectedAt time.Time
	SyncState   SyncState
	// Reward and CreditedAt are set together when SyncState becomes
	// credited and are server-assigned.
	Reward     float64
	CreditedAt time.Time
}

// Credited reports whether the item has been credited by the server.
func (i Item) Credited() bool { return i.SyncState == StateCredited }
