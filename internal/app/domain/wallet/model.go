package wallet

import "time"

// TransactionType distinguishes reward payouts from plain transfers.
type TransactionType string

const (
	TypeReward   TransactionType = "reward"
	TypeTransfer TransactionType = "transfer"
)

// Status is the lifecycle status of a transfer attempt. Terminal statuses
// are immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Wallet links a user to an on-chain address.
type Wallet struct {
	UserID    string
	Address   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionRecord is the durable record of one on-chain transfer attempt,
// mirrored to clients for display and used during reconciliation. ID is the
// chain transaction reference and is globally unique.
type TransactionRecord struct {
	ID          string          `json:"id"`
	UserID      string          `json:"-"`
	BatchID     string          `json:"-"`
	Amount      float64         `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        TransactionType `json:"type"`
	Status      Status          `json:"status"`
	FromAddress string          `json:"fromAddress"`
	ToAddress   string          `json:"toAddress"`
	Description string          `json:"description"`
}

// BalanceSource records which authority produced a reconciled balance.
type BalanceSource string

const (
	SourceChain BalanceSource = "chain"
	SourceLocal BalanceSource = "local"
)

// Summary is the outcome of one reconciliation pass.
type Summary struct {
	UserID        string        `json:"userId"`
	Address       string        `json:"address"`
	Balance       float64       `json:"balance"`
	BalanceSource BalanceSource `json:"balanceSource"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	StillPending  int           `json:"stillPending"`
}
