// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/aria-network/reward-engine/internal/app/services/settlement"
)

// MockChain is a programmable chain client for tests. It implements the
// settlement ChainClient plus the wallet balance reader.
type MockChain struct {
	mu sync.Mutex

	// SubmitErr, when non-nil, fails every SubmitTransfer call.
	SubmitErr error
	// ConfirmErr, when non-nil, fails every ConfirmTransfer call.
	ConfirmErr error
	// BalanceErr, when non-nil, fails every Balance call.
	BalanceErr error

	balances  map[string]float64
	outcomes  map[string]outcome
	submitted []Submission
}

type outcome struct {
	done    bool
	success bool
}

// Submission records one SubmitTransfer call.
type Submission struct {
	TxRef     string
	ToAddress string
	Amount    float64
	Memo      string
}

func NewMockChain() *MockChain {
	return &MockChain{
		balances: make(map[string]float64),
		outcomes: make(map[string]outcome),
	}
}

// SetBalance fixes the on-chain balance reported for an address.
func (m *MockChain) SetBalance(address string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = balance
}

// Resolve fixes the confirmation outcome for a tx reference.
func (m *MockChain) Resolve(txRef string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[txRef] = outcome{done: true, success: success}
}

// Submissions returns a copy of every recorded transfer.
func (m *MockChain) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Submission, len(m.submitted))
	copy(out, m.submitted)
	return out
}

func (m *MockChain) SubmitTransfer(_ context.Context, toAddress string, amount float64, memo string) (settlement.TransferReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return settlement.TransferReceipt{}, m.SubmitErr
	}
	sub := Submission{
		TxRef:     "tx-" + uuid.NewString(),
		ToAddress: toAddress,
		Amount:    amount,
		Memo:      memo,
	}
	m.submitted = append(m.submitted, sub)
	return settlement.TransferReceipt{TxRef: sub.TxRef, FromAddress: "treasury"}, nil
}

func (m *MockChain) ConfirmTransfer(_ context.Context, txRef string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfirmErr != nil {
		return false, false, m.ConfirmErr
	}
	o, ok := m.outcomes[txRef]
	if !ok {
		return false, false, nil
	}
	return o.done, o.success, nil
}

func (m *MockChain) Balance(_ context.Context, address string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return 0, m.BalanceErr
	}
	balance, ok := m.balances[address]
	if !ok {
		return 0, fmt.Errorf("unknown address %s", address)
	}
	return balance, nil
}
