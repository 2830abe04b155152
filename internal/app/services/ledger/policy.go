package ledger

import (
	"fmt"
	"strings"

	"github.com/aria-network/reward-engine/internal/app/domain/record"
)

// Policy computes the reward amount for one collected item. The ledger
// clamps whatever the policy returns to its configured bounds; a policy
// error leaves the item uncredited and retryable.
type Policy interface {
	Amount(itemType, content string) (float64, error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(itemType, content string) (float64, error)

func (f PolicyFunc) Amount(itemType, content string) (float64, error) {
	return f(itemType, content)
}

// BaseRatePolicy prices items by type with a small size-derived bonus.
type BaseRatePolicy struct {
	rates map[string]float64
}

// DefaultRates mirror the per-type pricing of the collection backend.
func DefaultRates() map[string]float64 {
	return map[string]float64{
		record.TypeLocation: 0.2,
		record.TypeContacts: 0.5,
		record.TypeCalendar: 0.3,
		record.TypeSMS:      0.4,
		record.TypeOther:    0.1,
	}
}

// NewBaseRatePolicy builds a policy from per-type rates. Nil rates fall back
// to the defaults.
func NewBaseRatePolicy(rates map[string]float64) *BaseRatePolicy {
	if len(rates) == 0 {
		rates = DefaultRates()
	}
	return &BaseRatePolicy{rates: rates}
}

func (p *BaseRatePolicy) Amount(itemType, content string) (float64, error) {
	rate, ok := p.rates[strings.ToLower(strings.TrimSpace(itemType))]
	if !ok {
		return 0, fmt.Errorf("no rate for item type %q", itemType)
	}
	// Larger payloads earn a modest bonus, capped at one extra rate unit.
	bonus := float64(len(content)) / 4096 * rate
	if bonus > rate {
		bonus = rate
	}
	return rate + bonus, nil
}
