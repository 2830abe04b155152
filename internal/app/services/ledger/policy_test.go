package ledger

import (
	"math"
	"strings"
	"testing"

	"github.com/aria-network/reward-engine/internal/app/domain/record"
)

func TestBaseRatePolicy_Rates(t *testing.T) {
	p := NewBaseRatePolicy(nil)

	amount, err := p.Amount(record.TypeContacts, "")
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	if math.Abs(amount-0.5) > 1e-9 {
		t.Fatalf("contacts base rate: %v", amount)
	}

	// Type matching is case and whitespace insensitive.
	if _, err := p.Amount(" Location ", ""); err != nil {
		t.Fatalf("normalised type lookup: %v", err)
	}

	if _, err := p.Amount("unknown", ""); err == nil {
		t.Fatalf("unknown type should error")
	}
}

func TestBaseRatePolicy_BonusCapped(t *testing.T) {
	p := NewBaseRatePolicy(nil)

	huge := strings.Repeat("a", 1<<20)
	amount, err := p.Amount(record.TypeSMS, huge)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	// Bonus never exceeds one rate unit.
	if math.Abs(amount-0.8) > 1e-9 {
		t.Fatalf("bonus not capped: %v", amount)
	}
}
