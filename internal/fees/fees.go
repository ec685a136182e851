// Package fees implements the commission-tier schedule.
//
// The service fee charged to the buyer and the platform commission deducted
// from the seller payout both come from the same tier lookup: a flat
// percentage selected by the agreed price, with a minimum fee. Amounts are
// currency minor units (cents).
package fees

import (
	"errors"
	"math"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// Tier is one row of the commission schedule.
type Tier struct {
	UpTo int64 // inclusive upper bound in cents; 0 = no bound
	Rate float64
}

// Breakdown is the result of a fee computation.
type Breakdown struct {
	Amount int64 `json:"amount"` // agreed price
	Fee    int64 `json:"fee"`    // platform fee
	Total  int64 `json:"total"`  // what the buyer pays
	Net    int64 `json:"net"`    // what the seller receives
}

// Schedule is an ordered list of tiers, cheapest bound first.
type Schedule struct {
	tiers  []Tier
	minFee int64
}

// Default returns the standard Karroo schedule:
// up to R500 10%, up to R2500 7.5%, up to R10000 5%, above 3.5%, minimum R5.
func Default() *Schedule {
	return &Schedule{
		tiers: []Tier{
			{UpTo: 50_000, Rate: 0.10},
			{UpTo: 250_000, Rate: 0.075},
			{UpTo: 1_000_000, Rate: 0.05},
			{UpTo: 0, Rate: 0.035},
		},
		minFee: 500,
	}
}

// New builds a schedule from explicit tiers. Tiers must be ordered by UpTo
// ascending with the unbounded tier (UpTo=0) last.
func New(tiers []Tier, minFee int64) *Schedule {
	return &Schedule{tiers: tiers, minFee: minFee}
}

// Rate returns the percentage applied to the given amount.
func (s *Schedule) Rate(amount int64) float64 {
	for _, t := range s.tiers {
		if t.UpTo == 0 || amount <= t.UpTo {
			return t.Rate
		}
	}
	return 0
}

// Compute returns the fee breakdown for an agreed amount.
func (s *Schedule) Compute(amount int64) (Breakdown, error) {
	if amount <= 0 {
		return Breakdown{}, ErrInvalidAmount
	}

	// Half-up on the tier percentage, in cents
	fee := int64(math.Round(float64(amount) * s.Rate(amount)))
	if fee < s.minFee {
		fee = s.minFee
	}

	return Breakdown{
		Amount: amount,
		Fee:    fee,
		Total:  amount + fee,
		Net:    amount - fee,
	}, nil
}
