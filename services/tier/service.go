package tier

import (
	"errors"
	"time"

	"tokenplane/pkg/errutil"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput is returned when the calculator is handed a negative spend
// or an inverted date pair. Callers treat it as a caller bug, never retried.
var ErrInvalidInput = errors.New("membership start date must not be in the future and total spent must be >= 0")

// Calculator maps (membership start date, cumulative spend) onto the tier
// table. It is pure and deterministic; the table is fixed at construction.
type Calculator struct {
	table Table
}

func NewCalculator(table Table) *Calculator {
	return &Calculator{table: table}
}

func (c *Calculator) Table() Table {
	return c.table
}

// Compute selects the highest tier whose tenure and spend thresholds are both
// met, plus the progress fraction towards the next tier. Progress is the
// stricter of the two gating dimensions, each capped at 1.0; at the top tier
// it is the terminal 1.0.
func (c *Calculator) Compute(membershipStart time.Time, totalSpent decimal.Decimal, now time.Time) (State, error) {
	if totalSpent.IsNegative() || membershipStart.After(now) {
		return State{}, errutil.ValidationFailed("invalid tier input", ErrInvalidInput)
	}

	daysMember := int(now.Sub(membershipStart).Hours() / 24)

	tiers := c.table.tiers
	current := tiers[0]
	for _, t := range tiers[1:] {
		if daysMember >= t.MinDaysMember && totalSpent.GreaterThanOrEqual(t.MinTotalSpent) {
			current = t
		}
	}

	state := State{
		Tier:           current,
		DaysMember:     daysMember,
		ProgressToNext: 1.0,
	}

	if current.Level < len(tiers) {
		next := tiers[current.Level] // tiers are 0-indexed, levels start at 1
		state.ProgressToNext = progressTo(next, daysMember, totalSpent)
	}

	return state, nil
}

func progressTo(next Tier, daysMember int, totalSpent decimal.Decimal) float64 {
	daysProgress := 1.0
	if next.MinDaysMember > 0 {
		daysProgress = min(float64(daysMember)/float64(next.MinDaysMember), 1.0)
	}

	spendProgress := 1.0
	if next.MinTotalSpent.IsPositive() {
		ratio, _ := totalSpent.Div(next.MinTotalSpent).Float64()
		spendProgress = min(ratio, 1.0)
	}

	return min(daysProgress, spendProgress)
}
