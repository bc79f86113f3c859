package tier

import (
	"fmt"

	"tokenplane/pkg/config"

	"github.com/shopspring/decimal"
)

// Tier is one loyalty level. Levels are contiguous from 1, thresholds and
// rewards never decrease with level, and every level tightens at least one
// threshold; level 1 has zero thresholds and acts as the default for every
// member.
type Tier struct {
	Level           int
	Name            string
	MinDaysMember   int
	MinTotalSpent   decimal.Decimal
	BonusMultiplier decimal.Decimal
	TokenBonusPct   decimal.Decimal
}

// Table is the immutable, ordered tier table. It is built once at startup
// and never mutated afterwards.
type Table struct {
	tiers []Tier
}

func NewTable(tiers []Tier) (Table, error) {
	if len(tiers) == 0 {
		return Table{}, fmt.Errorf("tier table must not be empty")
	}

	one := decimal.NewFromInt(1)
	for i, t := range tiers {
		if t.Level != i+1 {
			return Table{}, fmt.Errorf("tier levels must be contiguous from 1, got level %d at position %d", t.Level, i)
		}
		if t.BonusMultiplier.LessThan(one) {
			return Table{}, fmt.Errorf("tier %q: bonus multiplier must be >= 1.0", t.Name)
		}
		if t.TokenBonusPct.IsNegative() {
			return Table{}, fmt.Errorf("tier %q: token bonus percentage must be >= 0", t.Name)
		}
		if i == 0 {
			if t.MinDaysMember != 0 || !t.MinTotalSpent.IsZero() {
				return Table{}, fmt.Errorf("level 1 tier must have zero thresholds")
			}
			continue
		}

		prev := tiers[i-1]
		if t.MinDaysMember < prev.MinDaysMember || t.MinTotalSpent.LessThan(prev.MinTotalSpent) {
			return Table{}, fmt.Errorf("tier %q: thresholds must not decrease with level", t.Name)
		}
		if t.MinDaysMember == prev.MinDaysMember && t.MinTotalSpent.Equal(prev.MinTotalSpent) {
			return Table{}, fmt.Errorf("tier %q: at least one threshold must tighten with level", t.Name)
		}
		if t.BonusMultiplier.LessThan(prev.BonusMultiplier) || t.TokenBonusPct.LessThan(prev.TokenBonusPct) {
			return Table{}, fmt.Errorf("tier %q: rewards must not decrease with level", t.Name)
		}
	}

	frozen := make([]Tier, len(tiers))
	copy(frozen, tiers)
	return Table{tiers: frozen}, nil
}

// FromConfig builds the table from the configuration surface.
func FromConfig(rows []config.TierConfig) (Table, error) {
	tiers := make([]Tier, 0, len(rows))
	for _, r := range rows {
		tiers = append(tiers, Tier{
			Level:           r.Level,
			Name:            r.Name,
			MinDaysMember:   r.MinDaysMember,
			MinTotalSpent:   decimal.NewFromFloat(r.MinTotalSpent),
			BonusMultiplier: decimal.NewFromFloat(r.BonusMultiplier),
			TokenBonusPct:   decimal.NewFromFloat(r.TokenBonusPct),
		})
	}
	return NewTable(tiers)
}

func (t Table) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

func (t Table) Top() Tier {
	return t.tiers[len(t.tiers)-1]
}

// State is the derived tier standing of a member. It is never persisted;
// it is a pure function of the membership start date, total spend and clock.
type State struct {
	Tier           Tier    `json:"tier"`
	DaysMember     int     `json:"days_member"`
	ProgressToNext float64 `json:"progress_to_next"`
}
