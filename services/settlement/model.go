package settlement

import (
	"time"

	"tokenplane/services/tier"

	"github.com/shopspring/decimal"
)

// State is the terminal outcome of a settlement attempt. QUOTED never
// mutates anything; REJECTED (business rule) and FAILED (exhausted or
// aborted transient fault) are stamped by the payment retry layer.
type State string

const (
	StateQuoted   State = "QUOTED"
	StateSettled  State = "SETTLED"
	StateRejected State = "REJECTED"
	StateFailed   State = "FAILED"
)

// Quote is the advisory result of a preview. It is never persisted and never
// trusted at commit time; commit always recomputes.
type Quote struct {
	MemberID      string          `json:"member_id"`
	ServiceType   string          `json:"service_type"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	TierDiscount  decimal.Decimal `json:"tier_discount"`
	FinalAmount   decimal.Decimal `json:"final_amount"`
	BonusTokens   decimal.Decimal `json:"bonus_tokens_to_credit"`
	Tier          tier.Tier       `json:"tier"`
	State         State           `json:"state"`
	BalanceOnHand decimal.Decimal `json:"balance_on_hand"`
}

// Receipt is the committed outcome. A replayed commit returns the receipt
// reconstructed from the originally recorded transaction group, byte for
// byte identical to the first response.
type Receipt struct {
	MemberID        string          `json:"member_id"`
	ServiceType     string          `json:"service_type"`
	ReferenceID     string          `json:"reference_id"`
	TransactionCode string          `json:"transaction_code"`
	State           State           `json:"state"`
	TokenAmount     decimal.Decimal `json:"token_amount"`
	BonusApplied    decimal.Decimal `json:"bonus_applied"`
	TierDiscount    decimal.Decimal `json:"tier_discount"`
	FinalAmount     decimal.Decimal `json:"final_amount"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	TierLevel       int             `json:"tier_level"`
	TierName        string          `json:"tier_name"`
	Replayed        bool            `json:"replayed"`
	SettledAt       time.Time       `json:"settled_at"`
}
