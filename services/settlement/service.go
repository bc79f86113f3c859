package settlement

import (
	"context"
	"encoding/json"
	"time"

	"tokenplane/pkg/config"
	"tokenplane/pkg/errutil"
	"tokenplane/services/ledger"
	"tokenplane/services/tier"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Pricing is the configured settlement economics: how much of the tier
// multiplier converts into a discount, and the token price used for bonus
// accrual.
type Pricing struct {
	DiscountFactor decimal.Decimal
	TokenPrice     decimal.Decimal
}

func PricingFromConfig(cfg *config.Config) Pricing {
	return Pricing{
		DiscountFactor: decimal.NewFromFloat(cfg.Loyalty.DiscountFactor),
		TokenPrice:     decimal.NewFromFloat(cfg.Loyalty.TokenPrice),
	}
}

type Service struct {
	ledger *ledger.Service
	calc   *tier.Calculator

	pricing       Pricing
	commitTimeout time.Duration
}

type ServiceParams struct {
	fx.In
	Config *config.Config
	Ledger *ledger.Service
	Calc   *tier.Calculator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		ledger:        p.Ledger,
		calc:          p.Calc,
		pricing:       PricingFromConfig(p.Config),
		commitTimeout: p.Config.Settlement.CommitTimeout,
	}
}

// TierState derives the member's current tier standing from the registry row
// and the live balance snapshot.
func (s *Service) TierState(ctx context.Context, memberID string) (tier.State, error) {
	member, err := s.ledger.GetMember(ctx, memberID)
	if err != nil {
		return tier.State{}, err
	}

	bal, err := s.ledger.GetBalance(ctx, memberID)
	if err != nil {
		return tier.State{}, err
	}

	return s.calc.Compute(member.JoinedAt, bal.TotalSpent, time.Now().UTC())
}

// Preview computes an advisory quote without taking locks or mutating state.
func (s *Service) Preview(ctx context.Context, memberID, serviceType string, baseAmount decimal.Decimal) (*Quote, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("member_id", memberID),
		zap.String("service_type", serviceType),
	)

	if !baseAmount.IsPositive() || baseAmount.Exponent() < -ledger.AmountPrecision {
		return nil, errutil.ValidationFailed("invalid base amount", ledger.ErrInvalidAmount)
	}

	member, err := s.ledger.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	bal, err := s.ledger.GetBalance(ctx, memberID)
	if err != nil {
		zapLog.Error("failed to read balance", zap.Error(err))
		return nil, err
	}

	state, err := s.calc.Compute(member.JoinedAt, bal.TotalSpent, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	discount, final, bonus := s.computeQuote(baseAmount, state.Tier)

	return &Quote{
		MemberID:      memberID,
		ServiceType:   serviceType,
		BaseAmount:    baseAmount,
		TierDiscount:  discount,
		FinalAmount:   final,
		BonusTokens:   bonus,
		Tier:          state.Tier,
		State:         StateQuoted,
		BalanceOnHand: bal.Balance,
	}, nil
}

// computeQuote derives the tier discount, the post-discount amount and the
// bonus token accrual. discount = base * (m-1)/m * factor; bonus counts whole
// tokens of the final amount at the tier's bonus percentage.
func (s *Service) computeQuote(baseAmount decimal.Decimal, t tier.Tier) (discount, final, bonus decimal.Decimal) {
	one := decimal.NewFromInt(1)

	discount = decimal.Zero
	if t.BonusMultiplier.GreaterThan(one) {
		discount = baseAmount.
			Mul(t.BonusMultiplier.Sub(one)).
			Div(t.BonusMultiplier).
			Mul(s.pricing.DiscountFactor).
			Round(ledger.AmountPrecision)
	}

	final = baseAmount.Sub(discount)

	bonus = decimal.Zero
	if t.TokenBonusPct.IsPositive() {
		wholeTokens := final.Div(s.pricing.TokenPrice).Floor()
		bonus = wholeTokens.Mul(t.TokenBonusPct).Round(ledger.AmountPrecision)
	}

	return discount, final, bonus
}

// receiptMeta is stamped onto the payment debit row so a replayed commit can
// reconstruct the exact original receipt.
type receiptMeta struct {
	ServiceType  string          `json:"service_type"`
	TierDiscount decimal.Decimal `json:"tier_discount"`
	FinalAmount  decimal.Decimal `json:"final_amount"`
	TierLevel    int             `json:"tier_level"`
	TierName     string          `json:"tier_name"`
}

type CommitParams struct {
	MemberID    string
	ServiceType string
	BaseAmount  decimal.Decimal
	TokenAmount decimal.Decimal
	ReferenceID string
}

// Commit settles a payment: it recomputes the quote from live state (a
// caller-echoed quote is never trusted), then applies the token debit and
// any bonus credit as one atomic group under the caller's reference id.
// A commit whose reference id was already settled replays the original
// receipt instead of charging again.
func (s *Service) Commit(ctx context.Context, p CommitParams) (*Receipt, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("member_id", p.MemberID),
		zap.String("reference_id", p.ReferenceID),
	)

	if p.ReferenceID == "" {
		return nil, errutil.BadRequest("reference_id is required", nil)
	}
	if !p.TokenAmount.IsPositive() || p.TokenAmount.Exponent() < -ledger.AmountPrecision {
		return nil, errutil.ValidationFailed("invalid token amount", ledger.ErrInvalidAmount)
	}

	if s.commitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commitTimeout)
		defer cancel()
	}

	// Commit-time recomputation always wins over whatever the caller saw at
	// preview; the receipt reports what was actually applied.
	quote, err := s.Preview(ctx, p.MemberID, p.ServiceType, p.BaseAmount)
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(receiptMeta{
		ServiceType:  p.ServiceType,
		TierDiscount: quote.TierDiscount,
		FinalAmount:  quote.FinalAmount,
		TierLevel:    quote.Tier.Level,
		TierName:     quote.Tier.Name,
	})
	if err != nil {
		return nil, err
	}

	ops := []ledger.Operation{{
		Kind:        ledger.KindPaymentDebit,
		Amount:      p.TokenAmount,
		ServiceType: p.ServiceType,
		Description: "payment settlement",
		Metadata:    datatypes.JSON(meta),
	}}
	if quote.BonusTokens.IsPositive() {
		ops = append(ops, ledger.Operation{
			Kind:        ledger.KindPaymentBonusCredit,
			Amount:      quote.BonusTokens,
			ServiceType: p.ServiceType,
			Description: "tier bonus credit",
		})
	}

	result, err := s.ledger.ApplyGroup(ctx, p.MemberID, ops, p.ReferenceID)
	if err != nil {
		zapLog.Error("settlement commit failed", zap.Error(err))
		return nil, err
	}

	receipt := buildReceipt(p.MemberID, p.ReferenceID, result)
	if result.Replayed {
		zapLog.Info("settlement replayed from recorded group")
	} else {
		zapLog.Info("settlement committed",
			zap.String("transaction_code", receipt.TransactionCode),
			zap.String("bonus_applied", receipt.BonusApplied.String()),
		)
	}

	return receipt, nil
}

// buildReceipt derives the receipt purely from the recorded transaction
// group so first-time and replayed commits produce identical responses.
func buildReceipt(memberID, referenceID string, result *ledger.GroupResult) *Receipt {
	receipt := &Receipt{
		MemberID:     memberID,
		ReferenceID:  referenceID,
		State:        StateSettled,
		BonusApplied: decimal.Zero,
		Replayed:     result.Replayed,
	}

	for _, row := range result.Transactions {
		switch row.Kind {
		case ledger.KindPaymentDebit:
			receipt.TokenAmount = row.Amount
			receipt.TransactionCode = row.TransactionCode
			receipt.SettledAt = row.CreatedAt

			var meta receiptMeta
			if len(row.Metadata) > 0 && json.Unmarshal(row.Metadata, &meta) == nil {
				receipt.ServiceType = meta.ServiceType
				receipt.TierDiscount = meta.TierDiscount
				receipt.FinalAmount = meta.FinalAmount
				receipt.TierLevel = meta.TierLevel
				receipt.TierName = meta.TierName
			}
		case ledger.KindPaymentBonusCredit:
			receipt.BonusApplied = row.Amount
		}
	}

	if n := len(result.Transactions); n > 0 {
		receipt.NewBalance = result.Transactions[n-1].BalanceAfter
	}

	return receipt
}
