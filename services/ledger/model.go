package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// AmountPrecision is the fixed number of fractional digits carried by every
// token amount.
const AmountPrecision = 8

type Kind string

const (
	KindEarn               Kind = "earn"
	KindSpend              Kind = "spend"
	KindPaymentDebit       Kind = "payment_debit"
	KindPaymentBonusCredit Kind = "payment_bonus_credit"
)

func (k Kind) String() string {
	switch k {
	case KindEarn, KindSpend, KindPaymentDebit, KindPaymentBonusCredit:
		return string(k)
	default:
		return ""
	}
}

// IsCredit reports whether the kind increases the balance.
func (k Kind) IsCredit() bool {
	return k == KindEarn || k == KindPaymentBonusCredit
}

// Member is the minimal registry row giving the tier calculator its
// membership start date. Members are auto-provisioned on first credit.
type Member struct {
	ID        string    `gorm:"column:id;primaryKey"`
	MemberID  string    `gorm:"column:member_id;uniqueIndex;not null"`
	JoinedAt  time.Time `gorm:"column:joined_at;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// Balance is the per-member snapshot. It is mutated only inside the ledger's
// locked transaction path; balance == total_earned - total_spent always.
type Balance struct {
	ID          string          `gorm:"column:id;primaryKey"`
	MemberID    string          `gorm:"column:member_id;uniqueIndex;not null"`
	Balance     decimal.Decimal `gorm:"column:balance;type:numeric(30,8);not null"`
	TotalEarned decimal.Decimal `gorm:"column:total_earned;type:numeric(30,8);not null"`
	TotalSpent  decimal.Decimal `gorm:"column:total_spent;type:numeric(30,8);not null"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
}

// Transaction is one append-only ledger row. Rows are immutable once written.
// The partial unique index admits exactly one committed group per
// (member_id, reference_id): a group never repeats a kind.
type Transaction struct {
	ID              string          `gorm:"column:id;primaryKey"`
	MemberID        string          `gorm:"column:member_id;index;not null;uniqueIndex:uniq_txn_member_reference_kind,where:reference_id <> ''"`
	Kind            Kind            `gorm:"column:kind;type:varchar(30);not null;uniqueIndex:uniq_txn_member_reference_kind"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(30,8);not null"`
	ServiceType     string          `gorm:"column:service_type"`
	ReferenceID     string          `gorm:"column:reference_id;index;uniqueIndex:uniq_txn_member_reference_kind"`
	BalanceAfter    decimal.Decimal `gorm:"column:balance_after;type:numeric(30,8);not null"`
	TransactionCode string          `gorm:"column:transaction_code"`
	Description     string          `gorm:"column:description"`
	PreviousHash    string          `gorm:"column:previous_hash"`
	Hash            string          `gorm:"column:hash"`
	Metadata        datatypes.JSON  `gorm:"column:metadata"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
}

func (m *Transaction) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"member_id":     m.MemberID,
		"kind":          m.Kind.String(),
		"amount":        m.Amount.StringFixed(AmountPrecision),
		"service_type":  m.ServiceType,
		"reference_id":  m.ReferenceID,
		"balance_after": m.BalanceAfter.StringFixed(AmountPrecision),
		"description":   m.Description,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *Transaction) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}

// Operation is one debit or credit inside an apply-group unit.
type Operation struct {
	Kind        Kind
	Amount      decimal.Decimal
	ServiceType string
	Description string
	Metadata    datatypes.JSON
}

// GroupResult is the outcome of ApplyGroup. Replayed is true when the group
// was already committed under the same reference id and the previously
// recorded rows were returned untouched.
type GroupResult struct {
	Transactions []*Transaction
	Balance      *Balance
	Replayed     bool
}
