package ledger

import (
	"context"
	"errors"
	"time"

	"tokenplane/pkg/db/option"
	"tokenplane/pkg/errutil"
	"tokenplane/pkg/repository"
	"tokenplane/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidAmount rejects non-positive amounts and amounts with more
	// than 8 fractional digits. Amounts are never clamped or coerced.
	ErrInvalidAmount = errors.New("amount must be positive with at most 8 fractional digits")

	// ErrInsufficientBalance is the business rejection for a debit larger
	// than the live balance.
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrMemberNotFound reports an unknown member id.
	ErrMemberNotFound = errors.New("member not found")

	// errDuplicateRace signals that a concurrent commit won the unique index
	// race for the same reference id; the caller re-reads the recorded group.
	errDuplicateRace = errors.New("transaction group already committed concurrently")
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator

	member  repository.Repository[Member]
	balance repository.Repository[Balance]
	txn     repository.Repository[Transaction]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Seq  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		seq:  p.Seq,

		member:  repository.ProvideStore[Member](p.DB),
		balance: repository.ProvideStore[Balance](p.DB),
		txn:     repository.ProvideStore[Transaction](p.DB),
	}
}

// EnsureMember creates the member registry row if it does not exist yet and
// returns it. JoinedAt is only honoured on first creation.
func (s *Service) EnsureMember(ctx context.Context, memberID string, joinedAt time.Time) (*Member, error) {
	if memberID == "" {
		return nil, errutil.BadRequest("member_id is required", nil)
	}

	existing, err := s.member.FindOne(ctx, &Member{MemberID: memberID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	m := &Member{
		ID:       s.node.Generate().String(),
		MemberID: memberID,
		JoinedAt: joinedAt.UTC(),
	}
	if err := s.member.Create(ctx, m); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.member.FindOne(ctx, &Member{MemberID: memberID})
		}
		return nil, err
	}
	return m, nil
}

func (s *Service) GetMember(ctx context.Context, memberID string) (*Member, error) {
	m, err := s.member.FindOne(ctx, &Member{MemberID: memberID})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errutil.NotFound("member not found", ErrMemberNotFound)
	}
	return m, nil
}

// GetBalance returns the live balance snapshot, or a zero snapshot for a
// member with no ledger activity yet.
func (s *Service) GetBalance(ctx context.Context, memberID string) (*Balance, error) {
	bal, err := s.balance.FindOne(ctx, &Balance{MemberID: memberID})
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return &Balance{
			MemberID:    memberID,
			Balance:     decimal.Zero,
			TotalEarned: decimal.Zero,
			TotalSpent:  decimal.Zero,
		}, nil
	}
	return bal, nil
}

// ListFilter narrows a transaction listing. Zero values mean no filter.
type ListFilter struct {
	Kind  Kind
	Since time.Time
	Limit int
}

// ListTransactions returns the member's transactions newest first.
func (s *Service) ListTransactions(ctx context.Context, memberID string, f ListFilter) ([]*Transaction, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "desc",
			Allow:   map[string]bool{"id": true},
		}),
		option.WithLimit(f.Limit),
	}
	if !f.Since.IsZero() {
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GTE,
			Value:    f.Since,
		}))
	}

	return s.txn.Find(ctx, &Transaction{MemberID: memberID, Kind: f.Kind}, opts...)
}

type EntryParams struct {
	MemberID    string
	Amount      decimal.Decimal
	ServiceType string
	ReferenceID string
	Description string
}

// Credit increases balance and total earned by the amount, as a single-entry
// group.
func (s *Service) Credit(ctx context.Context, p EntryParams) (*Transaction, error) {
	return s.applySingle(ctx, p, KindEarn)
}

// Debit decreases balance and increases total spent by the amount, checked
// atomically against the live balance.
func (s *Service) Debit(ctx context.Context, p EntryParams) (*Transaction, error) {
	return s.applySingle(ctx, p, KindSpend)
}

func (s *Service) applySingle(ctx context.Context, p EntryParams, kind Kind) (*Transaction, error) {
	result, err := s.ApplyGroup(ctx, p.MemberID, []Operation{{
		Kind:        kind,
		Amount:      p.Amount,
		ServiceType: p.ServiceType,
		Description: p.Description,
	}}, p.ReferenceID)
	if err != nil {
		return nil, err
	}
	return result.Transactions[0], nil
}

// ApplyGroup applies a list of debit/credit operations as one all-or-nothing
// unit. A group already committed under the same (member_id, reference_id)
// is returned untouched with Replayed set, which is what makes payment
// retries safe. The balance row is locked for the duration; no intermediate
// state is ever observable.
func (s *Service) ApplyGroup(ctx context.Context, memberID string, ops []Operation, referenceID string) (*GroupResult, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("member_id", memberID),
		zap.String("reference_id", referenceID),
	)

	if memberID == "" {
		return nil, errutil.BadRequest("member_id is required", nil)
	}
	if len(ops) == 0 {
		return nil, errutil.BadRequest("operation group must not be empty", nil)
	}
	for _, op := range ops {
		if op.Kind.String() == "" {
			return nil, errutil.BadRequest("unsupported transaction kind", nil)
		}
		if !op.Amount.IsPositive() || op.Amount.Exponent() < -AmountPrecision {
			return nil, errutil.ValidationFailed("invalid amount", ErrInvalidAmount)
		}
	}

	var result *GroupResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := s.applyGroupTx(ctx, tx, memberID, ops, referenceID)
		if err != nil {
			return err
		}
		result = applied
		return nil
	})

	if errors.Is(err, errDuplicateRace) || errors.Is(err, gorm.ErrDuplicatedKey) {
		zapLog.Info("group already committed, replaying recorded result")
		return s.replayGroup(ctx, memberID, referenceID)
	}
	if err != nil {
		zapLog.Error("failed to apply transaction group", zap.Error(err))
		return nil, err
	}

	return result, nil
}

func (s *Service) applyGroupTx(ctx context.Context, tx *gorm.DB, memberID string, ops []Operation, referenceID string) (*GroupResult, error) {
	balanceTx := s.balance.WithTrx(tx)
	txnTx := s.txn.WithTrx(tx)

	bal, err := balanceTx.FindOne(ctx, &Balance{MemberID: memberID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}

	if bal == nil {
		bal, err = s.provisionBalance(ctx, tx, memberID)
		if err != nil {
			return nil, err
		}
	}

	if referenceID != "" {
		existing, err := txnTx.Find(ctx, &Transaction{MemberID: memberID, ReferenceID: referenceID},
			option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
		)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return &GroupResult{Transactions: existing, Balance: bal, Replayed: true}, nil
		}
	}

	lastEntry, err := txnTx.FindOne(ctx, &Transaction{MemberID: memberID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, err
	}

	previousHash := "GENESIS"
	if lastEntry != nil {
		previousHash = lastEntry.Hash
	}

	code, err := s.nextTransactionCode(ctx)
	if err != nil {
		return nil, err
	}

	running := bal.Balance
	earnedDelta := decimal.Zero
	spentDelta := decimal.Zero
	now := time.Now().UTC()

	rows := make([]*Transaction, 0, len(ops))
	for _, op := range ops {
		if op.Kind.IsCredit() {
			running = running.Add(op.Amount)
			earnedDelta = earnedDelta.Add(op.Amount)
		} else {
			if running.LessThan(op.Amount) {
				return nil, errutil.UnprocessableEntity("insufficient token balance", ErrInsufficientBalance,
					errutil.WithDetails(errutil.Detail{
						Field:   "amount",
						Message: "debit of " + op.Amount.StringFixed(AmountPrecision) + " exceeds balance " + running.StringFixed(AmountPrecision),
					}),
				)
			}
			running = running.Sub(op.Amount)
			spentDelta = spentDelta.Add(op.Amount)
		}

		row := &Transaction{
			ID:              s.node.Generate().String(),
			MemberID:        memberID,
			Kind:            op.Kind,
			Amount:          op.Amount,
			ServiceType:     op.ServiceType,
			ReferenceID:     referenceID,
			BalanceAfter:    running,
			TransactionCode: code,
			Description:     op.Description,
			PreviousHash:    previousHash,
			Metadata:        op.Metadata,
			CreatedAt:       now,
		}
		row.Hash = row.GenerateHash()
		previousHash = row.Hash

		rows = append(rows, row)
	}

	for _, row := range rows {
		if err := txnTx.Create(ctx, row); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, errDuplicateRace
			}
			return nil, err
		}
	}

	// Conditional update against the live row: the lock plus the net-delta
	// guard means a stale read can never drive the balance negative. The
	// guard uses the group's net effect, not the debit sum alone, so a
	// credit earlier in the group funds debits after it.
	net := earnedDelta.Sub(spentDelta)
	res := tx.Model(&Balance{}).
		Where("id = ? AND balance + ? >= 0", bal.ID, net).
		Updates(map[string]any{
			"balance":      gorm.Expr("balance + ?", net),
			"total_earned": gorm.Expr("total_earned + ?", earnedDelta),
			"total_spent":  gorm.Expr("total_spent + ?", spentDelta),
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.UnprocessableEntity("insufficient token balance", ErrInsufficientBalance)
	}

	updated, err := balanceTx.FindOne(ctx, &Balance{MemberID: memberID})
	if err != nil {
		return nil, err
	}

	return &GroupResult{Transactions: rows, Balance: updated}, nil
}

func (s *Service) provisionBalance(ctx context.Context, tx *gorm.DB, memberID string) (*Balance, error) {
	memberTx := s.member.WithTrx(tx)

	m, err := memberTx.FindOne(ctx, &Member{MemberID: memberID})
	if err != nil {
		return nil, err
	}
	if m == nil {
		if err := memberTx.Create(ctx, &Member{
			ID:       s.node.Generate().String(),
			MemberID: memberID,
			JoinedAt: time.Now().UTC(),
		}); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
	}

	bal := &Balance{
		ID:          s.node.Generate().String(),
		MemberID:    memberID,
		Balance:     decimal.Zero,
		TotalEarned: decimal.Zero,
		TotalSpent:  decimal.Zero,
	}
	if err := s.balance.WithTrx(tx).Create(ctx, bal); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.balance.WithTrx(tx).FindOne(ctx, &Balance{MemberID: memberID}, option.WithLockingUpdate())
		}
		return nil, err
	}
	return bal, nil
}

// replayGroup reads back a previously committed group after losing a
// concurrent race on the same reference id.
func (s *Service) replayGroup(ctx context.Context, memberID, referenceID string) (*GroupResult, error) {
	rows, err := s.txn.Find(ctx, &Transaction{MemberID: memberID, ReferenceID: referenceID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errutil.Internal("duplicate reference reported but no recorded group found", nil)
	}

	bal, err := s.GetBalance(ctx, memberID)
	if err != nil {
		return nil, err
	}

	return &GroupResult{Transactions: rows, Balance: bal, Replayed: true}, nil
}

func (s *Service) nextTransactionCode(ctx context.Context) (string, error) {
	if s.seq != nil {
		return s.seq.NextTransactionCode(ctx)
	}
	return sequence.FallbackTransactionCode()
}

// VerifyChain walks the member's transaction log in commit order and checks
// every row's hash and back-link. Used by the reconcile task and exposed for
// audit tooling.
func (s *Service) VerifyChain(ctx context.Context, memberID string) (bool, error) {
	entries, err := s.txn.Find(ctx, &Transaction{MemberID: memberID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return false, err
	}

	lastHash := "GENESIS"
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			return false, nil
		}
		lastHash = entry.Hash
	}

	return true, nil
}
