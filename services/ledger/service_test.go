package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tokenplane/pkg/db/option"
	"tokenplane/pkg/repository"
	"tokenplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	withTrxFn     func(tx *gorm.DB) repository.Repository[T]
	findFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn      func(ctx context.Context, resource *T) error
	updateFn      func(ctx context.Context, resourceID string, resource any) error
	batchCreateFn func(ctx context.Context, resources []*T) error
	countFn       func(ctx context.Context, query *T) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query)
	}
	return 0, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Member{}, &Balance{}, &Transaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func requireBalance(t *testing.T, svc *Service, memberID, want string) {
	t.Helper()

	bal, err := svc.GetBalance(context.Background(), memberID)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(decimal.RequireFromString(want)),
		"balance = %s, want %s", bal.Balance, want)
	require.True(t, bal.Balance.Equal(bal.TotalEarned.Sub(bal.TotalSpent)),
		"invariant violated: %s != %s - %s", bal.Balance, bal.TotalEarned, bal.TotalSpent)
	require.False(t, bal.Balance.IsNegative())
}

func TestCreditProvisionsMemberAndBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100), ServiceType: "promo"})
	require.NoError(t, err)
	require.Equal(t, KindEarn, entry.Kind)
	require.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(100)))
	require.NotEmpty(t, entry.TransactionCode)

	member, err := svc.GetMember(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, "m-1", member.MemberID)

	requireBalance(t, svc, "m-1", "100")
}

func TestGetBalanceZeroSnapshot(t *testing.T) {
	svc := newTestService(t)

	bal, err := svc.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	require.True(t, bal.Balance.IsZero())
	require.True(t, bal.TotalEarned.IsZero())
	require.True(t, bal.TotalSpent.IsZero())
}

func TestGetMemberNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetMember(context.Background(), "nobody")
	require.True(t, errors.Is(err, ErrMemberNotFound))
}

func TestEnsureMemberIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	joined := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	first, err := svc.EnsureMember(ctx, "m-1", joined)
	require.NoError(t, err)
	require.True(t, first.JoinedAt.Equal(joined))

	second, err := svc.EnsureMember(ctx, "m-1", joined.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.JoinedAt.Equal(joined))
}

func TestDebitReducesBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	entry, err := svc.Debit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(300)})
	require.NoError(t, err)
	require.Equal(t, KindSpend, entry.Kind)
	require.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(700)))

	requireBalance(t, svc, "m-1", "700")
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(1500)})
	require.True(t, errors.Is(err, ErrInsufficientBalance))

	// The rejected debit must leave no trace.
	requireBalance(t, svc, "m-1", "1000")
	entries, err := svc.ListTransactions(ctx, "m-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestInvalidAmounts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "0.000000001", "1.123456789"} {
		_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.RequireFromString(amount)})
		require.True(t, errors.Is(err, ErrInvalidAmount), "amount %s accepted", amount)
	}
}

// Amounts with exactly 8 fractional digits sit on the precision boundary and
// must be accepted, not rounded.
func TestAmountAtPrecisionBoundary(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.RequireFromString("0.00000001")})
	require.NoError(t, err)
	require.Equal(t, "0.00000001", entry.Amount.StringFixed(AmountPrecision))
}

func TestDebitReplaySameReference(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	first, err := svc.Debit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(50), ReferenceID: "R1"})
	require.NoError(t, err)

	// The caller timed out and resubmits the identical call. The balance
	// must decrease by 50 exactly once.
	second, err := svc.Debit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(50), ReferenceID: "R1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.TransactionCode, second.TransactionCode)
	require.True(t, first.BalanceAfter.Equal(second.BalanceAfter))

	requireBalance(t, svc, "m-1", "950")
}

func TestCreditWithoutReferenceIsNotDeduplicated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(10)})
		require.NoError(t, err)
	}

	requireBalance(t, svc, "m-1", "20")
}

func TestApplyGroupDebitAndBonus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	result, err := svc.ApplyGroup(ctx, "m-1", []Operation{
		{Kind: KindPaymentDebit, Amount: decimal.NewFromInt(30), ServiceType: "checkout"},
		{Kind: KindPaymentBonusCredit, Amount: decimal.NewFromInt(5), ServiceType: "checkout"},
	}, "P1")
	require.NoError(t, err)
	require.False(t, result.Replayed)
	require.Len(t, result.Transactions, 2)

	debit, bonus := result.Transactions[0], result.Transactions[1]
	require.True(t, debit.BalanceAfter.Equal(decimal.NewFromInt(70)))
	require.True(t, bonus.BalanceAfter.Equal(decimal.NewFromInt(75)))
	require.Equal(t, debit.TransactionCode, bonus.TransactionCode)
	require.Equal(t, "P1", debit.ReferenceID)
	require.Equal(t, "P1", bonus.ReferenceID)

	requireBalance(t, svc, "m-1", "75")

	bal, err := svc.GetBalance(ctx, "m-1")
	require.NoError(t, err)
	require.True(t, bal.TotalEarned.Equal(decimal.NewFromInt(105)))
	require.True(t, bal.TotalSpent.Equal(decimal.NewFromInt(30)))
}

func TestApplyGroupAllOrNothing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	// The debit exceeds the balance, so the trailing credit must not land
	// either.
	_, err = svc.ApplyGroup(ctx, "m-1", []Operation{
		{Kind: KindPaymentDebit, Amount: decimal.NewFromInt(150)},
		{Kind: KindPaymentBonusCredit, Amount: decimal.NewFromInt(10)},
	}, "P1")
	require.True(t, errors.Is(err, ErrInsufficientBalance))

	requireBalance(t, svc, "m-1", "100")
	entries, err := svc.ListTransactions(ctx, "m-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// A credit earlier in the group funds debits after it, so the group is
// judged on its net effect rather than the debit sum alone.
func TestApplyGroupCreditFundsLaterDebit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	result, err := svc.ApplyGroup(ctx, "m-1", []Operation{
		{Kind: KindEarn, Amount: decimal.NewFromInt(100)},
		{Kind: KindSpend, Amount: decimal.NewFromInt(150)},
	}, "G1")
	require.NoError(t, err)
	require.Len(t, result.Transactions, 2)
	require.True(t, result.Transactions[1].BalanceAfter.Equal(decimal.NewFromInt(50)))

	requireBalance(t, svc, "m-1", "50")
}

func TestApplyGroupConcurrentSameReference(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	ops := []Operation{
		{Kind: KindPaymentDebit, Amount: decimal.NewFromInt(50), ServiceType: "checkout"},
	}

	// Two callers race the same reference id. Exactly one group may land;
	// the loser gets the winner's recorded result back.
	results := make([]*GroupResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ApplyGroup(ctx, "m-1", ops, "P1")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, results[0].Transactions[0].ID, results[1].Transactions[0].ID)
	require.Equal(t, results[0].Transactions[0].TransactionCode, results[1].Transactions[0].TransactionCode)

	// The debit landed exactly once.
	requireBalance(t, svc, "m-1", "950")
	entries, err := svc.ListTransactions(ctx, "m-1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestApplyGroupReplayReturnsRecordedGroup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	ops := []Operation{
		{Kind: KindPaymentDebit, Amount: decimal.NewFromInt(30)},
		{Kind: KindPaymentBonusCredit, Amount: decimal.NewFromInt(5)},
	}

	first, err := svc.ApplyGroup(ctx, "m-1", ops, "P1")
	require.NoError(t, err)

	second, err := svc.ApplyGroup(ctx, "m-1", ops, "P1")
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Len(t, second.Transactions, 2)
	for i := range first.Transactions {
		require.Equal(t, first.Transactions[i].ID, second.Transactions[i].ID)
		require.True(t, first.Transactions[i].Amount.Equal(second.Transactions[i].Amount))
	}

	requireBalance(t, svc, "m-1", "75")
}

func TestApplyGroupValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyGroup(ctx, "", []Operation{{Kind: KindEarn, Amount: decimal.NewFromInt(1)}}, "")
	require.Error(t, err)

	_, err = svc.ApplyGroup(ctx, "m-1", nil, "")
	require.Error(t, err)

	_, err = svc.ApplyGroup(ctx, "m-1", []Operation{{Kind: Kind("bogus"), Amount: decimal.NewFromInt(1)}}, "")
	require.Error(t, err)
}

func TestListTransactionsOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, amount := range []int64{10, 20, 30} {
		_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(amount)})
		require.NoError(t, err)
	}

	entries, err := svc.ListTransactions(ctx, "m-1", ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	require.True(t, entries[0].Amount.Equal(decimal.NewFromInt(30)))
	require.True(t, entries[1].Amount.Equal(decimal.NewFromInt(20)))
}

func TestVerifyChain(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(7)})
	require.NoError(t, err)

	valid, err := svc.VerifyChain(ctx, "m-1")
	require.NoError(t, err)
	require.True(t, valid)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)

	err = svc.db.Model(&Transaction{}).
		Where("member_id = ? AND kind = ?", "m-1", KindSpend).
		Update("amount", decimal.NewFromInt(4)).Error
	require.NoError(t, err)

	valid, err := svc.VerifyChain(ctx, "m-1")
	require.NoError(t, err)
	require.False(t, valid)
}

func TestGetBalancePropagatesRepoError(t *testing.T) {
	svc := &Service{
		balance: &repoMock[Balance]{
			findOneFn: func(ctx context.Context, _ *Balance, opts ...option.QueryOption) (*Balance, error) {
				return nil, errors.New("connection reset")
			},
		},
	}

	_, err := svc.GetBalance(context.Background(), "m-1")
	require.ErrorContains(t, err, "connection reset")
}

func TestBalanceInvariantAcrossMixedHistory(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	steps := []struct {
		kind   Kind
		amount string
	}{
		{KindEarn, "500"},
		{KindSpend, "120.5"},
		{KindEarn, "0.00000001"},
		{KindSpend, "379.49999"},
		{KindEarn, "42"},
	}

	for _, step := range steps {
		var err error
		p := EntryParams{MemberID: "m-1", Amount: decimal.RequireFromString(step.amount)}
		if step.kind == KindEarn {
			_, err = svc.Credit(ctx, p)
		} else {
			_, err = svc.Debit(ctx, p)
		}
		require.NoError(t, err)
	}

	requireBalance(t, svc, "m-1", "42.00001001")

	// balance_after on each row must replay to the final snapshot.
	entries, err := svc.ListTransactions(ctx, "m-1", ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].BalanceAfter.Equal(decimal.RequireFromString("42.00001001")))
}
