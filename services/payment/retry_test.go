package payment

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tokenplane/pkg/config"
	"tokenplane/services/ledger"
	"tokenplane/services/settlement"
)

type settlerStub struct {
	commitFn func(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error)
	calls    int
}

func (s *settlerStub) Commit(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
	s.calls++
	return s.commitFn(ctx, p)
}

func newTestController(t *testing.T, stub *settlerStub) *Controller {
	t.Helper()

	cfg := &config.Config{}
	cfg.Settlement.MaxRetries = 3
	cfg.Settlement.RetryDelay = time.Millisecond
	cfg.Settlement.RetryBackoff = 0

	return NewController(ControllerParams{Config: cfg, Settler: stub})
}

func commitParams() settlement.CommitParams {
	return settlement.CommitParams{
		MemberID:    "m-1",
		ServiceType: "checkout",
		BaseAmount:  decimal.NewFromInt(100),
		TokenAmount: decimal.NewFromInt(100),
		ReferenceID: "R1",
	}
}

func TestPaySucceedsFirstAttempt(t *testing.T) {
	stub := &settlerStub{
		commitFn: func(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
			return &settlement.Receipt{MemberID: p.MemberID, ReferenceID: p.ReferenceID, State: settlement.StateSettled}, nil
		},
	}
	ctrl := newTestController(t, stub)

	receipt, err := ctrl.Pay(context.Background(), commitParams())
	require.NoError(t, err)
	require.Equal(t, settlement.StateSettled, receipt.State)
	require.Equal(t, 1, stub.calls)
}

func TestPayRetriesTransientFailure(t *testing.T) {
	stub := &settlerStub{}
	stub.commitFn = func(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
		if stub.calls < 3 {
			return nil, &net.DNSError{Err: "no such host"}
		}
		return &settlement.Receipt{ReferenceID: p.ReferenceID, State: settlement.StateSettled}, nil
	}
	ctrl := newTestController(t, stub)

	receipt, err := ctrl.Pay(context.Background(), commitParams())
	require.NoError(t, err)
	require.Equal(t, "R1", receipt.ReferenceID)
	require.Equal(t, 3, stub.calls)
}

// Every resubmission must carry the caller's original reference id so a
// commit that landed server-side replays instead of double-charging.
func TestPayRetriesReuseReference(t *testing.T) {
	var refs []string
	stub := &settlerStub{}
	stub.commitFn = func(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
		refs = append(refs, p.ReferenceID)
		if stub.calls < 2 {
			return nil, context.DeadlineExceeded
		}
		return &settlement.Receipt{ReferenceID: p.ReferenceID}, nil
	}
	ctrl := newTestController(t, stub)

	_, err := ctrl.Pay(context.Background(), commitParams())
	require.NoError(t, err)
	require.Equal(t, []string{"R1", "R1"}, refs)
}

func TestPayStopsOnBusinessRejection(t *testing.T) {
	stub := &settlerStub{
		commitFn: func(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
			return nil, ledger.ErrInsufficientBalance
		},
	}
	ctrl := newTestController(t, stub)

	_, err := ctrl.Pay(context.Background(), commitParams())
	require.Error(t, err)
	require.Equal(t, 1, stub.calls)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, KindInsufficientBalance, pe.Classification.Kind)
	require.Equal(t, settlement.StateRejected, pe.State)
	require.Equal(t, 1, pe.Attempts)
	require.NotEmpty(t, pe.Classification.Remediation)
	require.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
}

func TestPayExhaustsRetryBudget(t *testing.T) {
	stub := &settlerStub{
		commitFn: func(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
			return nil, context.DeadlineExceeded
		},
	}
	ctrl := newTestController(t, stub)

	_, err := ctrl.Pay(context.Background(), commitParams())
	require.Error(t, err)
	// Initial attempt plus three retries.
	require.Equal(t, 4, stub.calls)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, KindTimeout, pe.Classification.Kind)
	require.Equal(t, settlement.StateFailed, pe.State)
	require.Equal(t, 4, pe.Attempts)
}

// A duplicate-reference verdict means the money already moved; the
// controller resubmits and the replay path hands back the recorded receipt.
func TestPayDuplicateReferenceResolvesToReceipt(t *testing.T) {
	stub := &settlerStub{}
	stub.commitFn = func(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
		if stub.calls == 1 {
			return nil, gorm.ErrDuplicatedKey
		}
		return &settlement.Receipt{ReferenceID: p.ReferenceID, Replayed: true}, nil
	}
	ctrl := newTestController(t, stub)

	receipt, err := ctrl.Pay(context.Background(), commitParams())
	require.NoError(t, err)
	require.True(t, receipt.Replayed)
	require.Equal(t, 2, stub.calls)
}

func TestPayHonorsContextDuringBackoff(t *testing.T) {
	stub := &settlerStub{
		commitFn: func(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
			return nil, &net.DNSError{Err: "no such host"}
		},
	}

	cfg := &config.Config{}
	cfg.Settlement.MaxRetries = 5
	cfg.Settlement.RetryDelay = time.Hour
	ctrl := NewController(ControllerParams{Config: cfg, Settler: stub})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctrl.Pay(ctx, commitParams())
	require.Error(t, err)
	require.Equal(t, 1, stub.calls)
}

func TestPayIncrementalBackoff(t *testing.T) {
	stub := &settlerStub{
		commitFn: func(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
			return nil, context.DeadlineExceeded
		},
	}

	cfg := &config.Config{}
	cfg.Settlement.MaxRetries = 2
	cfg.Settlement.RetryDelay = time.Millisecond
	cfg.Settlement.RetryBackoff = time.Millisecond
	ctrl := NewController(ControllerParams{Config: cfg, Settler: stub})

	start := time.Now()
	_, err := ctrl.Pay(context.Background(), commitParams())
	require.Error(t, err)
	require.Equal(t, 3, stub.calls)
	// Delays of 1ms and 2ms between the three attempts.
	require.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
}
