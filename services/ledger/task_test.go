package ledger

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestReconcileCleanLedger(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, EntryParams{MemberID: "m-2", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	task := NewTask(TaskParams{DB: svc.db, Service: svc})
	err = task.HandleReconcileTask(ctx, asynq.NewTask(ReconcileTask, nil))
	require.NoError(t, err)
}

func TestReconcileDetectsDivergedSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	// Corrupt the snapshot behind the ledger's back.
	err = svc.db.Model(&Balance{}).
		Where("member_id = ?", "m-1").
		Update("total_earned", decimal.NewFromInt(999)).Error
	require.NoError(t, err)

	task := NewTask(TaskParams{DB: svc.db, Service: svc})
	err = task.HandleReconcileTask(ctx, asynq.NewTask(ReconcileTask, nil))
	require.ErrorContains(t, err, "diverged")
}

func TestReconcileScopedToMember(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, EntryParams{MemberID: "m-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, EntryParams{MemberID: "m-2", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)

	err = svc.db.Model(&Balance{}).
		Where("member_id = ?", "m-2").
		Update("total_earned", decimal.NewFromInt(999)).Error
	require.NoError(t, err)

	task := NewTask(TaskParams{DB: svc.db, Service: svc})

	// Only m-1 is audited, so the corruption in m-2 stays out of scope.
	err = task.HandleReconcileTask(ctx, asynq.NewTask(ReconcileTask, []byte(`{"member_id":"m-1"}`)))
	require.NoError(t, err)

	err = task.HandleReconcileTask(ctx, asynq.NewTask(ReconcileTask, []byte(`{"member_id":"m-2"}`)))
	require.Error(t, err)
}
