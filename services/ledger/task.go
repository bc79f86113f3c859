package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// ReconcileTask recomputes every member's balance from the transaction
	// log and verifies the hash chain. Read-only; divergences are logged,
	// never auto-corrected.
	ReconcileTask = "ledger:reconcile"
)

type ReconcilePayload struct {
	MemberID string `json:"member_id,omitempty"` // empty means all members
	TraceID  string `json:"trace_id,omitempty"`
}

type Task struct {
	db  *gorm.DB
	svc *Service
}

type TaskParams struct {
	fx.In

	DB      *gorm.DB
	Service *Service
}

func NewTask(p TaskParams) *Task {
	return &Task{db: p.DB, svc: p.Service}
}

func (t *Task) HandleReconcileTask(ctx context.Context, task *asynq.Task) error {
	var payload ReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("trace_id", payload.TraceID),
	)
	zapLog.Info("start ledger reconciliation")

	query := t.db.WithContext(ctx).Model(&Balance{})
	if payload.MemberID != "" {
		query = query.Where("member_id = ?", payload.MemberID)
	}

	var balances []*Balance
	if err := query.Find(&balances).Error; err != nil {
		zapLog.Error("failed to list balances", zap.Error(err))
		return err
	}

	var divergent int
	for _, bal := range balances {
		if err := t.reconcileMember(ctx, bal, zapLog); err != nil {
			divergent++
		}
	}

	zapLog.Info("ledger reconciliation finished",
		zap.Int("members", len(balances)),
		zap.Int("divergent", divergent),
	)

	if divergent > 0 {
		return fmt.Errorf("%d members diverged", divergent)
	}
	return nil
}

func (t *Task) reconcileMember(ctx context.Context, bal *Balance, zapLog *zap.Logger) error {
	memberLog := zapLog.With(zap.String("member_id", bal.MemberID))

	entries, err := t.svc.ListTransactions(ctx, bal.MemberID, ListFilter{})
	if err != nil {
		memberLog.Error("failed to list transactions", zap.Error(err))
		return err
	}

	earned := bal.TotalEarned.Copy()
	spent := bal.TotalSpent.Copy()
	for _, e := range entries {
		if e.Kind.IsCredit() {
			earned = earned.Sub(e.Amount)
		} else {
			spent = spent.Sub(e.Amount)
		}
	}
	if !earned.IsZero() || !spent.IsZero() {
		memberLog.Error("balance snapshot diverges from transaction log",
			zap.String("earned_residue", earned.String()),
			zap.String("spent_residue", spent.String()),
		)
		return fmt.Errorf("snapshot diverged for member %s", bal.MemberID)
	}

	if !bal.Balance.Equal(bal.TotalEarned.Sub(bal.TotalSpent)) {
		memberLog.Error("balance invariant violated",
			zap.String("balance", bal.Balance.String()),
			zap.String("total_earned", bal.TotalEarned.String()),
			zap.String("total_spent", bal.TotalSpent.String()),
		)
		return fmt.Errorf("invariant violated for member %s", bal.MemberID)
	}

	valid, err := t.svc.VerifyChain(ctx, bal.MemberID)
	if err != nil {
		memberLog.Error("failed to verify chain", zap.Error(err))
		return err
	}
	if !valid {
		memberLog.Error("transaction hash chain broken")
		return fmt.Errorf("hash chain broken for member %s", bal.MemberID)
	}

	return nil
}
