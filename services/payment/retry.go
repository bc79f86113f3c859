package payment

import (
	"context"
	"fmt"
	"time"

	"tokenplane/pkg/config"
	"tokenplane/services/settlement"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Settler is the commit surface the controller drives. Every resubmission
// carries the same reference id, so a commit that landed server-side but
// timed out on the wire replays as already-settled instead of charging twice.
type Settler interface {
	Commit(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error)
}

// Error is a terminal payment failure together with its classification.
// State is REJECTED for business rejections and FAILED when the retry
// budget ran out or the caller gave up on a transient fault.
type Error struct {
	Classification Classification
	State          settlement.State
	Attempts       int
	Err            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment failed (%s) after %d attempt(s): %v", e.Classification.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Controller struct {
	settler Settler
	notices *NoticeStore

	maxRetries int
	retryDelay time.Duration
	// retryBackoff is added to the delay after every failed attempt. Zero
	// keeps the delay fixed.
	retryBackoff time.Duration
}

type ControllerParams struct {
	fx.In
	Config  *config.Config
	Settler Settler
	Notices *NoticeStore `optional:"true"`
}

func NewController(p ControllerParams) *Controller {
	return &Controller{
		settler:      p.Settler,
		notices:      p.Notices,
		maxRetries:   p.Config.Settlement.MaxRetries,
		retryDelay:   p.Config.Settlement.RetryDelay,
		retryBackoff: p.Config.Settlement.RetryBackoff,
	}
}

// Pay drives one payment to a terminal outcome. Transient failures are
// resubmitted with the same reference id up to the retry budget; everything
// else stops immediately and records a notice carrying the remediation.
func (c *Controller) Pay(ctx context.Context, p settlement.CommitParams) (*settlement.Receipt, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("member_id", p.MemberID),
		zap.String("reference_id", p.ReferenceID),
	)

	var lastErr error
	var lastCls Classification

	delay := c.retryDelay
	attempts := 0
	immediate := false

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && !immediate {
			zapLog.Warn("retrying settlement",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.String("kind", string(lastCls.Kind)),
			)
			if err := sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			delay += c.retryBackoff
		}

		attempts++
		receipt, err := c.settler.Commit(ctx, p)
		if err == nil {
			c.clearNotice(ctx, zapLog, p.MemberID)
			return receipt, nil
		}

		lastErr = err
		lastCls = Classify(err)
		immediate = false

		if lastCls.Kind == KindDuplicateReference {
			// Already settled under this reference. Resubmit immediately;
			// the replay path returns the recorded receipt.
			immediate = true
			continue
		}
		if !lastCls.Retryable {
			break
		}
	}

	// Business rejections are REJECTED; transient faults that exhausted
	// the budget, canceled waits, and unclassifiable errors are FAILED.
	state := settlement.StateRejected
	if lastCls.Retryable || lastCls.Kind == KindUnknown {
		state = settlement.StateFailed
	}

	failure := &Error{Classification: lastCls, State: state, Attempts: attempts, Err: lastErr}
	zapLog.Error("payment terminal failure",
		zap.String("kind", string(lastCls.Kind)),
		zap.String("state", string(state)),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)

	c.putNotice(ctx, zapLog, &Notice{
		MemberID:    p.MemberID,
		ReferenceID: p.ReferenceID,
		Kind:        lastCls.Kind,
		Message:     lastErr.Error(),
		Remediation: lastCls.Remediation,
		Attempts:    attempts,
		CreatedAt:   time.Now().UTC(),
	})

	return nil, failure
}

func (c *Controller) putNotice(ctx context.Context, zapLog *zap.Logger, notice *Notice) {
	if c.notices == nil {
		return
	}
	// Notices are best effort. The ledger is the source of truth; losing a
	// notice never loses money.
	if err := c.notices.Put(context.WithoutCancel(ctx), notice); err != nil {
		zapLog.Warn("failed to record payment notice", zap.Error(err))
	}
}

func (c *Controller) clearNotice(ctx context.Context, zapLog *zap.Logger, memberID string) {
	if c.notices == nil {
		return
	}
	if err := c.notices.Clear(context.WithoutCancel(ctx), memberID); err != nil {
		zapLog.Warn("failed to clear payment notice", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
