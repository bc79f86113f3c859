package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"tokenplane/pkg/errutil"
	"tokenplane/pkg/task"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type RouteParams struct {
	fx.In
	Router   *gin.Engine
	Service  *Service
	Enqueuer task.Enqueuer `optional:"true"`
}

func registerRoutes(p RouteParams) {
	svc := p.Service
	v1 := p.Router.Group("/v1")

	v1.GET("/members/:member_id/balance", svc.handleGetBalance)
	v1.GET("/members/:member_id/transactions", svc.handleListTransactions)
	v1.POST("/members/:member_id/credits", svc.handleCredit)
	v1.POST("/members/:member_id/debits", svc.handleDebit)

	if p.Enqueuer != nil {
		v1.POST("/admin/ledger/reconcile", reconcileHandler(p.Enqueuer))
	}
}

type reconcileRequest struct {
	MemberID string `json:"member_id"`
}

// reconcileHandler enqueues a background audit of balances against the
// transaction log. The handler only schedules; the worker does the walking.
func reconcileHandler(enq task.Enqueuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reconcileRequest
		_ = c.ShouldBindJSON(&req)

		span := trace.SpanFromContext(c.Request.Context())
		payload, err := json.Marshal(ReconcilePayload{
			MemberID: req.MemberID,
			TraceID:  span.SpanContext().TraceID().String(),
		})
		if err != nil {
			_ = c.Error(err)
			return
		}

		info, err := enq.Enqueue(c.Request.Context(), asynq.NewTask(ReconcileTask, payload), asynq.Queue("low"))
		if err != nil {
			_ = c.Error(errutil.Unavailable("failed to enqueue reconciliation", err))
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"task_id": info.ID})
	}
}

type balanceResponse struct {
	MemberID    string `json:"member_id"`
	Balance     string `json:"balance"`
	TotalEarned string `json:"total_earned"`
	TotalSpent  string `json:"total_spent"`
}

func (s *Service) handleGetBalance(c *gin.Context) {
	bal, err := s.GetBalance(c.Request.Context(), c.Param("member_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		MemberID:    bal.MemberID,
		Balance:     bal.Balance.StringFixed(AmountPrecision),
		TotalEarned: bal.TotalEarned.StringFixed(AmountPrecision),
		TotalSpent:  bal.TotalSpent.StringFixed(AmountPrecision),
	})
}

func (s *Service) handleListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	filter := ListFilter{
		Kind:  Kind(c.Query("kind")),
		Limit: limit,
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = c.Error(errutil.ValidationFailed("invalid since timestamp", err))
			return
		}
		filter.Since = since
	}

	entries, err := s.ListTransactions(c.Request.Context(), c.Param("member_id"), filter)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}

type entryRequest struct {
	Amount      string `json:"amount" binding:"required"`
	ServiceType string `json:"service_type"`
	ReferenceID string `json:"reference_id"`
	Description string `json:"description"`
}

func (s *Service) handleCredit(c *gin.Context) {
	s.handleEntry(c, s.Credit)
}

func (s *Service) handleDebit(c *gin.Context) {
	s.handleEntry(c, s.Debit)
}

func (s *Service) handleEntry(c *gin.Context, apply func(ctx context.Context, p EntryParams) (*Transaction, error)) {
	var req entryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid amount", err))
		return
	}

	entry, err := apply(c.Request.Context(), EntryParams{
		MemberID:    c.Param("member_id"),
		Amount:      amount,
		ServiceType: req.ServiceType,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}
