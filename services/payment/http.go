package payment

import (
	"errors"
	"net/http"

	"tokenplane/pkg/errutil"
	"tokenplane/services/settlement"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func registerRoutes(router *gin.Engine, ctrl *Controller, notices *NoticeStore) {
	v1 := router.Group("/v1")

	v1.POST("/payments", paymentHandler(ctrl))
	v1.GET("/members/:member_id/payment-notices", getNoticeHandler(notices))
	v1.DELETE("/members/:member_id/payment-notices", clearNoticeHandler(notices))
}

type paymentRequest struct {
	MemberID    string `json:"member_id" binding:"required"`
	ServiceType string `json:"service_type"`
	BaseAmount  string `json:"base_amount" binding:"required"`
	TokenAmount string `json:"token_amount" binding:"required"`
	ReferenceID string `json:"reference_id" binding:"required"`
}

func paymentHandler(ctrl *Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req paymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}

		baseAmount, err := decimal.NewFromString(req.BaseAmount)
		if err != nil {
			_ = c.Error(errutil.ValidationFailed("invalid base amount", err))
			return
		}

		tokenAmount, err := decimal.NewFromString(req.TokenAmount)
		if err != nil {
			_ = c.Error(errutil.ValidationFailed("invalid token amount", err))
			return
		}

		receipt, err := ctrl.Pay(c.Request.Context(), settlement.CommitParams{
			MemberID:    req.MemberID,
			ServiceType: req.ServiceType,
			BaseAmount:  baseAmount,
			TokenAmount: tokenAmount,
			ReferenceID: req.ReferenceID,
		})
		if err != nil {
			_ = c.Error(renderError(err))
			return
		}

		status := http.StatusCreated
		if receipt.Replayed {
			status = http.StatusOK
		}
		c.JSON(status, receipt)
	}
}

// renderError attaches the classification verdict to the response so the
// caller sees what happened and what to do about it, not a generic failure.
func renderError(err error) error {
	var pe *Error
	if !errors.As(err, &pe) {
		return err
	}

	details := []errutil.Detail{
		{Field: "kind", Message: string(pe.Classification.Kind)},
		{Field: "state", Message: string(pe.State)},
	}
	if pe.Classification.Remediation != "" {
		details = append(details, errutil.Detail{Field: "remediation", Message: pe.Classification.Remediation})
	}
	opts := []errutil.Option{errutil.WithDetails(details...)}

	switch pe.Classification.Kind {
	case KindInsufficientBalance, KindSoldOut, KindExpired:
		return errutil.UnprocessableEntity("payment rejected", pe.Err, opts...)
	case KindInvalidAmount:
		return errutil.ValidationFailed("payment rejected", pe.Err, opts...)
	case KindTimeout:
		return errutil.Timeout("payment did not complete", pe.Err, opts...)
	case KindNetworkError:
		return errutil.Unavailable("payment did not complete", pe.Err, opts...)
	default:
		return errutil.Internal("payment failed", pe.Err, opts...)
	}
}

func getNoticeHandler(notices *NoticeStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		notice, err := notices.Get(c.Request.Context(), c.Param("member_id"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		if notice == nil {
			c.JSON(http.StatusOK, gin.H{"data": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": notice})
	}
}

func clearNoticeHandler(notices *NoticeStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := notices.Clear(c.Request.Context(), c.Param("member_id")); err != nil {
			_ = c.Error(err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
