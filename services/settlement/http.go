package settlement

import (
	"net/http"

	"tokenplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func registerRoutes(router *gin.Engine, svc *Service) {
	v1 := router.Group("/v1")

	v1.GET("/members/:member_id/tier", svc.handleGetTier)
	v1.POST("/settlements/preview", svc.handlePreview)
	v1.POST("/settlements/commit", svc.handleCommit)
}

type tierResponse struct {
	MemberID       string `json:"member_id"`
	Level          int    `json:"level"`
	Name           string `json:"name"`
	DaysMember     int    `json:"days_member"`
	ProgressToNext string `json:"progress_to_next"`
}

func (s *Service) handleGetTier(c *gin.Context) {
	memberID := c.Param("member_id")

	state, err := s.TierState(c.Request.Context(), memberID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, tierResponse{
		MemberID:       memberID,
		Level:          state.Tier.Level,
		Name:           state.Tier.Name,
		DaysMember:     state.DaysMember,
		ProgressToNext: decimal.NewFromFloat(state.ProgressToNext).Round(4).String(),
	})
}

type previewRequest struct {
	MemberID    string `json:"member_id" binding:"required"`
	ServiceType string `json:"service_type"`
	BaseAmount  string `json:"base_amount" binding:"required"`
}

func (s *Service) handlePreview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	baseAmount, err := decimal.NewFromString(req.BaseAmount)
	if err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid base amount", err))
		return
	}

	quote, err := s.Preview(c.Request.Context(), req.MemberID, req.ServiceType, baseAmount)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, quote)
}

type commitRequest struct {
	MemberID    string `json:"member_id" binding:"required"`
	ServiceType string `json:"service_type"`
	BaseAmount  string `json:"base_amount" binding:"required"`
	TokenAmount string `json:"token_amount" binding:"required"`
	ReferenceID string `json:"reference_id" binding:"required"`
}

func (s *Service) handleCommit(c *gin.Context) {
	var req commitRequest
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

	receipt, err := s.Commit(c.Request.Context(), CommitParams{
		MemberID:    req.MemberID,
		ServiceType: req.ServiceType,
		BaseAmount:  baseAmount,
		TokenAmount: tokenAmount,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, receipt)
}
