package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/student-transfer-engine/internal/dto"
	"github.com/noah-isme/student-transfer-engine/internal/models"
	appErrors "github.com/noah-isme/student-transfer-engine/pkg/errors"
	"github.com/noah-isme/student-transfer-engine/pkg/response"
)

type transferService interface {
	Create(ctx context.Context, actor *models.JWTClaims, req dto.CreateTransferRequest) (*models.Transfer, error)
	Revert(ctx context.Context, actor *models.JWTClaims, transferID string, req dto.RevertTransferRequest) (*models.Transfer, error)
	Retarget(ctx context.Context, actor *models.JWTClaims, transferID string, req dto.RetargetTransferRequest) (*models.Transfer, error)
	ValidateRevert(ctx context.Context, transferID string) (*models.RiskReport, error)
	ValidateRetarget(ctx context.Context, transferID, newClassID string) (*models.RiskReport, error)
	Get(ctx context.Context, transferID string) (*models.Transfer, error)
	History(ctx context.Context, studentID string) ([]models.Transfer, error)
	Stats(ctx context.Context, query dto.TransferStatsQuery) (*models.TransferStats, error)
}

// TransferHandler exposes transfer lifecycle endpoints.
type TransferHandler struct {
	service transferService
}

// NewTransferHandler constructs the handler.
func NewTransferHandler(service transferService) *TransferHandler {
	return &TransferHandler{service: service}
}

// Create godoc
// @Summary Transfer a student to another class
// @Tags Transfers
// @Accept json
// @Produce json
// @Param payload body dto.CreateTransferRequest true "Transfer payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /transfers [post]
func (h *TransferHandler) Create(c *gin.Context) {
	var req dto.CreateTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	transfer, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, transfer)
}

// Get godoc
// @Summary Get transfer detail
// @Tags Transfers
// @Produce json
// @Param id path string true "Transfer ID"
// @Success 200 {object} response.Envelope
// @Router /transfers/{id} [get]
func (h *TransferHandler) Get(c *gin.Context) {
	transfer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transfer, nil)
}

// ValidateRevert godoc
// @Summary Dry-run a transfer revert
// @Tags Transfers
// @Produce json
// @Param id path string true "Transfer ID"
// @Success 200 {object} response.Envelope
// @Router /transfers/{id}/revert/validate [get]
func (h *TransferHandler) ValidateRevert(c *gin.Context) {
	report, err := h.service.ValidateRevert(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// Revert godoc
// @Summary Revert an active transfer
// @Tags Transfers
// @Accept json
// @Produce json
// @Param id path string true "Transfer ID"
// @Param payload body dto.RevertTransferRequest true "Revert payload"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /transfers/{id}/revert [post]
func (h *TransferHandler) Revert(c *gin.Context) {
	var req dto.RevertTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	transfer, err := h.service.Revert(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transfer, nil)
}

// ValidateRetarget godoc
// @Summary Dry-run a transfer retarget
// @Tags Transfers
// @Produce json
// @Param id path string true "Transfer ID"
// @Param new_to_class_id query string true "Candidate target class"
// @Success 200 {object} response.Envelope
// @Router /transfers/{id}/retarget/validate [get]
func (h *TransferHandler) ValidateRetarget(c *gin.Context) {
	report, err := h.service.ValidateRetarget(c.Request.Context(), c.Param("id"), strings.TrimSpace(c.Query("new_to_class_id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// Retarget godoc
// @Summary Redirect an active transfer to another class
// @Tags Transfers
// @Accept json
// @Produce json
// @Param id path string true "Transfer ID"
// @Param payload body dto.RetargetTransferRequest true "Retarget payload"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /transfers/{id}/retarget [post]
func (h *TransferHandler) Retarget(c *gin.Context) {
	var req dto.RetargetTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	transfer, err := h.service.Retarget(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transfer, nil)
}

// History godoc
// @Summary List a student's transfers, newest first
// @Tags Transfers
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/transfers [get]
func (h *TransferHandler) History(c *gin.Context) {
	transfers, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transfers, nil, map[string]interface{}{"count": len(transfers)})
}

// Stats godoc
// @Summary Transfer counts by status
// @Tags Transfers
// @Produce json
// @Param from_date query string false "Inclusive lower bound (YYYY-MM-DD)"
// @Param to_date query string false "Inclusive upper bound (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /transfers/stats [get]
func (h *TransferHandler) Stats(c *gin.Context) {
	var query dto.TransferStatsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	stats, err := h.service.Stats(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

func invalidPayload(err error) error {
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload")
}
