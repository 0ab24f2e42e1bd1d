package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	"github.com/noah-isme/student-transfer-engine/pkg/response"
)

type ledgerReader interface {
	Statement(ctx context.Context, studentID string) (*models.LedgerStatement, error)
}

// LedgerHandler exposes a student's financial ledger.
type LedgerHandler struct {
	ledger ledgerReader
}

// NewLedgerHandler constructs the handler.
func NewLedgerHandler(ledger ledgerReader) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// Statement godoc
// @Summary Get a student's ledger entries and balance
// @Tags Ledger
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/ledger [get]
func (h *LedgerHandler) Statement(c *gin.Context) {
	statement, err := h.ledger.Statement(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, statement, nil)
}
