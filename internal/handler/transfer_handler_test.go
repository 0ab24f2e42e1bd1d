package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/student-transfer-engine/internal/dto"
	"github.com/noah-isme/student-transfer-engine/internal/middleware"
	"github.com/noah-isme/student-transfer-engine/internal/models"
	appErrors "github.com/noah-isme/student-transfer-engine/pkg/errors"
	"github.com/noah-isme/student-transfer-engine/pkg/response"
)

type transferServiceMock struct {
	createReq     dto.CreateTransferRequest
	revertReq     dto.RevertTransferRequest
	retargetReq   dto.RetargetTransferRequest
	statsQuery    dto.TransferStatsQuery
	lastActor     *models.JWTClaims
	lastID        string
	lastClassID   string
	result        *models.Transfer
	report        *models.RiskReport
	history       []models.Transfer
	stats         *models.TransferStats
	err           error
	createCalled  bool
	revertCalled  bool
	historyCalled bool
}

func (m *transferServiceMock) Create(ctx context.Context, actor *models.JWTClaims, req dto.CreateTransferRequest) (*models.Transfer, error) {
	m.createCalled = true
	m.lastActor = actor
	m.createReq = req
	return m.result, m.err
}

func (m *transferServiceMock) Revert(ctx context.Context, actor *models.JWTClaims, transferID string, req dto.RevertTransferRequest) (*models.Transfer, error) {
	m.revertCalled = true
	m.lastActor = actor
	m.lastID = transferID
	m.revertReq = req
	return m.result, m.err
}

func (m *transferServiceMock) Retarget(ctx context.Context, actor *models.JWTClaims, transferID string, req dto.RetargetTransferRequest) (*models.Transfer, error) {
	m.lastActor = actor
	m.lastID = transferID
	m.retargetReq = req
	return m.result, m.err
}

func (m *transferServiceMock) ValidateRevert(ctx context.Context, transferID string) (*models.RiskReport, error) {
	m.lastID = transferID
	return m.report, m.err
}

func (m *transferServiceMock) ValidateRetarget(ctx context.Context, transferID, newClassID string) (*models.RiskReport, error) {
	m.lastID = transferID
	m.lastClassID = newClassID
	return m.report, m.err
}

func (m *transferServiceMock) Get(ctx context.Context, transferID string) (*models.Transfer, error) {
	m.lastID = transferID
	return m.result, m.err
}

func (m *transferServiceMock) History(ctx context.Context, studentID string) ([]models.Transfer, error) {
	m.historyCalled = true
	m.lastID = studentID
	return m.history, m.err
}

func (m *transferServiceMock) Stats(ctx context.Context, query dto.TransferStatsQuery) (*models.TransferStats, error) {
	m.statsQuery = query
	return m.stats, m.err
}

type ledgerReaderMock struct {
	statement *models.LedgerStatement
	studentID string
}

func (m *ledgerReaderMock) Statement(ctx context.Context, studentID string) (*models.LedgerStatement, error) {
	m.studentID = studentID
	return m.statement, nil
}

func buildTransferRouter(svc *transferServiceMock, ledger *ledgerReaderMock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	testAuth := func(c *gin.Context) {
		if role := c.GetHeader("X-Test-Role"); role != "" {
			c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "operator-1", Role: models.UserRole(role)})
		}
		c.Next()
	}
	RegisterTransferRoutes(router.Group("/api/v1"), testAuth, NewTransferHandler(svc), NewLedgerHandler(ledger))
	return router
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestTransferHandlerCreate(t *testing.T) {
	svc := &transferServiceMock{result: &models.Transfer{ID: "t1", Status: models.TransferStatusActive}}
	router := buildTransferRouter(svc, &ledgerReaderMock{})

	payload := `{"student_id":"s1","from_class_id":"A","to_class_id":"B","effective_date":"2025-01-10","start_session_no":3,"transfer_fee":"150000"}`
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/transfers", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Role", string(models.RoleAdmin))
	w := performRequest(router, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, svc.createCalled)
	assert.Equal(t, "operator-1", svc.lastActor.UserID)
	assert.Equal(t, 3, svc.createReq.StartSessionNo)
	assert.True(t, svc.createReq.TransferFee.Equal(decimal.NewFromInt(150000)))
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "t1", data["id"])
}

func TestTransferHandlerCreateInvalidBody(t *testing.T) {
	svc := &transferServiceMock{}
	router := buildTransferRouter(svc, &ledgerReaderMock{})

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/transfers", bytes.NewBufferString(`{"student_id":`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Role", string(models.RoleAdmin))
	w := performRequest(router, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, svc.createCalled)
	errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, appErrors.ErrValidation.Code, errBody["code"])
}

func TestTransferHandlerRoleGate(t *testing.T) {
	svc := &transferServiceMock{}
	router := buildTransferRouter(svc, &ledgerReaderMock{})

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/transfers/t1", nil)
	w := performRequest(router, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req, _ = http.NewRequest(http.MethodGet, "/api/v1/transfers/t1", nil)
	req.Header.Set("X-Test-Role", "TEACHER")
	w = performRequest(router, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestTransferHandlerRevertMapsDomainErrors(t *testing.T) {
	issues := []models.Issue{{Type: models.IssueError, Code: models.IssueInvoicedTransferFee}}
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unsafe", appErrors.WithDetails(appErrors.ErrUnsafeRevert, "", issues), http.StatusUnprocessableEntity, appErrors.ErrUnsafeRevert.Code},
		{"ineligible", appErrors.Clone(appErrors.ErrIneligibleTransfer, "transfer is REVERTED; only active transfers can be reverted"), http.StatusConflict, appErrors.ErrIneligibleTransfer.Code},
		{"not found", appErrors.ErrNotFound, http.StatusNotFound, appErrors.ErrNotFound.Code},
		{"storage conflict", appErrors.ErrStorageConflict, http.StatusConflict, appErrors.ErrStorageConflict.Code},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &transferServiceMock{err: tc.err}
			router := buildTransferRouter(svc, &ledgerReaderMock{})

			req, _ := http.NewRequest(http.MethodPost, "/api/v1/transfers/t1/revert", bytes.NewBufferString(`{"reason":"wrong class"}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Test-Role", string(models.RoleStaff))
			w := performRequest(router, req)

			require.Equal(t, tc.status, w.Code)
			assert.True(t, svc.revertCalled)
			assert.Equal(t, "t1", svc.lastID)
			assert.Equal(t, "wrong class", svc.revertReq.Reason)
			errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
			assert.Equal(t, tc.code, errBody["code"])
		})
	}
}

func TestTransferHandlerInternalErrorIsGeneric(t *testing.T) {
	svc := &transferServiceMock{err: appErrors.Wrap(assert.AnError, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "transfer: revert step 3 (cleanup_invoices)")}
	router := buildTransferRouter(svc, &ledgerReaderMock{})

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/transfers/t1/revert", bytes.NewBufferString(`{"reason":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Role", string(models.RoleAdmin))
	w := performRequest(router, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "cleanup_invoices")
}

func TestTransferHandlerRetarget(t *testing.T) {
	svc := &transferServiceMock{result: &models.Transfer{ID: "t1", Status: models.TransferStatusRetargeted}}
	router := buildTransferRouter(svc, &ledgerReaderMock{})

	payload := `{"new_to_class_id":"C","start_session_no":4,"amount":"200000","due_date":"2025-02-01"}`
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/transfers/t1/retarget", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Role", string(models.RoleAdmin))
	w := performRequest(router, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "C", svc.retargetReq.NewToClassID)
	require.NotNil(t, svc.retargetReq.StartSessionNo)
	assert.Equal(t, 4, *svc.retargetReq.StartSessionNo)
	require.NotNil(t, svc.retargetReq.Amount)
	assert.True(t, svc.retargetReq.Amount.Equal(decimal.NewFromInt(200000)))
}

func TestTransferHandlerValidationEndpoints(t *testing.T) {
	report := models.NewRiskReport("t1", models.OperationRetarget, nil)
	svc := &transferServiceMock{report: report}
	router := buildTransferRouter(svc, &ledgerReaderMock{})

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/transfers/t1/retarget/validate?new_to_class_id=C", nil)
	req.Header.Set("X-Test-Role", string(models.RoleAdmin))
	w := performRequest(router, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "C", svc.lastClassID)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["can_proceed"])

	req, _ = http.NewRequest(http.MethodGet, "/api/v1/transfers/t2/revert/validate", nil)
	req.Header.Set("X-Test-Role", string(models.RoleAdmin))
	w = performRequest(router, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t2", svc.lastID)
}

func TestTransferHandlerHistoryAndStats(t *testing.T) {
	svc := &transferServiceMock{
		history: []models.Transfer{{ID: "t2"}, {ID: "t1"}},
		stats:   &models.TransferStats{Total: 3, Active: 1, Reverted: 1, Retargeted: 1},
	}
	router := buildTransferRouter(svc, &ledgerReaderMock{})

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/students/s1/transfers", nil)
	req.Header.Set("X-Test-Role", string(models.RoleAdmin))
	w := performRequest(router, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.historyCalled)
	assert.Equal(t, "s1", svc.lastID)
	body := decodeEnvelope(t, w)
	assert.Len(t, body["data"], 2)
	assert.Equal(t, float64(2), body["meta"].(map[string]interface{})["count"])

	req, _ = http.NewRequest(http.MethodGet, "/api/v1/transfers/stats?from_date=2025-01-01&to_date=2025-12-31", nil)
	req.Header.Set("X-Test-Role", string(models.RoleAdmin))
	w = performRequest(router, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2025-01-01", svc.statsQuery.FromDate)
	assert.Equal(t, "2025-12-31", svc.statsQuery.ToDate)
}

func TestLedgerHandlerStatement(t *testing.T) {
	ledger := &ledgerReaderMock{statement: &models.LedgerStatement{
		Balance: models.LedgerBalance{StudentID: "s1", Debit: decimal.NewFromInt(500), Balance: decimal.NewFromInt(500)},
		Entries: []models.LedgerEntry{},
	}}
	router := buildTransferRouter(&transferServiceMock{}, ledger)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/students/s1/ledger", nil)
	req.Header.Set("X-Test-Role", string(models.RoleSuperAdmin))
	w := performRequest(router, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s1", ledger.studentID)
	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.NotNil(t, envelope.Data)
}

func performRequest(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
