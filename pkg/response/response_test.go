package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/student-transfer-engine/pkg/errors"
)

func TestErrorKeepsClientErrorDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Error(c, appErrors.WithDetails(appErrors.ErrUnsafeRevert, "", []string{"INVOICED_TRANSFER_FEE"}))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var envelope map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "UNSAFE_REVERT", envelope["error"]["code"])
	assert.Equal(t, []interface{}{"INVOICED_TRANSFER_FEE"}, envelope["error"]["details"])
}

func TestErrorHidesInternalCause(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Error(c, errors.New("pq: relation \"transfers\" does not exist"))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "relation")
	assert.Contains(t, w.Body.String(), appErrors.ErrInternal.Message)
	require.Len(t, c.Errors, 1)
}
