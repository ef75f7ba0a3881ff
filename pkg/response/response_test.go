package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/trading-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func perform(t *testing.T, method string, handler gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	router := gin.New()
	router.Handle(method, "/test", handler)

	req := httptest.NewRequest(method, "/test", nil)
	router.ServeHTTP(w, req)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestSuccessUsesCreatedForPost(t *testing.T) {
	w, body := perform(t, http.MethodPost, func(c *gin.Context) {
		Success(c, gin.H{"order_id": "ORD_1"})
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, body.Success)
	assert.Nil(t, body.Error)
}

func TestValidationFailedCarriesViolations(t *testing.T) {
	violations := []types.Violation{{
		RuleID:   "RISK_MAX_POSITION",
		RuleType: "RISK",
		Severity: "HARD",
		Message:  "position limit exceeded",
	}}

	w, body := perform(t, http.MethodPost, func(c *gin.Context) {
		ValidationFailed(c, "order rejected", violations)
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrCodeValidationFailed, body.Error.Code)
	assert.Equal(t, "order rejected", body.Error.Message)

	details, ok := body.Error.Details.([]interface{})
	require.True(t, ok)
	require.Len(t, details, 1)
	first, ok := details[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "RISK_MAX_POSITION", first["rule_id"])
}

func TestHandleMapsRecordNotFound(t *testing.T) {
	w, body := perform(t, http.MethodGet, func(c *gin.Context) {
		Handle(c, nil, gorm.ErrRecordNotFound)
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrCodeNotFound, body.Error.Code)
}

func TestHandleMapsDuplicateKey(t *testing.T) {
	w, body := perform(t, http.MethodGet, func(c *gin.Context) {
		Handle(c, nil, gorm.ErrDuplicatedKey)
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrCodeDuplicate, body.Error.Code)
}

func TestHandleDefaultsToInternalError(t *testing.T) {
	w, body := perform(t, http.MethodGet, func(c *gin.Context) {
		Handle(c, nil, errors.New("broker wire failure"))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrCodeInternalError, body.Error.Code)
	// Internal detail must not leak to the caller.
	assert.NotContains(t, body.Error.Message, "broker")
}
