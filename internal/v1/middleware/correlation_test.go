package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/stretchr/testify/assert"
)

func serveCorrelated(t *testing.T, handler gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Correlation("n1"))
	r.GET("/test", handler)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCorrelationGeneratesNewID(t *testing.T) {
	resp := serveCorrelated(t, func(c *gin.Context) {
		// No inbound header, so the middleware mints one.
		assert.Empty(t, c.GetHeader(HeaderXCorrelationID))

		ctxVal, exists := c.Get(string(logging.CorrelationIDKey))
		assert.True(t, exists)
		assert.NotEmpty(t, ctxVal)
	}, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(t, resp.Header().Get(HeaderXCorrelationID))
}

func TestCorrelationPropagatesExistingID(t *testing.T) {
	existingID := "existing-uuid-123"
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(HeaderXCorrelationID, existingID)

	resp := serveCorrelated(t, func(c *gin.Context) {
		assert.Equal(t, existingID, c.GetHeader(HeaderXCorrelationID))

		ctxVal, exists := c.Get(string(logging.CorrelationIDKey))
		assert.True(t, exists)
		assert.Equal(t, existingID, ctxVal)
	}, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, existingID, resp.Header().Get(HeaderXCorrelationID))
}

func TestCorrelationStampsServingNode(t *testing.T) {
	resp := serveCorrelated(t, func(c *gin.Context) {}, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, "n1", resp.Header().Get(HeaderXNodeID))
}
