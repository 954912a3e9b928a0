package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestLivenessAlwaysOK(t *testing.T) {
	h := NewHandler(&fakePinger{err: errors.New("down")}, func() bool { return false })
	w := serve(h, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessHealthy(t *testing.T) {
	h := NewHandler(&fakePinger{}, func() bool { return true })
	w := serve(h, "/health/ready")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["bus"])
}

func TestReadinessBusDown(t *testing.T) {
	h := NewHandler(&fakePinger{err: errors.New("connection refused")}, nil)
	w := serve(h, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Checks["bus"])
}

func TestReadinessWithoutBus(t *testing.T) {
	h := NewHandler(nil, nil)
	w := serve(h, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessDuringStartup(t *testing.T) {
	h := NewHandler(nil, func() bool { return false })
	w := serve(h, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Checks["startup"])
}
