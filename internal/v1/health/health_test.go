package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/roomloop/roomloop/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	down map[types.NodeID]bool
}

func (s *stubChecker) CheckHealth(_ context.Context, peer types.NodeID) error {
	if s.down[peer] {
		return errors.New("connection refused")
	}
	return nil
}

type stubRooms struct{ n int }

func (s *stubRooms) RoomCount() int { return s.n }

func serve(t *testing.T, h *Handler, path string) (*http.Response, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Result(), body
}

func TestLiveAlwaysOK(t *testing.T) {
	h := NewHandler("n1", []types.NodeID{"n2", "n3"}, &stubChecker{down: map[types.NodeID]bool{"n2": true, "n3": true}}, &stubRooms{})
	resp, body := serve(t, h, "/health/live")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", body["status"])
	assert.Equal(t, "n1", body["nodeId"])
}

func TestReadyWithAllPeersUp(t *testing.T) {
	h := NewHandler("n1", []types.NodeID{"n2", "n3"}, &stubChecker{}, &stubRooms{n: 4})
	resp, body := serve(t, h, "/health/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
	assert.EqualValues(t, 4, body["rooms"])
	assert.EqualValues(t, 3, body["reachable"])

	peers := body["peers"].(map[string]any)
	assert.Equal(t, "ok", peers["n2"])
	assert.Equal(t, "ok", peers["n3"])
}

func TestReadyWithOnePeerDown(t *testing.T) {
	h := NewHandler("n1", []types.NodeID{"n2", "n3"},
		&stubChecker{down: map[types.NodeID]bool{"n3": true}}, &stubRooms{})
	resp, body := serve(t, h, "/health/ready")

	// Two of three reachable is still a quorum.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	peers := body["peers"].(map[string]any)
	assert.Equal(t, "ok", peers["n2"])
	assert.Contains(t, peers["n3"], "refused")
}

func TestNotReadyWithoutQuorum(t *testing.T) {
	h := NewHandler("n1", []types.NodeID{"n2", "n3"},
		&stubChecker{down: map[types.NodeID]bool{"n2": true, "n3": true}}, &stubRooms{})
	resp, body := serve(t, h, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no quorum", body["status"])
}

func TestSingleNodeClusterAlwaysReady(t *testing.T) {
	h := NewHandler("n1", nil, &stubChecker{}, &stubRooms{})
	resp, body := serve(t, h, "/health/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}
