// Package health exposes the client-port liveness and readiness probes.
// Liveness is unconditional; readiness requires this node to see a quorum of
// the cluster, since a minority node cannot commit any room write.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/roomloop/roomloop/internal/v1/types"
)

// peerProbeTimeout bounds one readiness probe of one peer.
const peerProbeTimeout = 1 * time.Second

// PeerChecker probes one peer's RPC-port health endpoint.
type PeerChecker interface {
	CheckHealth(ctx context.Context, peer types.NodeID) error
}

// RoomCounter reports how many room groups this node hosts.
type RoomCounter interface {
	RoomCount() int
}

type Handler struct {
	nodeID  types.NodeID
	peers   []types.NodeID
	checker PeerChecker
	rooms   RoomCounter
}

func NewHandler(nodeID types.NodeID, peers []types.NodeID, checker PeerChecker, rooms RoomCounter) *Handler {
	return &Handler{nodeID: nodeID, peers: peers, checker: checker, rooms: rooms}
}

// Register mounts the probe routes on the client-port router.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health/live", h.handleLive)
	r.GET("/health/ready", h.handleReady)
}

func (h *Handler) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"nodeId": h.nodeID,
	})
}

// handleReady probes every peer concurrently and reports readiness as
// whether this node plus reachable peers form a quorum.
func (h *Handler) handleReady(c *gin.Context) {
	ctx := c.Request.Context()

	type probe struct {
		peer types.NodeID
		err  error
	}
	results := make([]probe, len(h.peers))
	var wg sync.WaitGroup
	for i, peer := range h.peers {
		wg.Add(1)
		go func(i int, peer types.NodeID) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, peerProbeTimeout)
			defer cancel()
			results[i] = probe{peer: peer, err: h.checker.CheckHealth(probeCtx, peer)}
		}(i, peer)
	}
	wg.Wait()

	reachable := 1 // self
	peerStatus := make(map[string]string, len(results))
	for _, res := range results {
		if res.err != nil {
			peerStatus[string(res.peer)] = res.err.Error()
			continue
		}
		peerStatus[string(res.peer)] = "ok"
		reachable++
	}

	clusterSize := len(h.peers) + 1
	quorum := clusterSize/2 + 1
	ready := reachable >= quorum

	status := http.StatusOK
	verdict := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		verdict = "no quorum"
	}
	c.JSON(status, gin.H{
		"status":    verdict,
		"nodeId":    h.nodeID,
		"rooms":     h.rooms.RoomCount(),
		"reachable": reachable,
		"quorum":    quorum,
		"peers":     peerStatus,
	})
}
