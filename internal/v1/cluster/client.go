// Package cluster carries the inter-node RPC link: an HTTP client that speaks
// POST /rpc to peers (with a circuit breaker per peer) and the matching gin
// server that dispatches incoming envelopes to the room registry.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/roomloop/roomloop/internal/v1/logging"
	"github.com/roomloop/roomloop/internal/v1/metrics"
	"github.com/roomloop/roomloop/internal/v1/protocol"
	"github.com/roomloop/roomloop/internal/v1/raft"
	"github.com/roomloop/roomloop/internal/v1/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client sends RPC envelopes to peers. It implements raft.Transport, carries
// the CREATE_ROOM handshake, and forwards client operations to room leaders.
// Each peer gets its own circuit breaker so one dead node cannot burn two
// seconds per call for every room hosted here.
type Client struct {
	self     types.NodeID
	peers    map[types.NodeID]string // peer id -> "host:rpcPort"
	http     *http.Client
	breakers map[types.NodeID]*gobreaker.CircuitBreaker
}

// NewClient builds the RPC client for this node. peers maps every other
// cluster member to its RPC address.
func NewClient(self types.NodeID, peers map[types.NodeID]string, rpcTimeout time.Duration) *Client {
	if rpcTimeout <= 0 {
		rpcTimeout = 2 * time.Second
	}
	c := &Client{
		self:     self,
		peers:    peers,
		http:     &http.Client{Timeout: rpcTimeout},
		breakers: make(map[types.NodeID]*gobreaker.CircuitBreaker, len(peers)),
	}
	for id := range peers {
		peer := string(id)
		st := gobreaker.Settings{
			Name:        "rpc-" + peer,
			MaxRequests: 3,
			Interval:    1 * time.Minute,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				var stateVal float64
				switch to {
				case gobreaker.StateClosed:
					stateVal = 0
				case gobreaker.StateOpen:
					stateVal = 1
				case gobreaker.StateHalfOpen:
					stateVal = 2
				}
				metrics.CircuitBreakerState.WithLabelValues(peer).Set(stateVal)
			},
		}
		c.breakers[id] = gobreaker.NewCircuitBreaker(st)
	}
	return c
}

// RequestVote implements raft.Transport.
func (c *Client) RequestVote(ctx context.Context, peer types.NodeID, room types.RoomCode, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	body, err := c.call(ctx, peer, room, protocol.RPCRequestVote, req)
	if err != nil {
		return nil, err
	}
	var resp raft.RequestVoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode REQUEST_VOTE response from %s: %w", peer, err)
	}
	return &resp, nil
}

// AppendEntries implements raft.Transport.
func (c *Client) AppendEntries(ctx context.Context, peer types.NodeID, room types.RoomCode, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	body, err := c.call(ctx, peer, room, protocol.RPCAppendEntries, req)
	if err != nil {
		return nil, err
	}
	var resp raft.AppendEntriesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode APPEND_ENTRIES response from %s: %w", peer, err)
	}
	return &resp, nil
}

// CreateRoom runs the room creation handshake against one peer, so its Raft
// group for the room exists before the first AppendEntries arrives.
func (c *Client) CreateRoom(ctx context.Context, peer types.NodeID, payload protocol.CreateRoomPayload) error {
	_, err := c.call(ctx, peer, payload.RoomCode, protocol.RPCCreateRoom, payload)
	return err
}

// ForwardOperation relays a client write to the node believed to lead room.
// A NOT_LEADER rejection comes back as *raft.NotLeaderError carrying the
// peer's own leader hint, so the caller can chase the leader.
func (c *Client) ForwardOperation(ctx context.Context, peer types.NodeID, room types.RoomCode, opType string, payload any) error {
	_, err := c.call(ctx, peer, room, opType, payload)
	return err
}

// CheckHealth probes a peer's RPC-port health endpoint.
func (c *Client) CheckHealth(ctx context.Context, peer types.NodeID) error {
	addr, ok := c.peers[peer]
	if !ok {
		return fmt.Errorf("unknown peer %s", peer)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s health returned %d", peer, resp.StatusCode)
	}
	return nil
}

// rpcFault is the error body peers send for rejected RPCs.
type rpcFault struct {
	Code     string       `json:"code"`
	Message  string       `json:"message"`
	LeaderID types.NodeID `json:"leaderId,omitempty"`
}

// call POSTs one envelope through the peer's breaker and returns the raw
// response payload.
func (c *Client) call(ctx context.Context, peer types.NodeID, room types.RoomCode, rpcType string, payload any) (json.RawMessage, error) {
	addr, ok := c.peers[peer]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peer)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", rpcType, err)
	}
	env := protocol.RPCEnvelope{
		Type:         rpcType,
		Payload:      raw,
		SourceNodeID: c.self,
		TargetNodeID: peer,
		MessageID:    uuid.NewString(),
		RoomCode:     room,
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", rpcType, err)
	}

	start := time.Now()
	result, err := c.breakers[peer].Execute(func() (interface{}, error) {
		return c.post(ctx, addr, frame)
	})
	metrics.RPCDuration.WithLabelValues(rpcType).Observe(time.Since(start).Seconds())

	if err != nil {
		// A NOT_LEADER rejection is protocol, not a peer fault; it does not
		// count against the breaker because post returns it as a value.
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.RPCRequests.WithLabelValues(rpcType, "breaker_open").Inc()
			logging.Debug(ctx, "rpc skipped, circuit breaker open",
				zap.String("peer", string(peer)), zap.String("rpc_type", rpcType))
			return nil, fmt.Errorf("peer %s circuit open: %w", peer, err)
		}
		metrics.RPCRequests.WithLabelValues(rpcType, "error").Inc()
		return nil, err
	}

	outcome := result.(*callOutcome)
	if outcome.fault != nil {
		metrics.RPCRequests.WithLabelValues(rpcType, "rejected").Inc()
		switch outcome.fault.Code {
		case FaultNotLeader:
			return nil, &raft.NotLeaderError{LeaderID: outcome.fault.LeaderID}
		case FaultUnknownRoom:
			return nil, ErrUnknownRoom
		case FaultRoomExists:
			return nil, ErrRoomExists
		}
		return nil, fmt.Errorf("peer %s rejected %s: %s", peer, rpcType, outcome.fault.Message)
	}
	metrics.RPCRequests.WithLabelValues(rpcType, "ok").Inc()
	return outcome.body, nil
}

type callOutcome struct {
	body  json.RawMessage
	fault *rpcFault
}

// post performs the HTTP exchange. Application-level rejections (4xx with a
// fault body) return as values so they do not trip the peer's breaker;
// transport failures and 5xx return as errors so they do.
func (c *Client) post(ctx context.Context, addr string, frame []byte) (*callOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/rpc", bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, protocol.DefaultMaxFrameBytes))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return &callOutcome{body: body}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var fault rpcFault
		if err := json.Unmarshal(body, &fault); err != nil || fault.Code == "" {
			return nil, fmt.Errorf("rpc rejected with status %d", resp.StatusCode)
		}
		return &callOutcome{fault: &fault}, nil
	default:
		return nil, fmt.Errorf("rpc failed with status %d", resp.StatusCode)
	}
}
