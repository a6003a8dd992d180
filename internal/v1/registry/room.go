package registry

import (
	"github.com/roomloop/roomloop/internal/v1/raft"
	"github.com/roomloop/roomloop/internal/v1/state"
	"github.com/roomloop/roomloop/internal/v1/types"
)

// Room is one hosted room: the handle to its Raft group plus creation
// bookkeeping. Room state itself lives inside the Raft node's state machine;
// everything here is either immutable or owned by the registry's lock.
type Room struct {
	code      types.RoomCode
	createdAt int64
	node      *raft.Node
}

func (r *Room) Code() types.RoomCode { return r.code }

// Propose submits an operation to the room's Raft group on this node.
func (r *Room) Propose(op state.Operation) error {
	return r.node.Propose(op)
}

// Status reports the room's Raft bookkeeping on this node.
func (r *Room) Status() (raft.Status, error) {
	return r.node.Status()
}

// Snapshot returns a deep copy of the room's committed state.
func (r *Room) Snapshot() (state.RoomState, error) {
	return r.node.Snapshot()
}

func (r *Room) stop() {
	r.node.Stop()
}
