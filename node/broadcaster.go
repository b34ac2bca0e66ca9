package node

import (
	"github.com/blockberries/finberry/types"
)

// Broadcaster is the outbound boundary to the P2P layer. Implementations
// must not block; the node calls these from its event loop.
type Broadcaster interface {
	// BroadcastBlock gossips a block we assembled as leader.
	BroadcastBlock(block *types.Block)

	// BroadcastVote gossips one of our signed votes.
	BroadcastVote(vote *types.Vote)

	// BroadcastCheckpointSignature gossips our attestation for an open
	// checkpoint round.
	BroadcastCheckpointSignature(height int64, index uint16, sig types.Signature)

	// BroadcastEvidence gossips detected equivocation so other nodes can
	// slash independently.
	BroadcastEvidence(ev *types.Evidence)
}

// NopBroadcaster discards everything. Used by non-validator nodes and tests.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastBlock(*types.Block)                                 {}
func (NopBroadcaster) BroadcastVote(*types.Vote)                                   {}
func (NopBroadcaster) BroadcastCheckpointSignature(int64, uint16, types.Signature) {}
func (NopBroadcaster) BroadcastEvidence(*types.Evidence)                           {}

var _ Broadcaster = NopBroadcaster{}
