package finality

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/finberry/types"
)

const testChainID = "test-chain"

var rootHash = types.HashBytes([]byte("genesis"))

type testVal struct {
	priv  ed25519.PrivateKey
	index uint16
	addr  types.Address
}

func makeVals(t *testing.T, powers ...int64) ([]*testVal, *types.ValidatorSet) {
	t.Helper()
	tvs := make([]*testVal, len(powers))
	vals := make([]*types.Validator, len(powers))
	for i, p := range powers {
		seed := make([]byte, ed25519.SeedSize)
		seed[0] = byte(i + 1)
		priv := ed25519.NewKeyFromSeed(seed)
		pub := types.PublicKey(priv.Public().(ed25519.PublicKey))
		tvs[i] = &testVal{priv: priv, addr: pub.Address()}
		vals[i] = &types.Validator{Address: pub.Address(), PubKey: pub, VotingPower: p}
	}
	set, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	for i := range tvs {
		tvs[i].index = vals[i].Index
	}
	return tvs, set
}

func (tv *testVal) vote(phase types.VotePhase, height int64, block types.Hash) *types.Vote {
	return tv.voteAt(phase, height, block, time.Now())
}

func (tv *testVal) voteAt(phase types.VotePhase, height int64, block types.Hash, ts time.Time) *types.Vote {
	v := &types.Vote{
		Phase:          phase,
		Height:         height,
		Round:          0,
		BlockHash:      block,
		Timestamp:      ts.UnixNano(),
		Validator:      tv.addr,
		ValidatorIndex: tv.index,
	}
	v.Signature = ed25519.Sign(tv.priv, types.VoteSignBytes(testChainID, v))
	return v
}

func testBlock(parent types.Hash, height int64, tag string) *types.Block {
	return &types.Block{Header: types.BlockHeader{
		ChainID:    testChainID,
		Height:     height,
		ParentHash: parent,
		StateRoot:  types.HashBytes([]byte(tag)),
	}}
}

type gadgetHarness struct {
	g         *Gadget
	finalized []FinalizedEvent
	alarms    []error
}

func newHarness(t *testing.T, cfg Config, set *types.ValidatorSet) *gadgetHarness {
	t.Helper()
	h := &gadgetHarness{}
	cfg.ChainID = testChainID
	g, err := New(cfg, rootHash, 0, set,
		func(ev FinalizedEvent) { h.finalized = append(h.finalized, ev) },
		func(err error) { h.alarms = append(h.alarms, err) },
		zerolog.Nop())
	require.NoError(t, err)
	h.g = g
	return h
}

func TestConfigRejectsLowQuorum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	cfg.QuorumNumerator = 1
	cfg.QuorumDenominator = 2
	require.ErrorIs(t, cfg.ValidateBasic(), ErrQuorumTooLow)

	cfg.QuorumNumerator = 3
	cfg.QuorumDenominator = 4
	require.NoError(t, cfg.ValidateBasic())
}

// Three of four equal validators prepare and commit a block while the
// fourth is offline; the block finalizes. The first validator then signs a
// prepare for a conflicting block at the same height: that is equivocation,
// and the finalized block stays finalized.
func TestTwoPhaseFinalizationWithOfflineValidator(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b := testBlock(rootHash, 1, "b")
	require.NoError(t, h.g.OnBlock(b))
	require.Equal(t, StatusProposed, h.g.Status(b.Hash()))

	// Prepare from A, B, C (75 >= quorum 67)
	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhasePrepare, 1, b.Hash())))
	}
	require.Equal(t, StatusPrepared, h.g.Status(b.Hash()))

	// Commit from A, B, C
	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhaseCommit, 1, b.Hash())))
	}
	require.Equal(t, StatusFinalized, h.g.Status(b.Hash()))
	require.Equal(t, int64(1), h.g.FinalizedHeight())

	require.Len(t, h.finalized, 1)
	require.Equal(t, b.Hash(), h.finalized[0].Block.Hash())
	require.NotNil(t, h.finalized[0].QC)
	require.Len(t, h.finalized[0].QC.Signatures, 3)
	require.Equal(t, []uint16{tvs[0].index, tvs[1].index, tvs[2].index}, h.finalized[0].Voters)

	// The certificate must verify standalone
	require.NoError(t, types.VerifyQuorumCertificate(testChainID, set, b.Hash(), 1, h.finalized[0].QC))

	// A equivocates with a prepare for a conflicting block. The vote for
	// height 1 is stale now (already finalized), so replay it at the vote
	// set level to confirm it reads as a conflict, and confirm finality is
	// untouched either way.
	conflicting := testBlock(rootHash, 1, "b-prime")
	require.NoError(t, h.g.OnVote(tvs[0].vote(types.VotePhasePrepare, 1, conflicting.Hash())))
	require.Equal(t, StatusFinalized, h.g.Status(b.Hash()))
	require.Empty(t, h.alarms)
}

func TestConflictingVoteRejected(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	x := testBlock(rootHash, 1, "x")
	y := testBlock(rootHash, 1, "y")
	require.NoError(t, h.g.OnBlock(x))
	require.NoError(t, h.g.OnBlock(y))

	require.NoError(t, h.g.OnVote(tvs[0].vote(types.VotePhasePrepare, 1, x.Hash())))
	err := h.g.OnVote(tvs[0].vote(types.VotePhasePrepare, 1, y.Hash()))
	require.ErrorIs(t, err, ErrConflictingVote)
}

func TestDuplicateVotesCountOnce(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b := testBlock(rootHash, 1, "b")
	require.NoError(t, h.g.OnBlock(b))

	// Two distinct voters plus a repeat: 50 < 67, no quorum
	require.NoError(t, h.g.OnVote(tvs[0].vote(types.VotePhasePrepare, 1, b.Hash())))
	require.NoError(t, h.g.OnVote(tvs[1].vote(types.VotePhasePrepare, 1, b.Hash())))
	require.NoError(t, h.g.OnVote(tvs[0].vote(types.VotePhasePrepare, 1, b.Hash())))
	require.Equal(t, StatusProposed, h.g.Status(b.Hash()))
}

// Quorum decisions must not depend on vote arrival order: all commit votes
// land before any prepare vote and the block still finalizes.
func TestQuorumOrderIndependence(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b := testBlock(rootHash, 1, "b")
	require.NoError(t, h.g.OnBlock(b))

	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhaseCommit, 1, b.Hash())))
	}
	require.Equal(t, StatusProposed, h.g.Status(b.Hash()))

	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhasePrepare, 1, b.Hash())))
	}
	require.Equal(t, StatusFinalized, h.g.Status(b.Hash()))
}

// Live votes are bounded by clock drift, but recovery replays votes exactly
// as old as the downtime: with the replay flag set they must still count,
// or a node restarted after an outage rebuilds no finalized state.
func TestReplayAcceptsAgedVotes(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b := testBlock(rootHash, 1, "b")
	require.NoError(t, h.g.OnBlock(b))

	aged := time.Now().Add(-time.Hour)
	err := h.g.OnVote(tvs[3].voteAt(types.VotePhasePrepare, 1, b.Hash(), aged))
	require.ErrorIs(t, err, ErrInvalidVote)

	h.g.SetReplay(true)
	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.voteAt(types.VotePhasePrepare, 1, b.Hash(), aged)))
		require.NoError(t, h.g.OnVote(tv.voteAt(types.VotePhaseCommit, 1, b.Hash(), aged)))
	}
	h.g.SetReplay(false)

	require.Equal(t, StatusFinalized, h.g.Status(b.Hash()))
	require.Equal(t, int64(1), h.g.FinalizedHeight())

	// Back live, drift is enforced again
	b2 := testBlock(b.Hash(), 2, "b2")
	require.NoError(t, h.g.OnBlock(b2))
	err = h.g.OnVote(tvs[0].voteAt(types.VotePhasePrepare, 2, b2.Hash(), aged))
	require.ErrorIs(t, err, ErrInvalidVote)
}

func TestVotesForUnknownBlockBuffered(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b := testBlock(rootHash, 1, "b")
	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhasePrepare, 1, b.Hash())))
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhaseCommit, 1, b.Hash())))
	}
	require.Equal(t, 6, h.g.PendingVotes())

	// Block arrives, buffered votes finalize it immediately
	require.NoError(t, h.g.OnBlock(b))
	require.Equal(t, StatusFinalized, h.g.Status(b.Hash()))
	require.Equal(t, 0, h.g.PendingVotes())
	require.Zero(t, h.g.DroppedVotes())
}

func TestPendingBufferDropsOldest(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	cfg := DefaultConfig()
	cfg.PendingVoteLimit = 2
	h := newHarness(t, cfg, set)

	b := testBlock(rootHash, 1, "b")
	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhasePrepare, 1, b.Hash())))
	}
	require.Equal(t, 2, h.g.PendingVotes())
	require.Equal(t, uint64(1), h.g.DroppedVotes())
}

func TestCascadingFinalization(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b1 := testBlock(rootHash, 1, "b1")
	b2 := testBlock(b1.Hash(), 2, "b2")
	b3 := testBlock(b2.Hash(), 3, "b3")
	for _, b := range []*types.Block{b1, b2, b3} {
		require.NoError(t, h.g.OnBlock(b))
	}

	// Quorum only on the tip; ancestors finalize by cascade
	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhasePrepare, 3, b3.Hash())))
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhaseCommit, 3, b3.Hash())))
	}

	require.Equal(t, int64(3), h.g.FinalizedHeight())
	require.Len(t, h.finalized, 3)
	require.Equal(t, int64(1), h.finalized[0].Block.Header.Height)
	require.Equal(t, int64(2), h.finalized[1].Block.Header.Height)
	require.Equal(t, int64(3), h.finalized[2].Block.Header.Height)
	// Only the quorum block carries a certificate
	require.Nil(t, h.finalized[0].QC)
	require.Nil(t, h.finalized[1].QC)
	require.NotNil(t, h.finalized[2].QC)
}

func TestConflictingBranchAbandoned(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b1 := testBlock(rootHash, 1, "b1")
	rival := testBlock(rootHash, 1, "rival")
	rivalChild := testBlock(rival.Hash(), 2, "rival-child")
	for _, b := range []*types.Block{b1, rival, rivalChild} {
		require.NoError(t, h.g.OnBlock(b))
	}

	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhasePrepare, 1, b1.Hash())))
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhaseCommit, 1, b1.Hash())))
	}

	require.Equal(t, StatusFinalized, h.g.Status(b1.Hash()))
	require.Equal(t, StatusAbandoned, h.g.Status(rival.Hash()))
	require.Equal(t, StatusAbandoned, h.g.Status(rivalChild.Hash()))
}

func TestSafetyViolationHaltsGadget(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b1 := testBlock(rootHash, 1, "b1")
	b2 := testBlock(b1.Hash(), 2, "b2")
	rival := testBlock(b1.Hash(), 2, "rival")
	for _, b := range []*types.Block{b1, b2, rival} {
		require.NoError(t, h.g.OnBlock(b))
	}

	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhasePrepare, 2, b2.Hash())))
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhaseCommit, 2, b2.Hash())))
	}
	require.Equal(t, StatusAbandoned, h.g.Status(rival.Hash()))

	// An external seal of the abandoned rival contradicts finalized history
	err := h.g.MarkFinalized(rival.Hash())
	require.ErrorIs(t, err, ErrHalted)

	halted, reason := h.g.Halted()
	require.True(t, halted)
	require.Error(t, reason)
	require.Len(t, h.alarms, 1)

	// Everything is refused after the halt
	require.ErrorIs(t, h.g.OnVote(tvs[0].vote(types.VotePhasePrepare, 3, b2.Hash())), ErrHalted)
	require.ErrorIs(t, h.g.OnBlock(testBlock(b2.Hash(), 3, "b3")), ErrHalted)
}

func TestMarkFinalizedIdempotent(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b1 := testBlock(rootHash, 1, "b1")
	require.NoError(t, h.g.OnBlock(b1))
	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhasePrepare, 1, b1.Hash())))
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhaseCommit, 1, b1.Hash())))
	}

	require.NoError(t, h.g.MarkFinalized(b1.Hash()))
	require.Len(t, h.finalized, 1, "re-finalizing must not emit again")
}

func TestMarkFinalizedCascades(t *testing.T) {
	_, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b1 := testBlock(rootHash, 1, "b1")
	b2 := testBlock(b1.Hash(), 2, "b2")
	require.NoError(t, h.g.OnBlock(b1))
	require.NoError(t, h.g.OnBlock(b2))

	require.NoError(t, h.g.MarkFinalized(b2.Hash()))
	require.Equal(t, int64(2), h.g.FinalizedHeight())
	require.Len(t, h.finalized, 2)
	require.Nil(t, h.finalized[1].QC, "externally sealed blocks carry no certificate")
}

func TestDepthModeFinalizesWithoutVotes(t *testing.T) {
	_, set := makeVals(t, 25, 25, 25, 25)
	cfg := DefaultConfig()
	cfg.Mode = ModeDepth
	cfg.ConfirmationDepth = 2
	h := newHarness(t, cfg, set)

	parent := rootHash
	var blocks []*types.Block
	for height := int64(1); height <= 4; height++ {
		b := testBlock(parent, height, "chain")
		blocks = append(blocks, b)
		require.NoError(t, h.g.OnBlock(b))
		parent = b.Hash()
	}

	// Depth 2: block 4 finalizes block 2 (and block 1 by cascade)
	require.Equal(t, int64(2), h.g.FinalizedHeight())
	require.Equal(t, blocks[1].Hash(), h.g.FinalizedHash())
	require.Len(t, h.finalized, 2)

	// Votes are ignored in depth mode
	tvs, _ := makeVals(t, 25)
	require.NoError(t, h.g.OnVote(tvs[0].vote(types.VotePhaseCommit, 4, blocks[3].Hash())))
	require.Equal(t, int64(2), h.g.FinalizedHeight())
}

func TestStaleAndDuplicateDeliveryIdempotent(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	h := newHarness(t, DefaultConfig(), set)

	b1 := testBlock(rootHash, 1, "b1")
	require.NoError(t, h.g.OnBlock(b1))
	require.NoError(t, h.g.OnBlock(b1)) // duplicate block

	for _, tv := range tvs[:3] {
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhasePrepare, 1, b1.Hash())))
		require.NoError(t, h.g.OnVote(tv.vote(types.VotePhaseCommit, 1, b1.Hash())))
	}
	require.Len(t, h.finalized, 1)

	// Redelivery after finalization is stale, not an error
	require.NoError(t, h.g.OnBlock(b1))
	require.NoError(t, h.g.OnVote(tvs[0].vote(types.VotePhaseCommit, 1, b1.Hash())))
	require.Len(t, h.finalized, 1)
}
