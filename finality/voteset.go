package finality

import (
	"sort"
	"sync"

	"github.com/blockberries/finberry/types"
)

// VoteSet tracks votes for a single height/round/phase combination.
// Duplicate votes from one validator count once; a second vote for a
// different block is rejected as conflicting and surfaces the pair for
// evidence construction.
type VoteSet struct {
	mu           sync.RWMutex
	chainID      string
	height       int64
	round        int32
	phase        types.VotePhase
	validatorSet *types.ValidatorSet
	quorum       int64

	votes        map[uint16]*types.Vote // by validator index
	votesByBlock map[types.Hash]*blockVotes
	sum          int64
	quorumBlock  *blockVotes
}

type blockVotes struct {
	blockHash  types.Hash
	votes      []*types.Vote
	totalPower int64
}

// NewVoteSet creates a VoteSet. quorum is the voting power the winning
// block must accumulate, already derived from the configured fraction.
func NewVoteSet(
	chainID string,
	height int64,
	round int32,
	phase types.VotePhase,
	valSet *types.ValidatorSet,
	quorum int64,
) *VoteSet {
	return &VoteSet{
		chainID:      chainID,
		height:       height,
		round:        round,
		phase:        phase,
		validatorSet: valSet,
		quorum:       quorum,
		votes:        make(map[uint16]*types.Vote),
		votesByBlock: make(map[types.Hash]*blockVotes),
	}
}

// AddVote adds a vote to the set. Returns true if the vote was added, false
// with a nil error for an exact duplicate, and ErrConflictingVote when the
// validator already voted for a different block in this phase.
func (vs *VoteSet) AddVote(vote *types.Vote) (bool, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vote.Height != vs.height || vote.Round != vs.round || vote.Phase != vs.phase {
		return false, ErrInvalidVote
	}

	val := vs.validatorSet.GetByIndex(vote.ValidatorIndex)
	if val == nil {
		return false, ErrUnknownValidator
	}
	if val.Address != vote.Validator {
		return false, ErrUnknownValidator
	}

	if err := types.VerifyVoteSignature(vs.chainID, vote, val.PubKey); err != nil {
		return false, ErrInvalidSignature
	}

	existing := vs.votes[vote.ValidatorIndex]
	if existing != nil {
		if existing.Equal(vote) {
			return false, nil // duplicate, already counted
		}
		return false, ErrConflictingVote
	}

	// Deep copy before storing so caller mutations cannot corrupt the set
	voteCopy := vote.Copy()
	vs.votes[voteCopy.ValidatorIndex] = voteCopy
	vs.sum += val.VotingPower

	bv, ok := vs.votesByBlock[voteCopy.BlockHash]
	if !ok {
		bv = &blockVotes{blockHash: voteCopy.BlockHash}
		vs.votesByBlock[voteCopy.BlockHash] = bv
	}
	bv.votes = append(bv.votes, voteCopy)
	bv.totalPower += val.VotingPower

	if bv.totalPower >= vs.quorum && vs.quorumBlock == nil {
		vs.quorumBlock = bv
	}

	return true, nil
}

// QuorumBlock returns the block hash holding quorum power, if any.
func (vs *VoteSet) QuorumBlock() (types.Hash, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if vs.quorumBlock != nil {
		return vs.quorumBlock.blockHash, true
	}
	return types.Hash{}, false
}

// HasQuorum returns true if any single block reached quorum power.
func (vs *VoteSet) HasQuorum() bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.quorumBlock != nil
}

// PowerFor returns the accumulated voting power behind one block.
func (vs *VoteSet) PowerFor(blockHash types.Hash) int64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if bv, ok := vs.votesByBlock[blockHash]; ok {
		return bv.totalPower
	}
	return 0
}

// GetVote returns the vote from a validator, if any. Returns a deep copy.
func (vs *VoteSet) GetVote(valIndex uint16) *types.Vote {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.votes[valIndex].Copy()
}

// Size returns the number of votes.
func (vs *VoteSet) Size() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.votes)
}

// VotingPower returns the total voting power of votes in the set.
func (vs *VoteSet) VotingPower() int64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.sum
}

// Voters returns the indices of all validators who voted, sorted. Map
// iteration is non-deterministic; sorting keeps downstream accounting
// (rewards, participation counters) consistent across nodes.
func (vs *VoteSet) Voters() []uint16 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	indices := make([]uint16, 0, len(vs.votes))
	for idx := range vs.votes {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// MakeCertificate builds a QuorumCertificate from quorum commit votes.
// Returns nil unless this is a commit set with a quorum block. Only votes
// for the quorum block are included, sorted by validator index.
func (vs *VoteSet) MakeCertificate() *types.QuorumCertificate {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if vs.phase != types.VotePhaseCommit || vs.quorumBlock == nil {
		return nil
	}

	sigs := make([]types.QCSignature, 0, len(vs.quorumBlock.votes))
	for _, vote := range vs.quorumBlock.votes {
		sigs = append(sigs, types.QCSignature{
			ValidatorIndex: vote.ValidatorIndex,
			Timestamp:      vote.Timestamp,
			Signature:      vote.Signature.Copy(),
		})
	}
	sort.Slice(sigs, func(i, j int) bool {
		return sigs[i].ValidatorIndex < sigs[j].ValidatorIndex
	})

	return &types.QuorumCertificate{
		Height:     vs.height,
		Round:      vs.round,
		BlockHash:  vs.quorumBlock.blockHash,
		Signatures: sigs,
	}
}

// HeightVoteSet tracks all votes for one height across rounds and phases.
type HeightVoteSet struct {
	mu           sync.RWMutex
	chainID      string
	height       int64
	validatorSet *types.ValidatorSet
	quorum       int64

	prepares map[int32]*VoteSet
	commits  map[int32]*VoteSet
}

// NewHeightVoteSet creates a HeightVoteSet for a given height.
func NewHeightVoteSet(chainID string, height int64, valSet *types.ValidatorSet, quorum int64) *HeightVoteSet {
	return &HeightVoteSet{
		chainID:      chainID,
		height:       height,
		validatorSet: valSet,
		quorum:       quorum,
		prepares:     make(map[int32]*VoteSet),
		commits:      make(map[int32]*VoteSet),
	}
}

// AddVote routes a vote to the set for its round and phase, creating the
// set on first use.
func (hvs *HeightVoteSet) AddVote(vote *types.Vote) (bool, error) {
	hvs.mu.Lock()
	voteSet, err := hvs.voteSetLocked(vote.Round, vote.Phase)
	hvs.mu.Unlock()
	if err != nil {
		return false, err
	}
	// VoteSet has its own mutex, nested locking is safe
	return voteSet.AddVote(vote)
}

func (hvs *HeightVoteSet) voteSetLocked(round int32, phase types.VotePhase) (*VoteSet, error) {
	var sets map[int32]*VoteSet
	switch phase {
	case types.VotePhasePrepare:
		sets = hvs.prepares
	case types.VotePhaseCommit:
		sets = hvs.commits
	default:
		return nil, ErrInvalidVote
	}
	vs := sets[round]
	if vs == nil {
		vs = NewVoteSet(hvs.chainID, hvs.height, round, phase, hvs.validatorSet, hvs.quorum)
		sets[round] = vs
	}
	return vs, nil
}

// Prepares returns the prepare set for a round, or nil.
func (hvs *HeightVoteSet) Prepares(round int32) *VoteSet {
	hvs.mu.RLock()
	defer hvs.mu.RUnlock()
	return hvs.prepares[round]
}

// Commits returns the commit set for a round, or nil.
func (hvs *HeightVoteSet) Commits(round int32) *VoteSet {
	hvs.mu.RLock()
	defer hvs.mu.RUnlock()
	return hvs.commits[round]
}

// Rounds returns all rounds that have seen at least one vote, sorted.
func (hvs *HeightVoteSet) Rounds() []int32 {
	hvs.mu.RLock()
	defer hvs.mu.RUnlock()

	seen := make(map[int32]bool)
	for r := range hvs.prepares {
		seen[r] = true
	}
	for r := range hvs.commits {
		seen[r] = true
	}
	rounds := make([]int32, 0, len(seen))
	for r := range seen {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	return rounds
}

// Height returns the height.
func (hvs *HeightVoteSet) Height() int64 {
	return hvs.height
}
