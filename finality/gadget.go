package finality

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/blockberries/finberry/types"
)

// MaxTimestampDrift is the allowed clock skew on live vote timestamps.
// Replay is exempt: recovered votes are as old as the downtime.
const MaxTimestampDrift = 10 * time.Minute

// Mode selects how blocks become final. Fixed at genesis; the two modes are
// mutually exclusive and never change mid-run.
type Mode uint8

const (
	// ModeBFT finalizes through two stake-weighted vote phases.
	ModeBFT Mode = iota
	// ModeDepth finalizes a block once a descendant chain of the configured
	// confirmation depth has been built on top of it, without votes.
	ModeDepth
)

func (m Mode) String() string {
	switch m {
	case ModeBFT:
		return "bft"
	case ModeDepth:
		return "depth"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "bft":
		return ModeBFT, nil
	case "depth":
		return ModeDepth, nil
	default:
		return 0, fmt.Errorf("unknown finality mode %q", s)
	}
}

// Status is the per-candidate position in the finality state machine.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusProposed
	StatusPrepared
	StatusCommitted
	StatusFinalized
	StatusAbandoned
)

func (s Status) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusPrepared:
		return "prepared"
	case StatusCommitted:
		return "committed"
	case StatusFinalized:
		return "finalized"
	case StatusAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Config holds finality parameters.
type Config struct {
	ChainID string
	Mode    Mode

	// Quorum fraction. Both phases use the same threshold. Never below 2/3:
	// the overlap argument for safety breaks under 1/3 Byzantine power.
	QuorumNumerator   int64
	QuorumDenominator int64

	// ConfirmationDepth applies in ModeDepth only.
	ConfirmationDepth int64

	// PendingVoteLimit bounds the buffer of votes waiting for their block.
	// Oldest entries are dropped first; a dropped vote delays finality but
	// never affects safety.
	PendingVoteLimit int
	PendingVoteTTL   time.Duration
}

// DefaultConfig returns default finality parameters.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeBFT,
		QuorumNumerator:   2,
		QuorumDenominator: 3,
		ConfirmationDepth: 6,
		PendingVoteLimit:  1024,
		PendingVoteTTL:    time.Minute,
	}
}

// ValidateBasic checks the configuration for internal consistency.
func (c Config) ValidateBasic() error {
	if c.ChainID == "" {
		return fmt.Errorf("chain ID must not be empty")
	}
	if c.QuorumDenominator <= 0 || c.QuorumNumerator <= 0 {
		return fmt.Errorf("quorum fraction must be positive")
	}
	// num/den >= 2/3 without losing precision
	if 3*c.QuorumNumerator < 2*c.QuorumDenominator {
		return fmt.Errorf("%w: %d/%d < 2/3", ErrQuorumTooLow, c.QuorumNumerator, c.QuorumDenominator)
	}
	if c.QuorumNumerator > c.QuorumDenominator {
		return fmt.Errorf("quorum fraction %d/%d exceeds 1", c.QuorumNumerator, c.QuorumDenominator)
	}
	if c.Mode == ModeDepth && c.ConfirmationDepth <= 0 {
		return fmt.Errorf("confirmation depth must be positive in depth mode")
	}
	return nil
}

// FinalizedEvent reports one block crossing into Finalized. Cascaded
// ancestors are reported in ascending height order, each in its own event;
// only the block that directly reached commit quorum carries a certificate
// and the commit voter list.
type FinalizedEvent struct {
	Block  *types.Block
	QC     *types.QuorumCertificate
	Voters []uint16
}

type blockState struct {
	block  *types.Block
	status Status
	qc     *types.QuorumCertificate
}

// pendingKey identifies one buffered vote for a not-yet-seen block.
type pendingKey struct {
	block     types.Hash
	validator uint16
	phase     types.VotePhase
	round     int32
}

// Gadget is the finality state machine. It consumes proposed blocks and
// signed votes, walks each candidate Proposed to Finalized, cascades
// finalization to ancestors, and halts on any safety violation. All
// mutation goes through one mutex; callers feed it from the node's event
// loop.
type Gadget struct {
	mu     sync.Mutex
	cfg    Config
	logger zerolog.Logger

	valSet *types.ValidatorSet
	quorum int64

	blocks            map[types.Hash]*blockState
	votes             map[int64]*HeightVoteSet
	finalizedByHeight map[int64]types.Hash
	finalizedHeight   int64
	finalizedHash     types.Hash

	pending *expirable.LRU[pendingKey, *types.Vote]
	// Incremented from the LRU's TTL goroutine as well as the event loop,
	// so it must not share the gadget mutex.
	droppedVotes atomic.Uint64

	replay     bool
	halted     bool
	haltReason error

	onFinalize func(FinalizedEvent)
	onAlarm    func(error)
}

// New creates a Gadget rooted at the given finalized block. onFinalize is
// invoked (under the gadget lock) for every block crossing into Finalized;
// onAlarm fires once if the safety invariant is ever violated. Either
// callback may be nil.
func New(
	cfg Config,
	rootHash types.Hash,
	rootHeight int64,
	valSet *types.ValidatorSet,
	onFinalize func(FinalizedEvent),
	onAlarm func(error),
	logger zerolog.Logger,
) (*Gadget, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if cfg.PendingVoteLimit <= 0 {
		cfg.PendingVoteLimit = DefaultConfig().PendingVoteLimit
	}

	g := &Gadget{
		cfg:               cfg,
		logger:            logger.With().Str("component", "finality").Logger(),
		blocks:            make(map[types.Hash]*blockState),
		votes:             make(map[int64]*HeightVoteSet),
		finalizedByHeight: map[int64]types.Hash{rootHeight: rootHash},
		finalizedHeight:   rootHeight,
		finalizedHash:     rootHash,
		onFinalize:        onFinalize,
		onAlarm:           onAlarm,
	}
	g.pending = expirable.NewLRU[pendingKey, *types.Vote](
		cfg.PendingVoteLimit,
		func(pendingKey, *types.Vote) {
			// Non-fatal: losing a buffered vote delays finality only
			g.droppedVotes.Add(1)
		},
		cfg.PendingVoteTTL,
	)
	g.SetValidatorSet(valSet)
	return g, nil
}

// SetValidatorSet installs the frozen set for the epoch in progress. Vote
// sets already open keep the set they were created with; quorum accounting
// within one height never mixes epochs.
func (g *Gadget) SetValidatorSet(set *types.ValidatorSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.valSet = set
	if set != nil {
		g.quorum = types.QuorumPower(set.TotalPower, g.cfg.QuorumNumerator, g.cfg.QuorumDenominator)
	}
}

// SetReplay toggles log-recovery mode. Replayed votes carry timestamps as
// old as the downtime, so the wall-clock drift check is suspended; signature
// and membership checks still apply.
func (g *Gadget) SetReplay(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replay = on
}

// OnBlock registers a candidate block and applies any votes buffered for
// it. Duplicate delivery is a no-op. In depth mode this is also where
// finalization happens.
func (g *Gadget) OnBlock(block *types.Block) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return ErrHalted
	}
	hash := block.Hash()
	if _, known := g.blocks[hash]; known {
		return nil
	}
	if block.Header.Height <= g.finalizedHeight {
		return nil // stale, already decided at this height
	}

	g.blocks[hash] = &blockState{block: block, status: StatusProposed}
	g.logger.Debug().
		Int64("height", block.Header.Height).
		Str("hash", hash.Short()).
		Msg("candidate registered")

	if g.cfg.Mode == ModeDepth {
		return g.finalizeAtDepthLocked(block)
	}

	g.drainPendingLocked(hash)
	return g.evaluateLocked(hash)
}

// OnVote feeds one signed vote into the state machine. A vote for an
// unknown block is buffered until the block arrives; buffering is not an
// error. A conflicting vote is rejected with ErrConflictingVote so the
// caller can hand the pair to the equivocation detector.
func (g *Gadget) OnVote(vote *types.Vote) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return ErrHalted
	}
	if g.cfg.Mode == ModeDepth {
		return nil // depth mode finalizes without votes
	}
	if g.valSet == nil {
		return ErrNoValidatorSet
	}
	if vote.Height <= g.finalizedHeight {
		return nil // stale
	}

	if !g.replay {
		voteTime := time.Unix(0, vote.Timestamp)
		now := time.Now()
		if voteTime.After(now.Add(MaxTimestampDrift)) {
			return fmt.Errorf("%w: timestamp too far in future", ErrInvalidVote)
		}
		if voteTime.Before(now.Add(-MaxTimestampDrift)) {
			return fmt.Errorf("%w: timestamp too far in past", ErrInvalidVote)
		}
	}

	if _, known := g.blocks[vote.BlockHash]; !known {
		key := pendingKey{
			block:     vote.BlockHash,
			validator: vote.ValidatorIndex,
			phase:     vote.Phase,
			round:     vote.Round,
		}
		g.pending.Add(key, vote.Copy())
		return nil
	}

	if err := g.applyVoteLocked(vote); err != nil {
		return err
	}
	return g.evaluateLocked(vote.BlockHash)
}

func (g *Gadget) applyVoteLocked(vote *types.Vote) error {
	hvs, ok := g.votes[vote.Height]
	if !ok {
		hvs = NewHeightVoteSet(g.cfg.ChainID, vote.Height, g.valSet, g.quorum)
		g.votes[vote.Height] = hvs
	}
	_, err := hvs.AddVote(vote)
	return err
}

// drainPendingLocked applies buffered votes that were waiting for a block.
func (g *Gadget) drainPendingLocked(hash types.Hash) {
	for _, key := range g.pending.Keys() {
		if key.block != hash {
			continue
		}
		vote, ok := g.pending.Peek(key)
		if g.pending.Remove(key) {
			// Remove fires the evict callback; this was not a drop
			g.droppedVotes.Add(^uint64(0))
		}
		if !ok {
			continue
		}
		if err := g.applyVoteLocked(vote); err != nil {
			g.logger.Debug().Err(err).
				Int64("height", vote.Height).
				Uint16("validator", vote.ValidatorIndex).
				Msg("buffered vote rejected")
		}
	}
}

// evaluateLocked advances the state machine for one candidate: Prepared on
// prepare quorum, Committed then Finalized on commit quorum. Re-run after
// every applied vote, so quorum-reaching votes yield the same terminal
// decision in any arrival order.
func (g *Gadget) evaluateLocked(hash types.Hash) error {
	bs, ok := g.blocks[hash]
	if !ok {
		return nil
	}
	if bs.status == StatusFinalized || bs.status == StatusAbandoned {
		return nil
	}
	hvs, ok := g.votes[bs.block.Header.Height]
	if !ok {
		return nil
	}

	for _, round := range hvs.Rounds() {
		if bs.status == StatusProposed {
			if ps := hvs.Prepares(round); ps != nil {
				if qb, ok := ps.QuorumBlock(); ok && qb == hash {
					bs.status = StatusPrepared
					g.logger.Info().
						Int64("height", bs.block.Header.Height).
						Int32("round", round).
						Str("hash", hash.Short()).
						Msg("prepare quorum reached")
				}
			}
		}
		if bs.status == StatusPrepared {
			cs := hvs.Commits(round)
			if cs == nil {
				continue
			}
			if qb, ok := cs.QuorumBlock(); ok && qb == hash {
				bs.status = StatusCommitted
				bs.qc = cs.MakeCertificate()
				g.logger.Info().
					Int64("height", bs.block.Header.Height).
					Int32("round", round).
					Str("hash", hash.Short()).
					Msg("commit quorum reached")
				// Committed -> Finalized is immediate
				return g.finalizeChainLocked(bs, cs.Voters())
			}
		}
	}
	return nil
}

// finalizeChainLocked finalizes a block and cascades to every not-yet-final
// ancestor, emitting events in ascending height order.
func (g *Gadget) finalizeChainLocked(tip *blockState, voters []uint16) error {
	// Collect the unfinalized ancestry, tip last
	chain := []*blockState{tip}
	parent := tip.block.Header.ParentHash
	for {
		ps, ok := g.blocks[parent]
		if !ok || ps.status == StatusFinalized {
			break
		}
		chain = append(chain, ps)
		parent = ps.block.Header.ParentHash
	}

	for i := len(chain) - 1; i >= 0; i-- {
		bs := chain[i]
		height := bs.block.Header.Height
		hash := bs.block.Hash()

		if prev, ok := g.finalizedByHeight[height]; ok && prev != hash {
			return g.haltLocked(fmt.Errorf(
				"conflicting finalization at height %d: have %s, got %s",
				height, prev.Short(), hash.Short()))
		}

		bs.status = StatusFinalized
		g.finalizedByHeight[height] = hash
		if height > g.finalizedHeight {
			g.finalizedHeight = height
			g.finalizedHash = hash
		}

		ev := FinalizedEvent{Block: bs.block, QC: bs.qc}
		if bs == tip {
			ev.Voters = voters
		}
		g.logger.Info().
			Int64("height", height).
			Str("hash", hash.Short()).
			Msg("block finalized")
		if g.onFinalize != nil {
			g.onFinalize(ev)
		}
	}

	g.abandonConflictsLocked()
	g.pruneLocked()
	return nil
}

// abandonConflictsLocked marks every candidate that can no longer be
// finalized: anything at or below the finalized height that is not itself
// finalized, and anything whose ancestry reaches a finalized height on a
// different hash.
func (g *Gadget) abandonConflictsLocked() {
	for hash, bs := range g.blocks {
		if bs.status == StatusFinalized || bs.status == StatusAbandoned {
			continue
		}
		if bs.block.Header.Height <= g.finalizedHeight {
			bs.status = StatusAbandoned
			continue
		}
		if g.conflictsWithFinalizedLocked(hash) {
			bs.status = StatusAbandoned
		}
	}
}

func (g *Gadget) conflictsWithFinalizedLocked(hash types.Hash) bool {
	for {
		bs, ok := g.blocks[hash]
		if !ok {
			return false // ancestry unknown, cannot condemn yet
		}
		if want, ok := g.finalizedByHeight[bs.block.Header.Height]; ok {
			return want != hash
		}
		hash = bs.block.Header.ParentHash
	}
}

// pruneLocked drops decided state below the finality boundary.
func (g *Gadget) pruneLocked() {
	for hash, bs := range g.blocks {
		if bs.block.Header.Height < g.finalizedHeight {
			delete(g.blocks, hash)
		}
	}
	for height := range g.votes {
		if height <= g.finalizedHeight {
			delete(g.votes, height)
		}
	}
}

// finalizeAtDepthLocked implements depth-mode finality: a newly arrived
// block finalizes its ancestor ConfirmationDepth levels down, if that
// ancestor is known and on this chain.
func (g *Gadget) finalizeAtDepthLocked(block *types.Block) error {
	target := block.Header.Height - g.cfg.ConfirmationDepth
	if target <= g.finalizedHeight {
		return nil
	}

	hash := block.Hash()
	for {
		bs, ok := g.blocks[hash]
		if !ok {
			return nil // chain to the target not fully known
		}
		if bs.block.Header.Height == target {
			return g.finalizeChainLocked(bs, nil)
		}
		hash = bs.block.Header.ParentHash
	}
}

// MarkFinalized flags a known block as finalized without a commit quorum.
// Checkpoint seals use this: a sealed checkpoint is a finality anchor even
// if the vote stream for that height was never completed locally.
// Idempotent for already-finalized blocks.
func (g *Gadget) MarkFinalized(hash types.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return ErrHalted
	}
	if hash == g.finalizedHash {
		return nil
	}
	bs, ok := g.blocks[hash]
	if !ok {
		return fmt.Errorf("cannot mark unknown block %s finalized", hash.Short())
	}
	if bs.status == StatusFinalized {
		return nil
	}
	if bs.status == StatusAbandoned {
		return g.haltLocked(fmt.Errorf(
			"checkpoint seals abandoned block %s at height %d",
			hash.Short(), bs.block.Header.Height))
	}
	return g.finalizeChainLocked(bs, nil)
}

// haltLocked stops all further finalization and raises the operator alarm.
// A safety violation means either quorum was configured below the fault
// bound or an actual attack succeeded; picking a side silently is the one
// thing this gadget must never do.
func (g *Gadget) haltLocked(cause error) error {
	g.halted = true
	g.haltReason = cause
	g.logger.Error().Err(cause).Msg("SAFETY VIOLATION: finality halted, manual intervention required")
	if g.onAlarm != nil {
		g.onAlarm(cause)
	}
	return fmt.Errorf("%w: %v", ErrHalted, cause)
}

// Status returns the state-machine position of a candidate.
func (g *Gadget) Status(hash types.Hash) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if hash == g.finalizedHash {
		return StatusFinalized
	}
	if bs, ok := g.blocks[hash]; ok {
		return bs.status
	}
	return StatusUnknown
}

// Certificate returns the commit certificate held for a block, or nil if it
// never reached commit quorum locally. Proposals embed the head's
// certificate as the new block's ParentQC.
func (g *Gadget) Certificate(hash types.Hash) *types.QuorumCertificate {
	g.mu.Lock()
	defer g.mu.Unlock()
	bs, ok := g.blocks[hash]
	if !ok || bs.qc == nil {
		return nil
	}
	return bs.qc.Copy()
}

// FinalizedHeight returns the latest finalized height.
func (g *Gadget) FinalizedHeight() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finalizedHeight
}

// FinalizedHash returns the hash of the latest finalized block.
func (g *Gadget) FinalizedHash() types.Hash {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finalizedHash
}

// FinalizedAt returns the finalized hash recorded for a height, if any.
func (g *Gadget) FinalizedAt(height int64) (types.Hash, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hash, ok := g.finalizedByHeight[height]
	return hash, ok
}

// Halted reports whether the gadget stopped after a safety violation, and
// why.
func (g *Gadget) Halted() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted, g.haltReason
}

// DroppedVotes returns how many buffered votes were discarded before their
// block arrived.
func (g *Gadget) DroppedVotes() uint64 {
	return g.droppedVotes.Load()
}

// PendingVotes returns the number of votes buffered for unknown blocks.
func (g *Gadget) PendingVotes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending.Len()
}
