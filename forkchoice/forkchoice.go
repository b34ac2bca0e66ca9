package forkchoice

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/blockberries/finberry/types"
)

// Errors
var (
	ErrInvalidAncestry = errors.New("block does not descend from finality boundary")
	ErrUnknownBlock    = errors.New("unknown block")
	ErrNoHead          = errors.New("no head available")
)

// Variant selects the fork-choice rule. Fixed at configuration time; each
// variant is a pure function over the same block/vote arena.
type Variant uint8

const (
	// VariantGHOST picks the heaviest observed subtree: branch weight is
	// the power of all validators whose latest vote lands in the subtree.
	VariantGHOST Variant = iota
	// VariantLongest picks the greatest height, ties broken by the
	// lexicographically smallest block hash.
	VariantLongest
)

func (v Variant) String() string {
	switch v {
	case VariantGHOST:
		return "ghost"
	case VariantLongest:
		return "longest-chain"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// ParseVariant converts a config string into a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "ghost":
		return VariantGHOST, nil
	case "longest-chain":
		return VariantLongest, nil
	default:
		return 0, fmt.Errorf("unknown fork-choice variant %q", s)
	}
}

// Config holds fork-choice parameters.
type Config struct {
	Variant Variant
	// OrphanLimit bounds the buffer of blocks waiting for a parent.
	OrphanLimit int
	// OrphanTTL discards buffered blocks whose parent never arrives.
	OrphanTTL time.Duration
}

// DefaultConfig returns default fork-choice parameters.
func DefaultConfig() Config {
	return Config{
		Variant:     VariantGHOST,
		OrphanLimit: 256,
		OrphanTTL:   30 * time.Second,
	}
}

// latestVote is one validator's most recent observed vote target.
type latestVote struct {
	blockHash types.Hash
	height    int64
}

// ForkChoice maintains the weighted tree of known non-finalized blocks and
// computes the canonical head. Blocks live in an append-only arena keyed by
// content hash with parent references as lookups, so everything below the
// finality boundary can be pruned without touching live branches.
type ForkChoice struct {
	mu     sync.RWMutex
	cfg    Config
	logger zerolog.Logger

	blocks   map[types.Hash]*types.Block
	children map[types.Hash][]types.Hash

	// The boundary every head must descend from: the latest finalized
	// block, which is never below the latest sealed checkpoint.
	rootHash   types.Hash
	rootHeight int64

	valSet      *types.ValidatorSet
	latestVotes map[uint16]latestVote

	orphans *expirable.LRU[types.Hash, *types.Block]

	head types.Hash
}

// New creates a ForkChoice rooted at the given finalized block.
func New(cfg Config, rootHash types.Hash, rootHeight int64, logger zerolog.Logger) *ForkChoice {
	if cfg.OrphanLimit <= 0 {
		cfg.OrphanLimit = DefaultConfig().OrphanLimit
	}
	return &ForkChoice{
		cfg:         cfg,
		logger:      logger.With().Str("component", "forkchoice").Logger(),
		blocks:      make(map[types.Hash]*types.Block),
		children:    make(map[types.Hash][]types.Hash),
		rootHash:    rootHash,
		rootHeight:  rootHeight,
		latestVotes: make(map[uint16]latestVote),
		orphans:     expirable.NewLRU[types.Hash, *types.Block](cfg.OrphanLimit, nil, cfg.OrphanTTL),
		head:        rootHash,
	}
}

// SetValidatorSet installs the voting body whose power weights branches.
// Called at every epoch rotation; stale latest-vote entries from removed
// validators stop counting because weight lookup goes through the new set.
func (fc *ForkChoice) SetValidatorSet(set *types.ValidatorSet) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.valSet = set
}

// OnBlock integrates a candidate block and returns the (possibly updated)
// canonical head. A block whose parent is unknown is buffered until the
// parent arrives or the buffer expires it; buffering is not an error.
// Blocks that cannot descend from the finality boundary are rejected with
// ErrInvalidAncestry.
func (fc *ForkChoice) OnBlock(block *types.Block) (types.Hash, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	hash := block.Hash()
	if _, known := fc.blocks[hash]; known || hash == fc.rootHash {
		return fc.head, nil // duplicate delivery, idempotent
	}

	if block.Header.Height <= fc.rootHeight {
		return fc.head, fmt.Errorf("%w: height %d at or below boundary %d",
			ErrInvalidAncestry, block.Header.Height, fc.rootHeight)
	}

	parent := block.Header.ParentHash
	if parent != fc.rootHash {
		parentBlock, ok := fc.blocks[parent]
		if !ok {
			fc.orphans.Add(hash, block)
			fc.logger.Debug().
				Str("block", hash.Short()).
				Str("parent", parent.Short()).
				Msg("buffered block with unknown parent")
			return fc.head, nil
		}
		if block.Header.Height != parentBlock.Header.Height+1 {
			return fc.head, fmt.Errorf("%w: height %d does not extend parent height %d",
				ErrInvalidAncestry, block.Header.Height, parentBlock.Header.Height)
		}
	} else if block.Header.Height != fc.rootHeight+1 {
		return fc.head, fmt.Errorf("%w: height %d does not extend boundary height %d",
			ErrInvalidAncestry, block.Header.Height, fc.rootHeight)
	}

	fc.integrate(hash, block)
	fc.adoptOrphans(hash)
	fc.head = fc.computeHead()
	return fc.head, nil
}

// integrate adds one block to the arena.
func (fc *ForkChoice) integrate(hash types.Hash, block *types.Block) {
	fc.blocks[hash] = block
	parent := block.Header.ParentHash
	fc.children[parent] = append(fc.children[parent], hash)
}

// adoptOrphans attaches any buffered blocks whose missing parent just
// arrived, recursively.
func (fc *ForkChoice) adoptOrphans(parent types.Hash) {
	for _, key := range fc.orphans.Keys() {
		orphan, ok := fc.orphans.Peek(key)
		if !ok || orphan.Header.ParentHash != parent {
			continue
		}
		fc.orphans.Remove(key)
		if orphan.Header.Height == fc.blocks[parent].Header.Height+1 {
			fc.integrate(key, orphan)
			fc.adoptOrphans(key)
		}
	}
}

// OnVote records a validator's latest vote target for branch weighting.
// Only the most recent vote per validator counts (by height); the phase is
// irrelevant here, any attestation signals branch support.
func (fc *ForkChoice) OnVote(vote *types.Vote) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	prev, ok := fc.latestVotes[vote.ValidatorIndex]
	if ok && prev.height >= vote.Height {
		return
	}
	fc.latestVotes[vote.ValidatorIndex] = latestVote{
		blockHash: vote.BlockHash,
		height:    vote.Height,
	}
	fc.head = fc.computeHead()
}

// Head returns the current canonical head. Before any block arrives this is
// the finality boundary itself.
func (fc *ForkChoice) Head() types.Hash {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.head
}

// Orphans returns the number of buffered parentless blocks.
func (fc *ForkChoice) Orphans() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.orphans.Len()
}

// Block returns an arena block by hash, or nil.
func (fc *ForkChoice) Block(hash types.Hash) *types.Block {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.blocks[hash]
}

// HasBlock reports whether the block is integrated (orphans excluded).
func (fc *ForkChoice) HasBlock(hash types.Hash) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	_, ok := fc.blocks[hash]
	return ok || hash == fc.rootHash
}

// IsDescendant reports whether hash descends from (or is) ancestor, within
// the arena.
func (fc *ForkChoice) IsDescendant(hash, ancestor types.Hash) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.isDescendantLocked(hash, ancestor)
}

func (fc *ForkChoice) isDescendantLocked(hash, ancestor types.Hash) bool {
	for {
		if hash == ancestor {
			return true
		}
		block, ok := fc.blocks[hash]
		if !ok {
			return false
		}
		hash = block.Header.ParentHash
	}
}

// SetFinalized advances the finality boundary and prunes the arena: the
// finalized block becomes the new root and every block not descending from
// it is discarded. Checkpoint seals call this too (a checkpoint never
// exceeds the finalized height, so the max of the two is the boundary).
func (fc *ForkChoice) SetFinalized(height int64, hash types.Hash) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if height <= fc.rootHeight {
		return
	}

	// Everything that survives must descend from the new root.
	survivors := make(map[types.Hash]*types.Block)
	for h, b := range fc.blocks {
		if fc.isDescendantLocked(h, hash) && h != hash {
			survivors[h] = b
		}
	}

	fc.blocks = survivors
	fc.children = make(map[types.Hash][]types.Hash)
	for h, b := range survivors {
		fc.children[b.Header.ParentHash] = append(fc.children[b.Header.ParentHash], h)
	}
	fc.rootHash = hash
	fc.rootHeight = height
	fc.head = fc.computeHead()

	fc.logger.Debug().
		Int64("height", height).
		Str("hash", hash.Short()).
		Int("live_blocks", len(fc.blocks)).
		Msg("finality boundary advanced")
}

// computeHead runs the configured variant over the arena.
func (fc *ForkChoice) computeHead() types.Hash {
	switch fc.cfg.Variant {
	case VariantLongest:
		return fc.longestHead()
	default:
		return fc.ghostHead()
	}
}

// ghostHead walks from the root, at each step taking the child whose
// subtree carries the most latest-vote power, ties broken by smallest hash.
func (fc *ForkChoice) ghostHead() types.Hash {
	weights := fc.subtreeWeights()

	head := fc.rootHash
	for {
		kids := fc.children[head]
		if len(kids) == 0 {
			return head
		}
		best := kids[0]
		for _, kid := range kids[1:] {
			bw, kw := weights[best], weights[kid]
			if kw > bw || (kw == bw && bytes.Compare(kid[:], best[:]) < 0) {
				best = kid
			}
		}
		head = best
	}
}

// subtreeWeights accumulates each validator's latest-vote power up the
// ancestry of its vote target.
func (fc *ForkChoice) subtreeWeights() map[types.Hash]int64 {
	weights := make(map[types.Hash]int64, len(fc.blocks))
	if fc.valSet == nil {
		return weights
	}
	for index, lv := range fc.latestVotes {
		val := fc.valSet.GetByIndex(index)
		if val == nil {
			continue // validator left the set; its old vote no longer weighs
		}
		hash := lv.blockHash
		for {
			block, ok := fc.blocks[hash]
			if !ok {
				break
			}
			weights[hash] += val.VotingPower
			hash = block.Header.ParentHash
		}
	}
	return weights
}

// longestHead picks the greatest height in the arena, ties broken by the
// lexicographically smallest hash.
func (fc *ForkChoice) longestHead() types.Hash {
	best := fc.rootHash
	bestHeight := fc.rootHeight
	for h, b := range fc.blocks {
		if b.Header.Height > bestHeight ||
			(b.Header.Height == bestHeight && bytes.Compare(h[:], best[:]) < 0) {
			best = h
			bestHeight = b.Header.Height
		}
	}
	return best
}
