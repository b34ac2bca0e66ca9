package slashing

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockberries/finberry/types"
)

// Errors
var (
	ErrInvalidVoteHeight = errors.New("votes have different heights")
	ErrInvalidVoteRound  = errors.New("votes have different rounds")
	ErrInvalidVotePhase  = errors.New("votes have different phases")
	ErrInvalidValidator  = errors.New("votes from different validators")
	ErrNoValidatorSet    = errors.New("no validator set installed")
)

// MaxSeenVotes limits memory usage for equivocation detection. With 100
// validators and 2 phases per round this allows ~500 rounds of history.
const MaxSeenVotes = 100000

// seenKey identifies one voting duty: a validator may sign at most one vote
// per (height, round, phase).
type seenKey struct {
	validator types.Address
	height    int64
	round     int32
	phase     types.VotePhase
}

// Detector watches the vote stream for provable double-voting. It keeps a
// bounded per-duty buffer of recent votes; a second vote for the same duty
// referencing a different block yields evidence immediately, since both
// votes are self-authenticating.
type Detector struct {
	mu     sync.Mutex
	logger zerolog.Logger

	chainID string
	valSet  *types.ValidatorSet

	seenVotes    map[seenKey]*types.Vote
	maxAgeBlocks int64

	currentHeight   int64
	finalizedHeight int64
}

// NewDetector creates a Detector. maxAgeBlocks bounds how far back seen
// votes are retained; older entries are pruned on Update.
func NewDetector(chainID string, maxAgeBlocks int64, logger zerolog.Logger) *Detector {
	return &Detector{
		logger:       logger.With().Str("component", "slashing").Logger(),
		chainID:      chainID,
		seenVotes:    make(map[seenKey]*types.Vote),
		maxAgeBlocks: maxAgeBlocks,
	}
}

// SetValidatorSet installs the signing body votes are verified against.
func (d *Detector) SetValidatorSet(set *types.ValidatorSet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.valSet = set
}

// Observe records one vote and returns evidence if it conflicts with a vote
// already seen for the same (height, round, phase). The signature is
// verified first: an unverified vote stored under a duty key would let an
// attacker pre-fill a victim's slot with garbage and suppress the real
// evidence later. An exact duplicate is not an offense. Equivocation at or
// below the finalized height is classified as the long-range variant.
func (d *Detector) Observe(vote *types.Vote) (*types.Evidence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.valSet == nil {
		return nil, ErrNoValidatorSet
	}
	val := d.valSet.GetByAddress(vote.Validator)
	if val == nil {
		return nil, nil // not in the signing body, nothing slashable
	}
	if err := types.VerifyVoteSignature(d.chainID, vote, val.PubKey); err != nil {
		return nil, err
	}

	key := seenKey{
		validator: vote.Validator,
		height:    vote.Height,
		round:     vote.Round,
		phase:     vote.Phase,
	}

	existing, ok := d.seenVotes[key]
	if ok {
		if existing.BlockHash == vote.BlockHash {
			return nil, nil // same attestation, not equivocation
		}
		offense := types.OffenseDoubleSign
		if vote.Height <= d.finalizedHeight {
			offense = types.OffenseLongRangeEquivocation
		}
		ev := &types.Evidence{
			Type:      offense,
			Height:    vote.Height,
			Validator: vote.Validator,
			Timestamp: time.Now().UnixNano(),
			VoteA:     existing.Copy(),
			VoteB:     vote.Copy(),
		}
		d.logger.Warn().
			Stringer("validator", vote.Validator).
			Int64("height", vote.Height).
			Int32("round", vote.Round).
			Stringer("phase", vote.Phase).
			Msg("equivocation detected")
		return ev, nil
	}

	if len(d.seenVotes) >= MaxSeenVotes {
		d.pruneOldestLocked(MaxSeenVotes / 10)
	}
	d.seenVotes[key] = vote.Copy()
	return nil, nil
}

// Update advances the detector's view of chain progress and prunes votes
// outside the age window.
func (d *Detector) Update(currentHeight, finalizedHeight int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.currentHeight = currentHeight
	d.finalizedHeight = finalizedHeight
	for key := range d.seenVotes {
		if currentHeight-key.height > d.maxAgeBlocks {
			delete(d.seenVotes, key)
		}
	}
}

// pruneOldestLocked removes the n lowest-height entries.
func (d *Detector) pruneOldestLocked(n int) {
	if n <= 0 || len(d.seenVotes) == 0 {
		return
	}

	keys := make([]seenKey, 0, len(d.seenVotes))
	for key := range d.seenVotes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].height < keys[j].height })

	if n > len(keys) {
		n = len(keys)
	}
	for _, key := range keys[:n] {
		delete(d.seenVotes, key)
	}
}

// SeenVotes returns the number of retained votes.
func (d *Detector) SeenVotes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seenVotes)
}

// VerifyEquivocation checks that an equivocation evidence record is
// internally valid: same duty, different blocks, both signatures genuine.
func VerifyEquivocation(ev *types.Evidence, chainID string, valSet *types.ValidatorSet) error {
	if ev == nil || ev.VoteA == nil || ev.VoteB == nil {
		return types.ErrInvalidEvidence
	}
	a, b := ev.VoteA, ev.VoteB

	if a.Height != b.Height {
		return ErrInvalidVoteHeight
	}
	if a.Round != b.Round {
		return ErrInvalidVoteRound
	}
	if a.Phase != b.Phase {
		return ErrInvalidVotePhase
	}
	if a.Validator != b.Validator || a.Validator != ev.Validator {
		return ErrInvalidValidator
	}
	if a.BlockHash == b.BlockHash {
		return types.ErrSameBlockHash
	}

	val := valSet.GetByAddress(a.Validator)
	if val == nil {
		return ErrInvalidValidator
	}
	if err := types.VerifyVoteSignature(chainID, a, val.PubKey); err != nil {
		return err
	}
	if err := types.VerifyVoteSignature(chainID, b, val.PubKey); err != nil {
		return err
	}
	return nil
}
