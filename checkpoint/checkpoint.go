package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockberries/finberry/types"
)

// Errors
var (
	ErrNoOpenRound      = errors.New("no open checkpoint round at height")
	ErrUnknownValidator = errors.New("unknown validator")
	ErrInvalidSignature = errors.New("invalid checkpoint signature")
	ErrNoValidatorSet   = errors.New("no validator set installed")
)

// Config holds checkpoint parameters.
type Config struct {
	ChainID string
	// Interval selects which finalized heights become checkpoints
	// (height % Interval == 0).
	Interval int64
	// Quorum fraction, matching the finality gadget's.
	QuorumNumerator   int64
	QuorumDenominator int64
}

// DefaultConfig returns default checkpoint parameters.
func DefaultConfig() Config {
	return Config{
		Interval:          16,
		QuorumNumerator:   2,
		QuorumDenominator: 3,
	}
}

// ValidateBasic checks the configuration for internal consistency.
func (c Config) ValidateBasic() error {
	if c.ChainID == "" {
		return fmt.Errorf("chain ID must not be empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.QuorumNumerator <= 0 || c.QuorumDenominator <= 0 {
		return fmt.Errorf("quorum fraction must be positive")
	}
	return nil
}

// round is an open signature collection for one checkpoint height.
type round struct {
	height    int64
	blockHash types.Hash
	stateRoot types.Hash
	sigs      map[uint16]types.CheckpointSignature
	power     int64
}

// System turns finalized heights on the configured interval into
// supermajority-signed checkpoints. Signature rounds open when finality
// reports an interval height; a round seals once collected signatures reach
// quorum power. Sealed heights strictly increase and a sealed checkpoint is
// never reopened.
type System struct {
	mu     sync.RWMutex
	cfg    Config
	logger zerolog.Logger

	valSet *types.ValidatorSet
	quorum int64

	rounds map[int64]*round
	sealed map[int64]*types.Checkpoint
	latest int64

	onSeal func(*types.Checkpoint)
}

// New creates a checkpoint System. onSeal is invoked (under the system
// lock) for every newly sealed checkpoint; may be nil.
func New(cfg Config, onSeal func(*types.Checkpoint), logger zerolog.Logger) (*System, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return &System{
		cfg:    cfg,
		logger: logger.With().Str("component", "checkpoint").Logger(),
		rounds: make(map[int64]*round),
		sealed: make(map[int64]*types.Checkpoint),
		onSeal: onSeal,
	}, nil
}

// SetValidatorSet installs the signing body for subsequent rounds. Open
// rounds keep collecting against the power they started with.
func (s *System) SetValidatorSet(set *types.ValidatorSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valSet = set
	if set != nil {
		s.quorum = types.QuorumPower(set.TotalPower, s.cfg.QuorumNumerator, s.cfg.QuorumDenominator)
	}
}

// OnFinalized reports one finalized block. If the height lands on the
// interval, a signature round opens (idempotently) and the call returns
// true; heights at or below the latest seal are ignored.
func (s *System) OnFinalized(height int64, blockHash, stateRoot types.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height%s.cfg.Interval != 0 {
		return false
	}
	if height <= s.latest && s.latest != 0 {
		return false // already sealed here or beyond, no-op
	}
	if _, sealed := s.sealed[height]; sealed {
		return false
	}
	if _, open := s.rounds[height]; open {
		return true // round already in progress
	}

	s.rounds[height] = &round{
		height:    height,
		blockHash: blockHash,
		stateRoot: stateRoot,
		sigs:      make(map[uint16]types.CheckpointSignature),
	}
	s.logger.Info().
		Int64("height", height).
		Str("hash", blockHash.Short()).
		Msg("checkpoint round opened")
	return true
}

// SignBytes returns the message a validator signs for the open round at
// height.
func (s *System) SignBytes(height int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[height]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoOpenRound, height)
	}
	return types.CheckpointSignBytes(s.cfg.ChainID, r.height, r.blockHash, r.stateRoot), nil
}

// AddSignature collects one validator signature for the open round at
// height. Duplicates count once. Returns the sealed checkpoint when this
// signature completes the quorum, nil otherwise. A signature for an
// already-sealed height is a no-op, not an error.
func (s *System) AddSignature(height int64, index uint16, sig types.Signature) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sealed[height]; ok {
		return nil, nil
	}
	r, ok := s.rounds[height]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoOpenRound, height)
	}
	if s.valSet == nil {
		return nil, ErrNoValidatorSet
	}

	val := s.valSet.GetByIndex(index)
	if val == nil {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownValidator, index)
	}
	if _, voted := r.sigs[index]; voted {
		return nil, nil // duplicate, already counted
	}

	msg := types.CheckpointSignBytes(s.cfg.ChainID, r.height, r.blockHash, r.stateRoot)
	if !types.VerifySignature(val.PubKey, msg, sig) {
		return nil, fmt.Errorf("%w: validator %d", ErrInvalidSignature, index)
	}

	r.sigs[index] = types.CheckpointSignature{ValidatorIndex: index, Signature: sig.Copy()}
	r.power += val.VotingPower

	if r.power < s.quorum {
		return nil, nil
	}
	return s.sealLocked(r)
}

// sealLocked closes a quorum-complete round into an immutable checkpoint.
func (s *System) sealLocked(r *round) (*types.Checkpoint, error) {
	if r.height <= s.latest && s.latest != 0 {
		delete(s.rounds, r.height)
		return nil, fmt.Errorf("%w: %d <= %d", types.ErrCheckpointRegression, r.height, s.latest)
	}

	sigs := make([]types.CheckpointSignature, 0, len(r.sigs))
	for _, sig := range r.sigs {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		return sigs[i].ValidatorIndex < sigs[j].ValidatorIndex
	})

	cp := &types.Checkpoint{
		Height:     r.height,
		BlockHash:  r.blockHash,
		StateRoot:  r.stateRoot,
		Signatures: sigs,
	}
	s.sealed[cp.Height] = cp
	s.latest = cp.Height
	delete(s.rounds, cp.Height)

	// Rounds left open below the new seal can never seal anymore
	for h := range s.rounds {
		if h < cp.Height {
			delete(s.rounds, h)
		}
	}

	s.logger.Info().
		Int64("height", cp.Height).
		Str("hash", cp.BlockHash.Short()).
		Int("signatures", len(cp.Signatures)).
		Msg("checkpoint sealed")

	if s.onSeal != nil {
		s.onSeal(cp.Copy())
	}
	return cp.Copy(), nil
}

// Restore adopts a checkpoint sealed in a previous run, recovered from the
// write-ahead log. No seal callback fires: the seal's consequences were
// applied before the record was persisted, and recovery re-applies them by
// re-rooting on the checkpoint directly.
func (s *System) Restore(cp *types.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidSignature)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Height <= s.latest && s.latest != 0 {
		return nil // already at or beyond this seal
	}
	s.sealed[cp.Height] = cp.Copy()
	s.latest = cp.Height
	return nil
}

// Latest returns the most recently sealed checkpoint, or nil.
func (s *System) Latest() *types.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed[s.latest].Copy()
}

// Sealed returns the checkpoint sealed at height, or nil.
func (s *System) Sealed(height int64) *types.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed[height].Copy()
}

// Verify checks a checkpoint against a validator set: all signatures valid,
// all signers distinct and known, combined power at quorum. For light
// clients and historical validation.
func (s *System) Verify(cp *types.Checkpoint, valSet *types.ValidatorSet) error {
	if cp == nil || len(cp.Signatures) == 0 {
		return fmt.Errorf("%w: empty checkpoint", ErrInvalidSignature)
	}

	msg := types.CheckpointSignBytes(s.cfg.ChainID, cp.Height, cp.BlockHash, cp.StateRoot)
	var power int64
	seen := make(map[uint16]bool)
	for _, sig := range cp.Signatures {
		if seen[sig.ValidatorIndex] {
			return fmt.Errorf("%w: validator %d appears twice", ErrInvalidSignature, sig.ValidatorIndex)
		}
		seen[sig.ValidatorIndex] = true

		val := valSet.GetByIndex(sig.ValidatorIndex)
		if val == nil {
			return fmt.Errorf("%w: index %d", ErrUnknownValidator, sig.ValidatorIndex)
		}
		if !types.VerifySignature(val.PubKey, msg, sig.Signature) {
			return fmt.Errorf("%w: validator %d", ErrInvalidSignature, sig.ValidatorIndex)
		}
		power += val.VotingPower
	}

	quorum := types.QuorumPower(valSet.TotalPower, s.cfg.QuorumNumerator, s.cfg.QuorumDenominator)
	if power < quorum {
		return fmt.Errorf("%w: got %d, need %d", types.ErrInsufficientVotePower, power, quorum)
	}
	return nil
}
