package registry

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
	ErrUnknownValidator = errors.New("unknown validator")
	ErrInvalidAmount    = errors.New("invalid slash amount")
	ErrNoCandidates     = errors.New("no staked candidates")
	ErrNoEpoch          = errors.New("no epoch rotated yet")
)

// StakeSource is the external stake/treasury collaborator, read at epoch
// rotation. Implementations must return identical data on all honest nodes
// for the same epoch boundary.
type StakeSource interface {
	// Candidates returns every staked participant eligible for the set.
	Candidates() ([]Candidate, error)
	// CurrentStake returns the stake bonded to one validator.
	CurrentStake(addr types.Address) (int64, error)
}

// Candidate is one staked participant as reported by the stake source.
type Candidate struct {
	PubKey types.PublicKey
	Stake  int64
}

// SetDelta describes how the active set changed at a rotation. Emitted to
// subscribers (scheduler, finality gadget) so they pick up the next epoch's
// frozen set.
type SetDelta struct {
	Epoch   uint64
	Added   []types.Address
	Removed []types.Address
	Updated []types.Address // still active, voting power changed
}

// Config holds registry parameters.
type Config struct {
	ChainID       string
	MaxValidators int
	MinStake      int64
	// StakePerPower converts stake to voting power (power = stake / StakePerPower).
	StakePerPower int64
	// EpochLength is the number of slots per epoch.
	EpochLength uint64
}

// DefaultConfig returns default registry parameters.
func DefaultConfig() Config {
	return Config{
		MaxValidators: 100,
		MinStake:      1,
		StakePerPower: 1,
		EpochLength:   32,
	}
}

// Registry owns the validator table: the authoritative mapping from
// identity to stake, voting power, and status. The active set and its
// weights are frozen for the duration of each epoch; slashing deducts from
// the live stake view and lands in the set at the next rotation, except
// severe offenses which also eject immediately.
type Registry struct {
	mu  sync.RWMutex
	cfg Config

	source StakeSource
	logger zerolog.Logger

	current   *types.Epoch
	snapshots map[uint64]*types.Epoch

	// Live mutable view for the epoch in progress.
	stakes  map[types.Address]int64
	ejected map[types.Address]bool

	subs []chan SetDelta
}

// New creates a Registry backed by the given stake source.
func New(cfg Config, source StakeSource, logger zerolog.Logger) *Registry {
	if cfg.StakePerPower <= 0 {
		cfg.StakePerPower = 1
	}
	return &Registry{
		cfg:       cfg,
		source:    source,
		logger:    logger.With().Str("component", "registry").Logger(),
		snapshots: make(map[uint64]*types.Epoch),
		stakes:    make(map[types.Address]int64),
		ejected:   make(map[types.Address]bool),
	}
}

// Rotate recomputes the active set for the given epoch from the stake
// source, freezes it, and emits a SetDelta. Deterministic given identical
// stake inputs: candidates are ordered by descending stake with the address
// as tie-break, then truncated to MaxValidators. The anchor (latest
// finalized block hash) seeds the epoch's verifiable randomness.
func (r *Registry) Rotate(epoch uint64, anchor types.Hash) (*SetDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates, err := r.source.Candidates()
	if err != nil {
		return nil, fmt.Errorf("reading stake source: %w", err)
	}

	type entry struct {
		addr  types.Address
		pub   types.PublicKey
		stake int64
	}
	eligible := make([]entry, 0, len(candidates))
	for _, c := range candidates {
		addr := c.PubKey.Address()
		stake := c.Stake
		// Carry any penalty applied during the closing epoch.
		if live, ok := r.stakes[addr]; ok && live < stake {
			stake = live
		}
		if stake < r.cfg.MinStake || r.ejected[addr] {
			continue
		}
		eligible = append(eligible, entry{addr: addr, pub: c.PubKey, stake: stake})
	}
	if len(eligible) == 0 {
		return nil, ErrNoCandidates
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].stake != eligible[j].stake {
			return eligible[i].stake > eligible[j].stake
		}
		return eligible[i].addr.String() < eligible[j].addr.String()
	})
	if r.cfg.MaxValidators > 0 && len(eligible) > r.cfg.MaxValidators {
		eligible = eligible[:r.cfg.MaxValidators]
	}

	validators := make([]*types.Validator, len(eligible))
	for i, e := range eligible {
		validators[i] = &types.Validator{
			Address:     e.addr,
			PubKey:      e.pub,
			VotingPower: e.stake / r.cfg.StakePerPower,
		}
	}
	set, err := types.NewValidatorSet(validators)
	if err != nil {
		return nil, fmt.Errorf("building validator set: %w", err)
	}

	delta := r.diff(epoch, set)

	firstSlot := epoch * r.cfg.EpochLength
	next := &types.Epoch{
		Number:    epoch,
		FirstSlot: firstSlot,
		LastSlot:  firstSlot + r.cfg.EpochLength - 1,
		Seed:      types.EpochSeed(r.cfg.ChainID, epoch, anchor),
		Set:       set,
	}
	r.current = next
	r.snapshots[epoch] = next

	// Reset the live view for the new epoch.
	r.stakes = make(map[types.Address]int64, len(eligible))
	for _, e := range eligible {
		r.stakes[e.addr] = e.stake
	}
	r.ejected = make(map[types.Address]bool)

	r.logger.Info().
		Uint64("epoch", epoch).
		Int("validators", set.Size()).
		Int64("total_power", set.TotalPower).
		Msg("validator set rotated")

	r.notify(delta)
	return delta, nil
}

func (r *Registry) diff(epoch uint64, next *types.ValidatorSet) *SetDelta {
	delta := &SetDelta{Epoch: epoch}
	if r.current == nil {
		for _, v := range next.Validators {
			delta.Added = append(delta.Added, v.Address)
		}
		return delta
	}
	prev := r.current.Set
	for _, v := range next.Validators {
		old := prev.GetByAddress(v.Address)
		switch {
		case old == nil:
			delta.Added = append(delta.Added, v.Address)
		case old.VotingPower != v.VotingPower:
			delta.Updated = append(delta.Updated, v.Address)
		}
	}
	for _, v := range prev.Validators {
		if next.GetByAddress(v.Address) == nil {
			delta.Removed = append(delta.Removed, v.Address)
		}
	}
	return delta
}

// ApplySlash deducts stake from a validator, clamping at zero. If the
// remaining stake falls below the minimum the validator is ejected for the
// rest of the epoch and excluded from the next set. Returns the new stake.
func (r *Registry) ApplySlash(addr types.Address, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stake, ok := r.stakes[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownValidator, addr)
	}

	stake -= amount
	if stake < 0 {
		stake = 0
	}
	r.stakes[addr] = stake

	if stake < r.cfg.MinStake {
		r.ejected[addr] = true
	}

	r.logger.Warn().
		Stringer("validator", addr).
		Int64("amount", amount).
		Int64("remaining", stake).
		Bool("ejected", r.ejected[addr]).
		Msg("stake slashed")

	return stake, nil
}

// Stake returns the live stake of a validator within the current epoch.
func (r *Registry) Stake(addr types.Address) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stake, ok := r.stakes[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownValidator, addr)
	}
	return stake, nil
}

// Eject immediately removes a validator from vote counting for the rest of
// the epoch. Historical votes already cast remain valid; the stake table is
// untouched (ApplySlash handles that separately).
func (r *Registry) Eject(addr types.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stakes[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, addr)
	}
	r.ejected[addr] = true
	r.logger.Warn().Stringer("validator", addr).Msg("validator ejected")
	return nil
}

// IsEjected reports whether a validator was ejected within the live epoch.
func (r *Registry) IsEjected(addr types.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ejected[addr]
}

// CurrentEpoch returns the epoch in progress, or an error before the first
// rotation.
func (r *Registry) CurrentEpoch() (*types.Epoch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil, ErrNoEpoch
	}
	return r.current, nil
}

// Snapshot returns the frozen epoch record for a past epoch number.
func (r *Registry) Snapshot(epoch uint64) (*types.Epoch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.snapshots[epoch]
	return e, ok
}

// RecordParticipation updates a validator's performance counters for one
// voting duty.
func (r *Registry) RecordParticipation(addr types.Address, voted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	v := r.current.Set.GetByAddress(addr)
	if v == nil {
		return
	}
	if voted {
		v.VotesCast++
	} else {
		v.VotesMissed++
	}
}

// Subscribe returns a channel receiving SetDelta events for every rotation.
// Events are dropped rather than blocking a slow subscriber.
func (r *Registry) Subscribe() <-chan SetDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan SetDelta, 8)
	r.subs = append(r.subs, ch)
	return ch
}

func (r *Registry) notify(delta *SetDelta) {
	for _, ch := range r.subs {
		select {
		case ch <- *delta:
		default:
			// Subscriber is behind; it will resync from CurrentEpoch.
		}
	}
}
