package scheduler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockberries/finberry/types"
)

// Errors
var (
	ErrNoEpoch     = errors.New("no epoch installed")
	ErrSlotOutside = errors.New("slot outside current epoch")
)

// Policy selects how block-production duty is assigned per slot. Fixed at
// configuration time; the active policy never changes mid-run.
type Policy uint8

const (
	// PolicyRoundRobin walks the active set in index order.
	PolicyRoundRobin Policy = iota
	// PolicyWeightedRandom selects proportionally to voting power, seeded
	// by the epoch's verifiable random seed: unpredictable before the seed
	// is revealed, independently recomputable afterward.
	PolicyWeightedRandom
)

func (p Policy) String() string {
	switch p {
	case PolicyRoundRobin:
		return "round-robin"
	case PolicyWeightedRandom:
		return "weighted-random"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "round-robin":
		return PolicyRoundRobin, nil
	case "weighted-random":
		return PolicyWeightedRandom, nil
	default:
		return 0, fmt.Errorf("unknown leader policy %q", s)
	}
}

// Scheduler assigns block-production duty per slot over the current
// epoch's frozen validator set. All selection is deterministic: every
// honest node computes the same leader and the same backup order.
type Scheduler struct {
	mu     sync.RWMutex
	policy Policy
	logger zerolog.Logger

	epoch *types.Epoch
	// cumulative[i] is the sum of voting power of validators [0..i].
	// Validator i owns the half-open draw range [cumulative[i-1], cumulative[i]).
	cumulative []int64
}

// New creates a Scheduler with the given policy. An epoch must be installed
// via SetEpoch before leaders can be computed.
func New(policy Policy, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		policy: policy,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// SetEpoch installs the frozen set for a new epoch and precomputes the
// cumulative weight table used by weighted selection.
func (s *Scheduler) SetEpoch(epoch *types.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch = epoch
	s.cumulative = make([]int64, epoch.Set.Size())
	var sum int64
	for i, v := range epoch.Set.Validators {
		sum += v.VotingPower
		s.cumulative[i] = sum
	}

	s.logger.Debug().
		Uint64("epoch", epoch.Number).
		Int("validators", epoch.Set.Size()).
		Stringer("policy", s.policy).
		Msg("epoch installed")
}

// LeaderFor returns the validator assigned to produce the block for slot.
func (s *Scheduler) LeaderFor(slot uint64) (*types.Validator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candidateLocked(slot, 0)
}

// BackupsFor returns the next n distinct candidates after the assigned
// leader, in takeover order. When the leader misses its window, backups
// take over in this order; the list is precomputable by every node, so
// handoff needs no coordination.
func (s *Scheduler) BackupsFor(slot uint64, n int) ([]*types.Validator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.epoch == nil {
		return nil, ErrNoEpoch
	}
	leader, err := s.candidateLocked(slot, 0)
	if err != nil {
		return nil, err
	}

	size := s.epoch.Set.Size()
	if n > size-1 {
		n = size - 1
	}

	backups := make([]*types.Validator, 0, n)
	seen := map[uint16]bool{leader.Index: true}
	// Bounded: with k distinct draws over the set, at most size*draw
	// attempts are needed; bail out once every validator was seen.
	for draw := uint64(1); len(backups) < n && len(seen) < size; draw++ {
		c, err := s.candidateLocked(slot, draw)
		if err != nil {
			return nil, err
		}
		if seen[c.Index] {
			continue
		}
		seen[c.Index] = true
		backups = append(backups, c)
	}
	return backups, nil
}

// candidateLocked computes the draw-th candidate for a slot. Draw 0 is the
// leader; higher draws feed the backup list.
func (s *Scheduler) candidateLocked(slot uint64, draw uint64) (*types.Validator, error) {
	if s.epoch == nil {
		return nil, ErrNoEpoch
	}
	if !s.epoch.Contains(slot) {
		return nil, fmt.Errorf("%w: slot %d, epoch [%d,%d]",
			ErrSlotOutside, slot, s.epoch.FirstSlot, s.epoch.LastSlot)
	}

	set := s.epoch.Set
	switch s.policy {
	case PolicyRoundRobin:
		idx := (slot + draw) % uint64(set.Size())
		return set.Validators[idx], nil

	case PolicyWeightedRandom:
		target := drawTarget(s.epoch.Seed, slot, draw, set.TotalPower)
		idx := s.ownerOf(target)
		return set.Validators[idx], nil

	default:
		return nil, fmt.Errorf("unknown leader policy %d", s.policy)
	}
}

// ownerOf finds the validator owning the draw target via binary search over
// the cumulative table. Ranges are half-open, so a target landing exactly on
// a boundary belongs to the validator owning the upper sub-range.
func (s *Scheduler) ownerOf(target int64) int {
	return sort.Search(len(s.cumulative), func(i int) bool {
		return s.cumulative[i] > target
	})
}

// drawTarget derives a uniform value in [0, totalPower) from the epoch seed,
// the slot, and the draw counter.
func drawTarget(seed types.Hash, slot, draw uint64, totalPower int64) int64 {
	buf := make([]byte, 0, types.HashSize+16)
	buf = append(buf, seed[:]...)
	buf = binary.BigEndian.AppendUint64(buf, slot)
	buf = binary.BigEndian.AppendUint64(buf, draw)
	h := types.HashBytes(buf)
	v := binary.BigEndian.Uint64(h[:8])
	return int64(v % uint64(totalPower))
}
