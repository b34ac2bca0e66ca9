package types

import (
	"errors"
	"fmt"
	"sort"
)

// Constants
const (
	// MaxValidators is the maximum number of validators in a set.
	// Limited by uint16 index and practical performance considerations.
	MaxValidators = 65535

	// MaxTotalVotingPower prevents overflow in quorum arithmetic.
	MaxTotalVotingPower = int64(1) << 60
)

// Errors
var (
	ErrValidatorNotFound  = errors.New("validator not found")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrInvalidVotingPower = errors.New("invalid voting power")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrTotalPowerOverflow = errors.New("total voting power overflow")
)

// ValidatorStatus is the registry lifecycle state of a validator.
type ValidatorStatus uint8

const (
	// StatusActive validators vote and may propose blocks.
	StatusActive ValidatorStatus = iota
	// StatusQueued validators have stake but did not make the active set.
	StatusQueued
	// StatusEjected validators were removed by slashing or insufficient stake.
	StatusEjected
)

func (s ValidatorStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusQueued:
		return "queued"
	case StatusEjected:
		return "ejected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Validator is a staked participant eligible to propose and vote.
// Owned by the registry; voting power is a monotonic function of stake
// and is frozen per epoch once the validator lands in a ValidatorSet.
type Validator struct {
	Address     Address         `cbor:"1,keyasint"`
	PubKey      PublicKey       `cbor:"2,keyasint"`
	VotingPower int64           `cbor:"3,keyasint"`
	Index       uint16          `cbor:"4,keyasint"`
	Status      ValidatorStatus `cbor:"5,keyasint"`

	// Participation counters, maintained by the registry across the epoch.
	// Excluded from the set hash: they change every block.
	VotesCast   uint64 `cbor:"-"`
	VotesMissed uint64 `cbor:"-"`
}

// Copy returns a deep copy of the validator.
func (v *Validator) Copy() *Validator {
	c := *v
	c.PubKey = make(PublicKey, len(v.PubKey))
	copy(c.PubKey, v.PubKey)
	return &c
}

// ValidatorSet is the frozen voting body for one epoch: an ordered list of
// active validators with index and address lookups and precomputed total
// power. Sets are immutable once built; the registry produces a fresh set
// at each rotation.
type ValidatorSet struct {
	Validators []*Validator
	TotalPower int64

	byAddress map[Address]*Validator
	byIndex   map[uint16]*Validator
}

// NewValidatorSet builds a set from validators, assigning indexes by
// position. Order matters and must be identical on all honest nodes; the
// registry guarantees this by sorting before construction.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	vs := &ValidatorSet{
		Validators: make([]*Validator, len(validators)),
		byAddress:  make(map[Address]*Validator),
		byIndex:    make(map[uint16]*Validator),
	}

	for i, v := range validators {
		if v.VotingPower <= 0 {
			return nil, ErrInvalidVotingPower
		}
		if _, exists := vs.byAddress[v.Address]; exists {
			return nil, ErrDuplicateValidator
		}
		if vs.TotalPower > MaxTotalVotingPower-v.VotingPower {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalPowerOverflow, MaxTotalVotingPower)
		}

		val := v.Copy()
		val.Index = uint16(i)
		val.Status = StatusActive
		vs.Validators[i] = val
		vs.byAddress[val.Address] = val
		vs.byIndex[uint16(i)] = val
		vs.TotalPower += val.VotingPower
	}

	return vs, nil
}

// GetByAddress returns a validator by address, or nil.
func (vs *ValidatorSet) GetByAddress(addr Address) *Validator {
	return vs.byAddress[addr]
}

// GetByIndex returns a validator by index, or nil.
func (vs *ValidatorSet) GetByIndex(index uint16) *Validator {
	return vs.byIndex[index]
}

// HasAddress returns true if the address belongs to the set.
func (vs *ValidatorSet) HasAddress(addr Address) bool {
	_, ok := vs.byAddress[addr]
	return ok
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// QuorumPower returns the voting power needed for a 2/3 supermajority.
func (vs *ValidatorSet) QuorumPower() int64 {
	return QuorumPower(vs.TotalPower, 2, 3)
}

// QuorumPower returns the minimum power whose fraction of total reaches
// num/den, i.e. ceil(total*num/den). Two quorums at this threshold overlap
// in at least ceil(total/3) power, so with Byzantine power strictly below
// total/3 every pair of quorums shares an honest validator. The fraction
// must not be configured below 2/3 without re-deriving that bound; callers
// validate that, not this helper.
func QuorumPower(total, num, den int64) int64 {
	// total <= MaxTotalVotingPower (2^60) and num < 8 in practice, so the
	// product cannot overflow int64.
	return (total*num + den - 1) / den
}

// Copy returns a deep copy of the validator set.
func (vs *ValidatorSet) Copy() *ValidatorSet {
	validators := make([]*Validator, len(vs.Validators))
	for i, v := range vs.Validators {
		validators[i] = v.Copy()
	}

	c := &ValidatorSet{
		Validators: validators,
		TotalPower: vs.TotalPower,
		byAddress:  make(map[Address]*Validator),
		byIndex:    make(map[uint16]*Validator),
	}
	for _, v := range validators {
		c.byAddress[v.Address] = v
		c.byIndex[v.Index] = v
	}
	return c
}

// Hash computes a deterministic hash of the validator set. Participation
// counters are excluded: two sets with identical composition must hash
// identically regardless of runtime state.
func (vs *ValidatorSet) Hash() Hash {
	sorted := make([]*Validator, len(vs.Validators))
	copy(sorted, vs.Validators)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	entries := make([]Validator, len(sorted))
	for i, v := range sorted {
		entries[i] = Validator{
			Address:     v.Address,
			PubKey:      v.PubKey,
			VotingPower: v.VotingPower,
			Index:       v.Index,
			Status:      v.Status,
		}
	}
	return HashBytes(mustMarshalCanonical(entries))
}
