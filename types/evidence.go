package types

import "errors"

// Evidence errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrSameBlockHash     = errors.New("votes for same block are not equivocation")
)

// OffenseType classifies provable misbehavior.
type OffenseType uint8

const (
	OffenseUnknown OffenseType = iota
	// OffenseDoubleSign: two conflicting votes for the same (height, round,
	// phase). Penalty is fixed and severe.
	OffenseDoubleSign
	// OffenseLongRangeEquivocation: conflicting votes across a finalized
	// boundary. Treated with the double-sign penalty.
	OffenseLongRangeEquivocation
	// OffenseUnavailability: consecutive missed voting duties. Penalty
	// scales with the miss streak, capped.
	OffenseUnavailability
)

func (o OffenseType) String() string {
	switch o {
	case OffenseDoubleSign:
		return "double-sign"
	case OffenseLongRangeEquivocation:
		return "long-range-equivocation"
	case OffenseUnavailability:
		return "unavailability"
	default:
		return "unknown"
	}
}

// Evidence is an immutable record of provable misbehavior. For equivocation
// offenses, VoteA and VoteB are the two conflicting signed artifacts; both
// are self-authenticating, so the record needs no witness beyond the
// signatures themselves. Consumed exactly once by the slashing manager,
// then retained as an audit record.
type Evidence struct {
	Type      OffenseType `cbor:"1,keyasint"`
	Height    int64       `cbor:"2,keyasint"`
	Validator Address     `cbor:"3,keyasint"`
	Timestamp int64       `cbor:"4,keyasint"`

	// Equivocation offenses
	VoteA *Vote `cbor:"5,keyasint,omitempty"`
	VoteB *Vote `cbor:"6,keyasint,omitempty"`

	// Unavailability offenses
	ConsecutiveMisses uint32 `cbor:"7,keyasint,omitempty"`
}

// Hash computes the de-duplication key for the evidence. Vote order is
// normalized so (A, B) and (B, A) hash identically.
func (ev *Evidence) Hash() Hash {
	norm := *ev
	if norm.VoteA != nil && norm.VoteB != nil {
		ka := string(mustMarshalCanonical(norm.VoteA))
		kb := string(mustMarshalCanonical(norm.VoteB))
		if kb < ka {
			norm.VoteA, norm.VoteB = norm.VoteB, norm.VoteA
		}
	}
	// Timestamp is observation metadata, not part of identity.
	norm.Timestamp = 0
	return HashBytes(mustMarshalCanonical(&norm))
}
