package types

import (
	"errors"
	"fmt"
)

// VotePhase distinguishes the two finality phases. A block needs an
// independent supermajority in each phase before it is finalized.
type VotePhase uint8

const (
	VotePhaseUnknown VotePhase = iota
	// VotePhasePrepare is the first phase: validators attest they have seen
	// a valid candidate on the canonical branch.
	VotePhasePrepare
	// VotePhaseCommit is the second phase: validators attest they have seen
	// a prepare supermajority for the candidate.
	VotePhaseCommit
)

func (p VotePhase) String() string {
	switch p {
	case VotePhasePrepare:
		return "prepare"
	case VotePhaseCommit:
		return "commit"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Errors
var (
	ErrInvalidVote         = errors.New("invalid vote")
	ErrVoteConflict        = errors.New("conflicting vote")
	ErrDuplicateVote       = errors.New("duplicate vote")
	ErrUnexpectedVotePhase = errors.New("unexpected vote phase")
)

// Vote is one validator's signed attestation for a block at a height and
// round, in one phase. Votes are append-only: two votes from the same
// validator for the same (height, round, phase) with different block hashes
// are equivocation evidence.
type Vote struct {
	Phase          VotePhase `cbor:"1,keyasint"`
	Height         int64     `cbor:"2,keyasint"`
	Round          int32     `cbor:"3,keyasint"`
	BlockHash      Hash      `cbor:"4,keyasint"`
	Timestamp      int64     `cbor:"5,keyasint"`
	Validator      Address   `cbor:"6,keyasint"`
	ValidatorIndex uint16    `cbor:"7,keyasint"`
	Signature      Signature `cbor:"8,keyasint,omitempty"`
}

// Copy returns a deep copy of the vote.
func (v *Vote) Copy() *Vote {
	if v == nil {
		return nil
	}
	c := *v
	c.Signature = v.Signature.Copy()
	return &c
}

// Equal reports whether two votes carry the same attestation (signature
// excluded: the same payload signed twice is still the same vote).
func (v *Vote) Equal(other *Vote) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.Phase == other.Phase &&
		v.Height == other.Height &&
		v.Round == other.Round &&
		v.BlockHash == other.BlockHash &&
		v.ValidatorIndex == other.ValidatorIndex
}

// VoteSignBytes returns the canonical bytes to sign for a vote. The chain ID
// is prepended so signatures cannot be replayed across chains.
func VoteSignBytes(chainID string, v *Vote) []byte {
	canonical := &Vote{
		Phase:          v.Phase,
		Height:         v.Height,
		Round:          v.Round,
		BlockHash:      v.BlockHash,
		Timestamp:      v.Timestamp,
		Validator:      v.Validator,
		ValidatorIndex: v.ValidatorIndex,
		// Signature is omitted for signing
	}
	return append([]byte(chainID), mustMarshalCanonical(canonical)...)
}

// VerifyVoteSignature verifies the signature on a vote.
func VerifyVoteSignature(chainID string, vote *Vote, pubKey PublicKey) error {
	if vote == nil {
		return ErrInvalidVote
	}
	if len(vote.Signature) == 0 {
		return fmt.Errorf("%w: vote has no signature", ErrInvalidVote)
	}
	if !VerifySignature(pubKey, VoteSignBytes(chainID, vote), vote.Signature) {
		return fmt.Errorf("%w: bad vote signature", ErrInvalidVote)
	}
	return nil
}

// QCSignature is one validator's contribution to a quorum certificate.
type QCSignature struct {
	ValidatorIndex uint16    `cbor:"1,keyasint"`
	Timestamp      int64     `cbor:"2,keyasint"`
	Signature      Signature `cbor:"3,keyasint"`
}

// QuorumCertificate proves that validators holding a supermajority of
// voting power cast commit votes for one block. Once formed it is permanent:
// no block conflicting with the certified block's ancestry may ever be
// finalized.
type QuorumCertificate struct {
	Height     int64         `cbor:"1,keyasint"`
	Round      int32         `cbor:"2,keyasint"`
	BlockHash  Hash          `cbor:"3,keyasint"`
	Signatures []QCSignature `cbor:"4,keyasint"`
}

// Copy returns a deep copy of the certificate.
func (qc *QuorumCertificate) Copy() *QuorumCertificate {
	if qc == nil {
		return nil
	}
	c := &QuorumCertificate{
		Height:    qc.Height,
		Round:     qc.Round,
		BlockHash: qc.BlockHash,
	}
	if len(qc.Signatures) > 0 {
		c.Signatures = make([]QCSignature, len(qc.Signatures))
		for i, sig := range qc.Signatures {
			c.Signatures[i] = QCSignature{
				ValidatorIndex: sig.ValidatorIndex,
				Timestamp:      sig.Timestamp,
				Signature:      sig.Signature.Copy(),
			}
		}
	}
	return c
}

// Hash computes the content hash of the certificate.
func (qc *QuorumCertificate) Hash() Hash {
	return HashBytes(mustMarshalCanonical(qc))
}

// Certificate verification errors
var (
	ErrInvalidCertificate     = errors.New("invalid quorum certificate")
	ErrCertHeightMismatch     = errors.New("certificate height mismatch")
	ErrCertBlockHashMismatch  = errors.New("certificate block hash mismatch")
	ErrInsufficientVotePower  = errors.New("insufficient voting power in certificate")
	ErrInvalidCertSignature   = errors.New("invalid signature in certificate")
	ErrDuplicateCertSignature = errors.New("duplicate signature in certificate")
	ErrUnknownCertValidator   = errors.New("unknown validator in certificate")
)

// VerifyQuorumCertificate verifies a certificate against a validator set.
// Used for light-client verification and historical block validation: all
// signatures must be valid commit votes from distinct known validators whose
// combined power reaches the 2/3+ quorum.
func VerifyQuorumCertificate(
	chainID string,
	valSet *ValidatorSet,
	blockHash Hash,
	height int64,
	qc *QuorumCertificate,
) error {
	if qc == nil {
		return ErrInvalidCertificate
	}
	if qc.Height != height {
		return fmt.Errorf("%w: expected %d, got %d", ErrCertHeightMismatch, height, qc.Height)
	}
	if qc.BlockHash != blockHash {
		return ErrCertBlockHashMismatch
	}
	if len(qc.Signatures) == 0 {
		return fmt.Errorf("%w: no signatures", ErrInvalidCertificate)
	}

	var votingPower int64
	seen := make(map[uint16]bool)

	for _, sig := range qc.Signatures {
		if seen[sig.ValidatorIndex] {
			return fmt.Errorf("%w: validator %d appears twice", ErrDuplicateCertSignature, sig.ValidatorIndex)
		}
		seen[sig.ValidatorIndex] = true

		val := valSet.GetByIndex(sig.ValidatorIndex)
		if val == nil {
			return fmt.Errorf("%w: index %d", ErrUnknownCertValidator, sig.ValidatorIndex)
		}

		vote := &Vote{
			Phase:          VotePhaseCommit,
			Height:         qc.Height,
			Round:          qc.Round,
			BlockHash:      qc.BlockHash,
			Timestamp:      sig.Timestamp,
			Validator:      val.Address,
			ValidatorIndex: sig.ValidatorIndex,
			Signature:      sig.Signature,
		}
		if err := VerifyVoteSignature(chainID, vote, val.PubKey); err != nil {
			return fmt.Errorf("%w: validator %d: %v", ErrInvalidCertSignature, sig.ValidatorIndex, err)
		}

		votingPower += val.VotingPower
	}

	if votingPower < valSet.QuorumPower() {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientVotePower, votingPower, valSet.QuorumPower())
	}
	return nil
}

// VerifyQuorumCertificateLight checks only voting power, without re-verifying
// signatures. For use when signatures were already verified on ingestion.
func VerifyQuorumCertificateLight(
	valSet *ValidatorSet,
	blockHash Hash,
	height int64,
	qc *QuorumCertificate,
) error {
	if qc == nil {
		return ErrInvalidCertificate
	}
	if qc.Height != height {
		return fmt.Errorf("%w: expected %d, got %d", ErrCertHeightMismatch, height, qc.Height)
	}
	if qc.BlockHash != blockHash {
		return ErrCertBlockHashMismatch
	}

	var votingPower int64
	seen := make(map[uint16]bool)
	for _, sig := range qc.Signatures {
		if seen[sig.ValidatorIndex] {
			return fmt.Errorf("%w: validator %d", ErrDuplicateCertSignature, sig.ValidatorIndex)
		}
		seen[sig.ValidatorIndex] = true

		val := valSet.GetByIndex(sig.ValidatorIndex)
		if val == nil {
			return fmt.Errorf("%w: index %d", ErrUnknownCertValidator, sig.ValidatorIndex)
		}
		votingPower += val.VotingPower
	}

	if votingPower < valSet.QuorumPower() {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientVotePower, votingPower, valSet.QuorumPower())
	}
	return nil
}
