package privval

import (
	"errors"

	"github.com/blockberries/finberry/types"
)

// Errors
var (
	ErrDoubleSign       = errors.New("double sign attempt")
	ErrHeightRegression = errors.New("height regression")
	ErrRoundRegression  = errors.New("round regression")
	ErrPhaseRegression  = errors.New("phase regression")
)

// Signer signs finality messages for one validator identity. Implementations
// must refuse to sign a second vote for the same (height, round, phase) with
// a different block hash, even across restarts.
type Signer interface {
	// PubKey returns the validator's public key.
	PubKey() types.PublicKey

	// Address returns the validator address derived from the public key.
	Address() types.Address

	// SignVote signs a vote in place after the double-sign check.
	SignVote(chainID string, vote *types.Vote) error

	// SignCheckpoint signs a checkpoint attestation. Checkpoint signatures
	// are not subject to the vote sign-state: a checkpoint commits to an
	// already-finalized block, so no conflicting attestation is possible.
	SignCheckpoint(chainID string, height int64, blockHash, stateRoot types.Hash) (types.Signature, error)
}

// LastSignState records the most recent vote signed, for double-sign
// prevention across process restarts.
type LastSignState struct {
	Height int64
	Round  int32
	Phase  types.VotePhase

	// SignBytesHash identifies the exact signed payload. Re-signing the
	// identical vote is idempotent; any other vote at the same duty is
	// refused.
	SignBytesHash types.Hash
	Signature     types.Signature
	BlockHash     types.Hash
}

// CheckDuty reports whether signing at (height, round, phase) is allowed.
// Signing must move strictly forward in (height, round, phase) order;
// landing on the exact last duty returns ErrDoubleSign and the caller
// decides whether the payload is identical.
func (lss *LastSignState) CheckDuty(height int64, round int32, phase types.VotePhase) error {
	if lss.Height > height {
		return ErrHeightRegression
	}
	if lss.Height < height {
		return nil
	}
	if lss.Round > round {
		return ErrRoundRegression
	}
	if lss.Round < round {
		return nil
	}
	if lss.Phase > phase {
		return ErrPhaseRegression
	}
	if lss.Phase == phase {
		return ErrDoubleSign
	}
	return nil
}
