package types

import "errors"

// Checkpoint errors
var (
	ErrCheckpointNotOnInterval = errors.New("height not on checkpoint interval")
	ErrCheckpointRegression    = errors.New("checkpoint height below latest sealed checkpoint")
	ErrCheckpointMismatch      = errors.New("checkpoint conflicts with finalized block")
)

// CheckpointSignature is one validator's signature over a checkpoint message.
type CheckpointSignature struct {
	ValidatorIndex uint16    `cbor:"1,keyasint"`
	Signature      Signature `cbor:"2,keyasint"`
}

// Checkpoint is a periodic supermajority-signed finality anchor. Once
// sealed it is a non-revocable lower bound for all future fork resolution,
// and a batched finality signal cheap enough for light clients that cannot
// track every block-level vote.
type Checkpoint struct {
	Height     int64                 `cbor:"1,keyasint"`
	BlockHash  Hash                  `cbor:"2,keyasint"`
	StateRoot  Hash                  `cbor:"3,keyasint"`
	Signatures []CheckpointSignature `cbor:"4,keyasint"`
}

// checkpointMessage is the fixed payload every validator signs for a
// checkpoint. It deliberately excludes signatures so all signers produce
// bytes over the same message.
type checkpointMessage struct {
	Height    int64 `cbor:"1,keyasint"`
	BlockHash Hash  `cbor:"2,keyasint"`
	StateRoot Hash  `cbor:"3,keyasint"`
}

// CheckpointSignBytes returns the canonical bytes each validator signs for
// a checkpoint at the given height.
func CheckpointSignBytes(chainID string, height int64, blockHash, stateRoot Hash) []byte {
	msg := checkpointMessage{Height: height, BlockHash: blockHash, StateRoot: stateRoot}
	return append([]byte(chainID), mustMarshalCanonical(&msg)...)
}

// Copy returns a deep copy of the checkpoint.
func (cp *Checkpoint) Copy() *Checkpoint {
	if cp == nil {
		return nil
	}
	c := &Checkpoint{
		Height:    cp.Height,
		BlockHash: cp.BlockHash,
		StateRoot: cp.StateRoot,
	}
	if len(cp.Signatures) > 0 {
		c.Signatures = make([]CheckpointSignature, len(cp.Signatures))
		for i, sig := range cp.Signatures {
			c.Signatures[i] = CheckpointSignature{
				ValidatorIndex: sig.ValidatorIndex,
				Signature:      sig.Signature.Copy(),
			}
		}
	}
	return c
}
