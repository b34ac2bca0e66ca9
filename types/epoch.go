package types

import "encoding/binary"

// Epoch is a contiguous numbered range of slots with a frozen validator set
// and a shared randomness seed. Immutable once the set is fixed; retained
// indefinitely for auditability.
type Epoch struct {
	Number    uint64
	FirstSlot uint64
	LastSlot  uint64
	Seed      Hash
	Set       *ValidatorSet
}

// Contains reports whether slot falls inside the epoch.
func (e *Epoch) Contains(slot uint64) bool {
	return slot >= e.FirstSlot && slot <= e.LastSlot
}

// EpochSeed derives the verifiable randomness seed for an epoch: a hash of
// the chain ID, the epoch number, and an anchor (the latest finalized block
// hash at rotation time). Unpredictable before the anchor exists, and
// independently recomputable by every node afterward.
func EpochSeed(chainID string, number uint64, anchor Hash) Hash {
	buf := make([]byte, 0, len(chainID)+8+HashSize)
	buf = append(buf, []byte(chainID)...)
	buf = binary.BigEndian.AppendUint64(buf, number)
	buf = append(buf, anchor[:]...)
	return HashBytes(buf)
}
