package types

// BlockHeader carries everything the consensus core needs from a block:
// ancestry, height, the state-transition commitment, and proposer identity.
type BlockHeader struct {
	ChainID       string  `cbor:"1,keyasint"`
	Height        int64   `cbor:"2,keyasint"`
	Time          int64   `cbor:"3,keyasint"`
	ParentHash    Hash    `cbor:"4,keyasint"`
	StateRoot     Hash    `cbor:"5,keyasint"`
	ValidatorsHash Hash   `cbor:"6,keyasint"`
	Proposer      Address `cbor:"7,keyasint"`
	ProposerIndex uint16  `cbor:"8,keyasint"`
}

// Block is a header plus an ordered transaction payload, opaque to this
// core. ParentQC certifies the parent's finalization, letting late joiners
// verify history without the full vote stream. Blocks are immutable once
// created and referenced everywhere by content hash.
type Block struct {
	Header   BlockHeader        `cbor:"1,keyasint"`
	Txs      [][]byte           `cbor:"2,keyasint,omitempty"`
	ParentQC *QuorumCertificate `cbor:"3,keyasint,omitempty"`
	Evidence [][]byte           `cbor:"4,keyasint,omitempty"`
}

// Hash computes the block's content hash. Only the header is hashed; the
// payload is committed through StateRoot by the execution layer.
func (b *Block) Hash() Hash {
	if b == nil {
		return Hash{}
	}
	return b.Header.Hash()
}

// Hash computes the header's content hash.
func (h *BlockHeader) Hash() Hash {
	if h == nil {
		return Hash{}
	}
	return HashBytes(mustMarshalCanonical(h))
}

// Copy returns a deep copy of the block.
func (b *Block) Copy() *Block {
	if b == nil {
		return nil
	}
	c := &Block{Header: b.Header}
	if len(b.Txs) > 0 {
		c.Txs = make([][]byte, len(b.Txs))
		for i, tx := range b.Txs {
			c.Txs[i] = append([]byte(nil), tx...)
		}
	}
	if len(b.Evidence) > 0 {
		c.Evidence = make([][]byte, len(b.Evidence))
		for i, ev := range b.Evidence {
			c.Evidence[i] = append([]byte(nil), ev...)
		}
	}
	c.ParentQC = b.ParentQC.Copy()
	return c
}
