package wal

import (
	"errors"
	"io"

	"github.com/blockberries/finberry/types"
)

// Errors
var (
	ErrWALClosed     = errors.New("WAL is closed")
	ErrWALCorrupted  = errors.New("WAL is corrupted")
	ErrWALNotFound   = errors.New("WAL file not found")
	ErrInvalidHeight = errors.New("invalid height in WAL")
)

// MessageType identifies the kind of payload a WAL message carries.
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	MsgTypeBlock
	MsgTypeVote
	MsgTypeCheckpointSig
	MsgTypeEvidence
	MsgTypeEndHeight
	MsgTypeCheckpoint
)

// Message is one durable record: every ingress message is logged before it
// mutates consensus state, and an EndHeight marker closes each finalized
// height so replay knows where to resume.
type Message struct {
	Type   MessageType `cbor:"1,keyasint"`
	Height int64       `cbor:"2,keyasint"`
	Round  int32       `cbor:"3,keyasint"`
	Data   []byte      `cbor:"4,keyasint,omitempty"`
}

// Marshal serializes the message with the canonical codec.
func (m *Message) Marshal() ([]byte, error) {
	return types.MarshalCanonical(m)
}

// Unmarshal deserializes the message.
func (m *Message) Unmarshal(data []byte) error {
	return types.UnmarshalCanonical(data, m)
}

// WAL is the write-ahead log consulted on crash recovery.
type WAL interface {
	// Write appends a message (buffered).
	Write(msg *Message) error

	// WriteSync appends a message and syncs it to disk before returning.
	WriteSync(msg *Message) error

	// FlushAndSync flushes and syncs all pending writes.
	FlushAndSync() error

	// SearchForEndHeight returns a Reader positioned just after the
	// EndHeight marker for the given height, or false if the height is not
	// in the log.
	SearchForEndHeight(height int64) (Reader, bool, error)

	// OpenReader returns a Reader over every surviving record, oldest
	// first.
	OpenReader() (Reader, error)

	// Start opens the log for writing.
	Start() error

	// Stop flushes, syncs, and closes the log.
	Stop() error
}

// Reader reads messages back from the log.
type Reader interface {
	Read() (*Message, error)
	Close() error
}

// NewBlockMessage logs a delivered candidate block.
func NewBlockMessage(block *types.Block) (*Message, error) {
	data, err := types.MarshalCanonical(block)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:   MsgTypeBlock,
		Height: block.Header.Height,
		Data:   data,
	}, nil
}

// NewVoteMessage logs a delivered vote.
func NewVoteMessage(vote *types.Vote) (*Message, error) {
	data, err := types.MarshalCanonical(vote)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:   MsgTypeVote,
		Height: vote.Height,
		Round:  vote.Round,
		Data:   data,
	}, nil
}

// checkpointSigRecord frames one delivered checkpoint signature.
type checkpointSigRecord struct {
	Height         int64           `cbor:"1,keyasint"`
	ValidatorIndex uint16          `cbor:"2,keyasint"`
	Signature      types.Signature `cbor:"3,keyasint"`
}

// NewCheckpointSigMessage logs a delivered checkpoint signature.
func NewCheckpointSigMessage(height int64, index uint16, sig types.Signature) (*Message, error) {
	data, err := types.MarshalCanonical(&checkpointSigRecord{
		Height:         height,
		ValidatorIndex: index,
		Signature:      sig,
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:   MsgTypeCheckpointSig,
		Height: height,
		Data:   data,
	}, nil
}

// NewEvidenceMessage logs detected evidence before it is processed.
func NewEvidenceMessage(ev *types.Evidence) (*Message, error) {
	data, err := types.MarshalCanonical(ev)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:   MsgTypeEvidence,
		Height: ev.Height,
		Data:   data,
	}, nil
}

// NewCheckpointMessage logs a sealed checkpoint. Once segments below the
// seal are pruned, this record is the anchor recovery re-roots on.
func NewCheckpointMessage(cp *types.Checkpoint) (*Message, error) {
	data, err := types.MarshalCanonical(cp)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:   MsgTypeCheckpoint,
		Height: cp.Height,
		Data:   data,
	}, nil
}

// NewEndHeightMessage marks a height as finalized and fully applied.
func NewEndHeightMessage(height int64) *Message {
	return &Message{
		Type:   MsgTypeEndHeight,
		Height: height,
	}
}

// DecodeBlock decodes a block from WAL message data.
func DecodeBlock(data []byte) (*types.Block, error) {
	block := &types.Block{}
	if err := types.UnmarshalCanonical(data, block); err != nil {
		return nil, err
	}
	return block, nil
}

// DecodeVote decodes a vote from WAL message data.
func DecodeVote(data []byte) (*types.Vote, error) {
	vote := &types.Vote{}
	if err := types.UnmarshalCanonical(data, vote); err != nil {
		return nil, err
	}
	return vote, nil
}

// DecodeCheckpointSig decodes a checkpoint signature from WAL message data.
func DecodeCheckpointSig(data []byte) (height int64, index uint16, sig types.Signature, err error) {
	rec := &checkpointSigRecord{}
	if err := types.UnmarshalCanonical(data, rec); err != nil {
		return 0, 0, nil, err
	}
	return rec.Height, rec.ValidatorIndex, rec.Signature, nil
}

// DecodeCheckpoint decodes a sealed checkpoint from WAL message data.
func DecodeCheckpoint(data []byte) (*types.Checkpoint, error) {
	cp := &types.Checkpoint{}
	if err := types.UnmarshalCanonical(data, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// DecodeEvidence decodes evidence from WAL message data.
func DecodeEvidence(data []byte) (*types.Evidence, error) {
	ev := &types.Evidence{}
	if err := types.UnmarshalCanonical(data, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// NopWAL is a no-op WAL for tests and non-validator nodes.
type NopWAL struct{}

func (w *NopWAL) Write(msg *Message) error                              { return nil }
func (w *NopWAL) WriteSync(msg *Message) error                          { return nil }
func (w *NopWAL) FlushAndSync() error                                   { return nil }
func (w *NopWAL) SearchForEndHeight(height int64) (Reader, bool, error) { return nil, false, nil }
func (w *NopWAL) OpenReader() (Reader, error)                           { return &NopReader{}, nil }
func (w *NopWAL) Start() error                                          { return nil }
func (w *NopWAL) Stop() error                                           { return nil }

var _ WAL = (*NopWAL)(nil)

// NopReader is a no-op reader.
type NopReader struct{}

func (r *NopReader) Read() (*Message, error) { return nil, io.EOF }
func (r *NopReader) Close() error            { return nil }

var _ Reader = (*NopReader)(nil)
