package node

import (
	"errors"
	"sync"

	"github.com/blockberries/finberry/types"
)

// Stream errors
var (
	ErrHeightPruned  = errors.New("height below stream archive")
	ErrHeightAhead   = errors.New("height not finalized yet")
	ErrStreamLagging = errors.New("stream fell behind and was closed")
)

// FinalizedRecord is one entry of the append-only finalized sequence. QC is
// set only for blocks that directly reached commit quorum; cascaded
// ancestors carry none.
type FinalizedRecord struct {
	Block *types.Block
	QC    *types.QuorumCertificate
}

// Stream is one subscriber's view of the finalized sequence. Records arrive
// strictly by ascending height. The channel closes if the subscriber falls
// too far behind; resubscribe from the last height seen.
type Stream struct {
	C <-chan FinalizedRecord

	hub *streamHub
	ch  chan FinalizedRecord
}

// Close detaches the stream.
func (s *Stream) Close() {
	s.hub.remove(s)
}

// streamHub archives finalized records and fans them out to subscribers.
// Finalization is contiguous (cascading covers every ancestor), so the
// record for height h sits at index h-base-1.
type streamHub struct {
	mu      sync.Mutex
	base    int64
	records []FinalizedRecord
	subs    map[*Stream]struct{}
}

func newStreamHub(base int64) *streamHub {
	return &streamHub{
		base: base,
		subs: make(map[*Stream]struct{}),
	}
}

const streamBuffer = 64

// append archives one finalized record and pushes it to live subscribers.
// A subscriber whose buffer is full is detached rather than stalling the
// event loop.
func (h *streamHub) append(rec FinalizedRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, rec)
	for s := range h.subs {
		select {
		case s.ch <- rec:
		default:
			delete(h.subs, s)
			close(s.ch)
		}
	}
}

// subscribe opens a stream starting at fromHeight. Archived records from
// fromHeight onward are preloaded so a client may resume from any height it
// has previously observed.
func (h *streamHub) subscribe(fromHeight int64) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if fromHeight <= h.base {
		return nil, ErrHeightPruned
	}
	tip := h.base + int64(len(h.records))
	if fromHeight > tip+1 {
		return nil, ErrHeightAhead
	}

	backlog := h.records[fromHeight-h.base-1:]
	ch := make(chan FinalizedRecord, len(backlog)+streamBuffer)
	for _, rec := range backlog {
		ch <- rec
	}

	s := &Stream{C: ch, hub: h, ch: ch}
	h.subs[s] = struct{}{}
	return s, nil
}

func (h *streamHub) remove(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// tip returns the height of the latest archived record.
func (h *streamHub) tip() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.base + int64(len(h.records))
}
