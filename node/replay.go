package node

import (
	"fmt"
	"io"

	"github.com/blockberries/finberry/types"
	"github.com/blockberries/finberry/wal"
)

// replayWAL rebuilds in-memory consensus state from the log. A first pass
// locates the newest sealed checkpoint so the node can re-root above pruned
// history; the second pass feeds every surviving record through the same
// handlers as live traffic with WAL writes, signing, timers, and the vote
// timestamp drift check suppressed. Component-level idempotency makes
// replay of already-applied messages harmless, and records at or below the
// recovery root are rejected by fork choice and finality the same way any
// stale delivery is.
func (n *Node) replayWAL() error {
	anchor, records, err := n.scanWAL()
	if err != nil {
		return err
	}
	if records == 0 {
		return nil // first boot
	}

	if anchor != nil && anchor.Height > n.opts.GenesisHeight {
		if err := n.rebaseTo(anchor); err != nil {
			return fmt.Errorf("re-rooting on checkpoint %d: %w", anchor.Height, err)
		}
	}

	reader, err := n.walLog.OpenReader()
	if err != nil {
		return fmt.Errorf("opening WAL: %w", err)
	}
	defer reader.Close()

	n.replaying = true
	n.gadget.SetReplay(true)
	defer func() {
		n.gadget.SetReplay(false)
		n.replaying = false
	}()

	replayed := 0
	for {
		msg, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn tail from a crash ends recovery at the last intact
			// record.
			n.logger.Warn().Err(err).Msg("WAL replay stopped at corrupt record")
			break
		}

		switch msg.Type {
		case wal.MsgTypeBlock:
			block, derr := wal.DecodeBlock(msg.Data)
			if derr != nil {
				return fmt.Errorf("decoding block: %w", derr)
			}
			n.handleBlock(block, false)

		case wal.MsgTypeVote:
			vote, derr := wal.DecodeVote(msg.Data)
			if derr != nil {
				return fmt.Errorf("decoding vote: %w", derr)
			}
			n.handleVote(vote, false)

		case wal.MsgTypeCheckpointSig:
			height, index, sig, derr := wal.DecodeCheckpointSig(msg.Data)
			if derr != nil {
				return fmt.Errorf("decoding checkpoint signature: %w", derr)
			}
			n.handleCheckpointSig(checkpointSig{height: height, index: index, sig: sig}, false)

		case wal.MsgTypeEvidence:
			ev, derr := wal.DecodeEvidence(msg.Data)
			if derr != nil {
				return fmt.Errorf("decoding evidence: %w", derr)
			}
			n.handleEvidence(ev, false)

		case wal.MsgTypeEndHeight, wal.MsgTypeCheckpoint:
			// Markers only; the state they record is rebuilt by the
			// replayed messages (or by the recovery root).

		default:
			// Unknown types are skipped for forward compatibility.
		}
		replayed++
	}

	n.logger.Info().
		Int("messages", replayed).
		Int64("finalized_height", n.gadget.FinalizedHeight()).
		Msg("WAL replay complete")
	return nil
}

// scanWAL reads the whole log once, returning the newest sealed-checkpoint
// record and the total record count. Zero records means a true first boot;
// pruning alone can never empty the log, the active segment survives.
func (n *Node) scanWAL() (*types.Checkpoint, int, error) {
	reader, err := n.walLog.OpenReader()
	if err != nil {
		return nil, 0, fmt.Errorf("opening WAL: %w", err)
	}
	defer reader.Close()

	var anchor *types.Checkpoint
	records := 0
	for {
		msg, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			break // torn tail; the replay pass stops at the same point
		}
		records++

		if msg.Type != wal.MsgTypeCheckpoint {
			continue
		}
		cp, derr := wal.DecodeCheckpoint(msg.Data)
		if derr != nil {
			return nil, 0, fmt.Errorf("decoding checkpoint record: %w", derr)
		}
		if anchor == nil || cp.Height > anchor.Height {
			anchor = cp
		}
	}
	return anchor, records, nil
}
