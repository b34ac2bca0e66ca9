// Package node assembles the finality core into a runnable validator.
//
// One event loop owns all consensus mutation. Blocks, votes, and checkpoint
// signatures enter through the Deliver methods, are logged to the WAL, and
// flow through fork choice, the finality gadget, the checkpoint system, and
// the equivocation detector in a fixed order. Finalized blocks come out as
// an append-only stream that clients can resume from any height.
//
// When constructed with a signer the node also performs validator duties:
// prepare and commit votes for the canonical head, checkpoint attestations,
// and round escalation when a height stalls. Without a signer it is a
// passive observer with the same verification behavior.
package node
