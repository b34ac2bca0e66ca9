// Package wal implements a write-ahead log for crash recovery.
//
// Every ingress message (block, vote, checkpoint signature, evidence) is
// appended to the log before it mutates consensus state, and an EndHeight
// marker is written after each height finalizes. On restart the node
// replays the log from the last EndHeight marker to rebuild its state
// without re-requesting messages from peers.
//
// The log is segmented: frames are length-prefixed CBOR with a CRC32
// trailer, segments rotate at a size bound, and segments fully covered by
// a sealed checkpoint can be pruned.
package wal
