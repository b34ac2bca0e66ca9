// Package finality decides which blocks are irreversible.
//
// In BFT mode each candidate walks a two-phase state machine: prepare
// quorum moves it from Proposed to Prepared, commit quorum from Prepared
// through Committed to Finalized, and finalization cascades to every
// unfinalized ancestor. Both phases require the configured stake-weighted
// supermajority (2/3 by default, never lower) counted independently per
// phase; duplicate votes from one validator count once. Depth mode skips
// votes entirely and finalizes at a fixed confirmation depth.
//
// The gadget never un-finalizes: observing two conflicting finalized blocks
// at one height halts it and raises the operator alarm.
package finality
