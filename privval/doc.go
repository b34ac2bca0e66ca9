// Package privval manages the validator's signing identity.
//
// The Signer interface signs votes and checkpoint attestations. FilePV is
// the file-backed implementation: it persists the last sign state before
// releasing any vote signature, so a validator cannot be tricked into
// equivocating by a crash, a restart, or a replayed request.
package privval
