// Package types defines the consensus data model shared by every component
// of the finality core.
//
// # Primitives
//
// Hash, Signature, PublicKey, Address: thin wrappers over SHA-256 and
// Ed25519 with length validation on untrusted input. Everything that is
// hashed or signed goes through deterministic CBOR (MarshalCanonical), so
// all honest nodes produce identical bytes for identical values.
//
// # Validators
//
// Validator carries identity (address derived from the public key), stake-
// derived voting power, lifecycle status, and participation counters.
// ValidatorSet is the frozen voting body for one epoch: immutable once
// built, with index/address lookups and overflow-safe quorum arithmetic.
//
// # Votes and certificates
//
// Vote is a signed attestation for a block in one of two phases (prepare,
// commit). QuorumCertificate aggregates commit votes reaching a 2/3+
// supermajority and is permanent once formed. VerifyQuorumCertificate
// supports light clients and historical validation.
//
// # Anchors and evidence
//
// Checkpoint is an interval-based, supermajority-signed finality anchor.
// Evidence is an immutable record of provable misbehavior (double-signing,
// long-range equivocation, unavailability) with a normalized hash used for
// exactly-once processing.
//
// All types in this package are plain data: no goroutines, no locks, no
// side effects. Mutation and synchronization live in the packages that own
// each piece of state.
package types
