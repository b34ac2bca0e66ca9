// Package slashing detects and punishes provable misbehavior.
//
// The Detector watches the vote stream: two signed votes from one validator
// for the same (height, round, phase) but different blocks are equivocation,
// provable from the signatures alone. The Manager consumes the resulting
// evidence exactly once, re-verifies it, prices the offense against live
// stake, and applies the penalty through the registry. Double-signing costs
// a fixed severe percentage and immediate ejection; unavailability scales
// with the miss streak and is capped.
package slashing
