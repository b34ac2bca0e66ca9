package finality

import "errors"

// Gadget errors
var (
	ErrHalted           = errors.New("finality gadget halted after safety violation")
	ErrUnknownValidator = errors.New("unknown validator")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrConflictingVote  = errors.New("conflicting vote (equivocation)")
	ErrInvalidVote      = errors.New("invalid vote")
	ErrInvalidHeight    = errors.New("invalid height")
	ErrNoValidatorSet   = errors.New("no validator set installed")
	ErrQuorumTooLow     = errors.New("quorum fraction below fault-tolerance bound")
)
