// Package rewards prices participation. Calculate is a pure function; the
// returned mapping is applied by an external treasury collaborator.
package rewards

import (
	"fmt"

	"github.com/blockberries/finberry/types"
)

// Config holds reward parameters.
type Config struct {
	// BlockBudget is the fixed total payout per finalized block.
	BlockBudget int64
	// ProposerShare is carved out of the budget for the block producer.
	ProposerShare int64
	// BoostedProposerShare replaces ProposerShare when voted power falls
	// below the low-participation bound, compensating proposers for
	// unreliable peers.
	BoostedProposerShare int64
	// Participation below LowParticipationNumerator/Denominator of total
	// power triggers the boost.
	LowParticipationNumerator   int64
	LowParticipationDenominator int64
}

// DefaultConfig returns default reward parameters.
func DefaultConfig() Config {
	return Config{
		BlockBudget:                 100,
		ProposerShare:               20,
		BoostedProposerShare:        40,
		LowParticipationNumerator:   1,
		LowParticipationDenominator: 2,
	}
}

// ValidateBasic checks the configuration for internal consistency.
func (c Config) ValidateBasic() error {
	if c.BlockBudget <= 0 {
		return fmt.Errorf("block budget must be positive")
	}
	if c.ProposerShare < 0 || c.ProposerShare > c.BlockBudget {
		return fmt.Errorf("proposer share %d outside budget %d", c.ProposerShare, c.BlockBudget)
	}
	if c.BoostedProposerShare < c.ProposerShare || c.BoostedProposerShare > c.BlockBudget {
		return fmt.Errorf("boosted proposer share %d outside [%d,%d]",
			c.BoostedProposerShare, c.ProposerShare, c.BlockBudget)
	}
	if c.LowParticipationDenominator <= 0 || c.LowParticipationNumerator < 0 {
		return fmt.Errorf("low-participation fraction must be non-negative")
	}
	return nil
}

// Calculator splits the per-block budget between the proposer and voters.
type Calculator struct {
	cfg Config
}

// New creates a Calculator.
func New(cfg Config) (*Calculator, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg}, nil
}

// Calculate computes the payout mapping for one finalized block: the
// proposer takes its share (boosted under low participation), and the rest
// splits equally among distinct voters. A proposer who also voted collects
// both. Integer split remainders stay with the proposer so the full budget
// is always distributed. No side effects.
func (c *Calculator) Calculate(
	block *types.Block,
	votes []*types.Vote,
	set *types.ValidatorSet,
) map[types.Address]int64 {
	payout := make(map[types.Address]int64)
	if block == nil {
		return payout
	}

	// Distinct voters only; duplicate votes never pay twice
	var votedPower int64
	voters := make([]types.Address, 0, len(votes))
	seen := make(map[types.Address]bool)
	for _, v := range votes {
		if v == nil || seen[v.Validator] {
			continue
		}
		if set != nil {
			val := set.GetByAddress(v.Validator)
			if val == nil {
				continue // not in the voting body, earns nothing
			}
			votedPower += val.VotingPower
		}
		seen[v.Validator] = true
		voters = append(voters, v.Validator)
	}

	proposerShare := c.cfg.ProposerShare
	if set != nil && c.lowParticipation(votedPower, set.TotalPower) {
		proposerShare = c.cfg.BoostedProposerShare
	}

	participationBudget := c.cfg.BlockBudget - proposerShare
	proposer := block.Header.Proposer

	if len(voters) == 0 {
		payout[proposer] = c.cfg.BlockBudget
		return payout
	}

	perVoter := participationBudget / int64(len(voters))
	remainder := participationBudget - perVoter*int64(len(voters))

	payout[proposer] = proposerShare + remainder
	for _, addr := range voters {
		payout[addr] += perVoter
	}
	return payout
}

func (c *Calculator) lowParticipation(votedPower, totalPower int64) bool {
	if totalPower <= 0 {
		return true
	}
	// votedPower/totalPower < num/den, compared without division
	return votedPower*c.cfg.LowParticipationDenominator < totalPower*c.cfg.LowParticipationNumerator
}
