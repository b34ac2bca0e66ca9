package slashing

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/blockberries/finberry/types"
)

// Outcome is the result of processing one evidence record.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	// OutcomeSlashed: the penalty was computed and applied.
	OutcomeSlashed
	// OutcomeExpired: the evidence is older than the retention window.
	OutcomeExpired
	// OutcomeAlreadyProcessed: a record with this evidence hash was already
	// consumed; no second penalty.
	OutcomeAlreadyProcessed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSlashed:
		return "slashed"
	case OutcomeExpired:
		return "expired"
	case OutcomeAlreadyProcessed:
		return "already-processed"
	default:
		return "unknown"
	}
}

// Registry is the slice of the validator registry the manager mutates.
type Registry interface {
	Stake(addr types.Address) (int64, error)
	ApplySlash(addr types.Address, amount int64) (int64, error)
	Eject(addr types.Address) error
}

// Config holds slashing parameters.
type Config struct {
	ChainID string

	// DoubleSignPercent is the fixed, severe penalty for equivocation,
	// as a percentage of live stake. Equivocators are also ejected from
	// vote counting for the rest of the epoch.
	DoubleSignPercent int64

	// Unavailability penalties scale with the consecutive-miss streak,
	// capped at UnavailabilityMaxPercent.
	UnavailabilityPercentPerMiss int64
	UnavailabilityMaxPercent     int64

	// Evidence older than either bound is expired, not actionable.
	MaxAgeBlocks int64
	MaxAge       time.Duration

	// ProcessedWindow bounds the evidence-hash de-duplication set. Must
	// comfortably exceed the evidence volume of one MaxAgeBlocks window:
	// records fall out of it only after they have also expired.
	ProcessedWindow int
}

// DefaultConfig returns default slashing parameters.
func DefaultConfig() Config {
	return Config{
		DoubleSignPercent:            50,
		UnavailabilityPercentPerMiss: 1,
		UnavailabilityMaxPercent:     10,
		MaxAgeBlocks:                 100000,
		MaxAge:                       48 * time.Hour,
		ProcessedWindow:              1 << 16,
	}
}

// ValidateBasic checks the configuration for internal consistency.
func (c Config) ValidateBasic() error {
	if c.ChainID == "" {
		return fmt.Errorf("chain ID must not be empty")
	}
	if c.DoubleSignPercent <= 0 || c.DoubleSignPercent > 100 {
		return fmt.Errorf("double-sign percent %d out of range (0,100]", c.DoubleSignPercent)
	}
	if c.UnavailabilityMaxPercent < c.UnavailabilityPercentPerMiss {
		return fmt.Errorf("unavailability cap below per-miss step")
	}
	if c.MaxAgeBlocks <= 0 {
		return fmt.Errorf("evidence age window must be positive")
	}
	return nil
}

// Manager consumes evidence records exactly once: it re-verifies the signed
// artifacts, de-duplicates by evidence hash, expires stale records, computes
// the penalty, and applies it through the registry. Processed records are
// retained as an immutable audit log.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	logger zerolog.Logger

	registry Registry
	valSet   *types.ValidatorSet

	processed *lru.Cache[types.Hash, struct{}]
	records   []*types.Evidence

	currentHeight int64
	currentTime   time.Time
}

// NewManager creates a Manager applying penalties through the registry.
func NewManager(cfg Config, registry Registry, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if cfg.ProcessedWindow <= 0 {
		cfg.ProcessedWindow = DefaultConfig().ProcessedWindow
	}
	processed, err := lru.New[types.Hash, struct{}](cfg.ProcessedWindow)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.With().Str("component", "slashing").Logger(),
		registry:  registry,
		processed: processed,
	}, nil
}

// SetValidatorSet installs the set used to re-verify evidence signatures.
func (m *Manager) SetValidatorSet(set *types.ValidatorSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valSet = set
}

// Update advances the manager's view of chain progress for expiry checks.
func (m *Manager) Update(height int64, blockTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentHeight = height
	m.currentTime = blockTime
}

// ProcessEvidence consumes one evidence record. Identical evidence submitted
// twice yields OutcomeAlreadyProcessed on the second call, never a double
// penalty; vote order within the record does not produce a distinct hash.
func (m *Manager) ProcessEvidence(ev *types.Evidence) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev == nil {
		return OutcomeUnknown, types.ErrInvalidEvidence
	}
	hash := ev.Hash()

	if _, ok := m.processed.Get(hash); ok {
		return OutcomeAlreadyProcessed, nil
	}
	if m.isExpiredLocked(ev) {
		return OutcomeExpired, nil
	}

	switch ev.Type {
	case types.OffenseDoubleSign, types.OffenseLongRangeEquivocation:
		if m.valSet == nil {
			return OutcomeUnknown, fmt.Errorf("%w: no validator set to verify against", types.ErrInvalidEvidence)
		}
		if err := VerifyEquivocation(ev, m.cfg.ChainID, m.valSet); err != nil {
			return OutcomeUnknown, fmt.Errorf("%w: %v", types.ErrInvalidEvidence, err)
		}
	case types.OffenseUnavailability:
		if ev.ConsecutiveMisses == 0 {
			return OutcomeUnknown, fmt.Errorf("%w: unavailability without misses", types.ErrInvalidEvidence)
		}
	default:
		return OutcomeUnknown, fmt.Errorf("%w: offense %s", types.ErrInvalidEvidence, ev.Type)
	}

	stake, err := m.registry.Stake(ev.Validator)
	if err != nil {
		// Fatal to this record, not to the registry: remember the hash so
		// the same dead evidence is not retried forever.
		m.processed.Add(hash, struct{}{})
		return OutcomeUnknown, err
	}

	penalty := m.penaltyLocked(ev, stake)
	if penalty > 0 {
		if _, err := m.registry.ApplySlash(ev.Validator, penalty); err != nil {
			m.processed.Add(hash, struct{}{})
			return OutcomeUnknown, err
		}
	}
	if ev.Type == types.OffenseDoubleSign || ev.Type == types.OffenseLongRangeEquivocation {
		// Severe offenses also stop the validator's votes from counting
		// within the live epoch; votes already cast remain valid.
		if err := m.registry.Eject(ev.Validator); err != nil {
			m.logger.Warn().Err(err).Stringer("validator", ev.Validator).Msg("ejection failed")
		}
	}

	m.processed.Add(hash, struct{}{})
	m.records = append(m.records, ev)

	m.logger.Warn().
		Stringer("validator", ev.Validator).
		Stringer("offense", ev.Type).
		Int64("height", ev.Height).
		Int64("penalty", penalty).
		Msg("evidence processed, stake slashed")
	return OutcomeSlashed, nil
}

// penaltyLocked computes the stake deduction for one offense.
func (m *Manager) penaltyLocked(ev *types.Evidence, stake int64) int64 {
	var percent int64
	switch ev.Type {
	case types.OffenseDoubleSign, types.OffenseLongRangeEquivocation:
		percent = m.cfg.DoubleSignPercent
	case types.OffenseUnavailability:
		percent = int64(ev.ConsecutiveMisses) * m.cfg.UnavailabilityPercentPerMiss
		if percent > m.cfg.UnavailabilityMaxPercent {
			percent = m.cfg.UnavailabilityMaxPercent
		}
	}
	return stake * percent / 100
}

func (m *Manager) isExpiredLocked(ev *types.Evidence) bool {
	if m.currentHeight-ev.Height > m.cfg.MaxAgeBlocks {
		return true
	}
	if !m.currentTime.IsZero() && ev.Timestamp > 0 {
		if m.currentTime.Sub(time.Unix(0, ev.Timestamp)) > m.cfg.MaxAge {
			return true
		}
	}
	return false
}

// Records returns the audit log of processed evidence.
func (m *Manager) Records() []*types.Evidence {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Evidence, len(m.records))
	copy(out, m.records)
	return out
}
