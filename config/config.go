// Package config loads node configuration from file and environment.
package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/blockberries/finberry/checkpoint"
	"github.com/blockberries/finberry/finality"
	"github.com/blockberries/finberry/forkchoice"
	"github.com/blockberries/finberry/node"
	"github.com/blockberries/finberry/registry"
	"github.com/blockberries/finberry/rewards"
	"github.com/blockberries/finberry/scheduler"
	"github.com/blockberries/finberry/slashing"
	"github.com/blockberries/finberry/types"
)

// Config is the file/env representation of node options. Enum fields are
// strings here and parsed into their closed variants by Options().
type Config struct {
	ChainID string `mapstructure:"chain_id" yaml:"chain_id"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	GenesisHash   string `mapstructure:"genesis_hash" yaml:"genesis_hash"`
	GenesisHeight int64  `mapstructure:"genesis_height" yaml:"genesis_height"`

	SlotInterval      time.Duration `mapstructure:"slot_interval" yaml:"slot_interval"`
	RoundTimeout      time.Duration `mapstructure:"round_timeout" yaml:"round_timeout"`
	RoundTimeoutDelta time.Duration `mapstructure:"round_timeout_delta" yaml:"round_timeout_delta"`

	LeaderPolicy      string `mapstructure:"leader_policy" yaml:"leader_policy"`
	ForkChoiceVariant string `mapstructure:"fork_choice_variant" yaml:"fork_choice_variant"`
	FinalityMode      string `mapstructure:"finality_mode" yaml:"finality_mode"`

	MaxValidators int    `mapstructure:"max_validators" yaml:"max_validators"`
	MinStake      int64  `mapstructure:"min_stake" yaml:"min_stake"`
	EpochLength   uint64 `mapstructure:"epoch_length" yaml:"epoch_length"`

	QuorumNumerator   int64 `mapstructure:"quorum_numerator" yaml:"quorum_numerator"`
	QuorumDenominator int64 `mapstructure:"quorum_denominator" yaml:"quorum_denominator"`
	ConfirmationDepth int64 `mapstructure:"confirmation_depth" yaml:"confirmation_depth"`

	CheckpointInterval int64 `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`

	DoubleSignPercent            int64 `mapstructure:"double_sign_percent" yaml:"double_sign_percent"`
	UnavailabilityPercentPerMiss int64 `mapstructure:"unavailability_percent_per_miss" yaml:"unavailability_percent_per_miss"`
	UnavailabilityMaxPercent     int64 `mapstructure:"unavailability_max_percent" yaml:"unavailability_max_percent"`

	BlockBudget          int64 `mapstructure:"block_budget" yaml:"block_budget"`
	ProposerShare        int64 `mapstructure:"proposer_share" yaml:"proposer_share"`
	BoostedProposerShare int64 `mapstructure:"boosted_proposer_share" yaml:"boosted_proposer_share"`

	MetricsListenAddr string `mapstructure:"metrics_listen_addr" yaml:"metrics_listen_addr"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ChainID:                      "finberry-1",
		DataDir:                      "data",
		GenesisHeight:                0,
		SlotInterval:                 time.Second,
		RoundTimeout:                 3 * time.Second,
		RoundTimeoutDelta:            500 * time.Millisecond,
		LeaderPolicy:                 "weighted-random",
		ForkChoiceVariant:            "ghost",
		FinalityMode:                 "bft",
		MaxValidators:                100,
		MinStake:                     1,
		EpochLength:                  32,
		QuorumNumerator:              2,
		QuorumDenominator:            3,
		ConfirmationDepth:            6,
		CheckpointInterval:           16,
		DoubleSignPercent:            50,
		UnavailabilityPercentPerMiss: 1,
		UnavailabilityMaxPercent:     10,
		BlockBudget:                  100,
		ProposerShare:                20,
		BoostedProposerShare:         40,
		MetricsListenAddr:            "",
	}
}

// Load reads the config file (if present) with FINBERRY_-prefixed
// environment overrides, on top of defaults.
func Load(path string) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("chain_id", def.ChainID)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("genesis_height", def.GenesisHeight)
	v.SetDefault("slot_interval", def.SlotInterval)
	v.SetDefault("round_timeout", def.RoundTimeout)
	v.SetDefault("round_timeout_delta", def.RoundTimeoutDelta)
	v.SetDefault("leader_policy", def.LeaderPolicy)
	v.SetDefault("fork_choice_variant", def.ForkChoiceVariant)
	v.SetDefault("finality_mode", def.FinalityMode)
	v.SetDefault("max_validators", def.MaxValidators)
	v.SetDefault("min_stake", def.MinStake)
	v.SetDefault("epoch_length", def.EpochLength)
	v.SetDefault("quorum_numerator", def.QuorumNumerator)
	v.SetDefault("quorum_denominator", def.QuorumDenominator)
	v.SetDefault("confirmation_depth", def.ConfirmationDepth)
	v.SetDefault("checkpoint_interval", def.CheckpointInterval)
	v.SetDefault("double_sign_percent", def.DoubleSignPercent)
	v.SetDefault("unavailability_percent_per_miss", def.UnavailabilityPercentPerMiss)
	v.SetDefault("unavailability_max_percent", def.UnavailabilityMaxPercent)
	v.SetDefault("block_budget", def.BlockBudget)
	v.SetDefault("proposer_share", def.ProposerShare)
	v.SetDefault("boosted_proposer_share", def.BoostedProposerShare)
	v.SetDefault("metrics_listen_addr", def.MetricsListenAddr)

	v.SetEnvPrefix("FINBERRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// ValidateBasic checks fields that Options() cannot express as parse errors.
func (c Config) ValidateBasic() error {
	if c.ChainID == "" {
		return fmt.Errorf("chain_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.EpochLength == 0 {
		return fmt.Errorf("epoch_length must be positive")
	}
	if c.GenesisHash != "" {
		if _, err := c.parseGenesisHash(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) parseGenesisHash() (types.Hash, error) {
	raw, err := hex.DecodeString(c.GenesisHash)
	if err != nil {
		return types.Hash{}, fmt.Errorf("genesis_hash is not hex: %w", err)
	}
	h, err := types.NewHash(raw)
	if err != nil {
		return types.Hash{}, fmt.Errorf("genesis_hash: %w", err)
	}
	return h, nil
}

// Options converts the file representation into node options.
func (c Config) Options() (node.Options, error) {
	if err := c.ValidateBasic(); err != nil {
		return node.Options{}, err
	}

	policy, err := scheduler.ParsePolicy(c.LeaderPolicy)
	if err != nil {
		return node.Options{}, err
	}
	variant, err := forkchoice.ParseVariant(c.ForkChoiceVariant)
	if err != nil {
		return node.Options{}, err
	}
	mode, err := finality.ParseMode(c.FinalityMode)
	if err != nil {
		return node.Options{}, err
	}

	var genesis types.Hash
	if c.GenesisHash != "" {
		genesis, err = c.parseGenesisHash()
		if err != nil {
			return node.Options{}, err
		}
	}

	opts := node.DefaultOptions(c.ChainID)
	opts.GenesisHash = genesis
	opts.GenesisHeight = c.GenesisHeight
	opts.SlotInterval = c.SlotInterval
	opts.RoundTimeout = c.RoundTimeout
	opts.RoundTimeoutDelta = c.RoundTimeoutDelta
	opts.SchedulerPolicy = policy

	opts.Registry = registry.Config{
		ChainID:       c.ChainID,
		MaxValidators: c.MaxValidators,
		MinStake:      c.MinStake,
		StakePerPower: 1,
		EpochLength:   c.EpochLength,
	}

	opts.ForkChoice = forkchoice.DefaultConfig()
	opts.ForkChoice.Variant = variant

	opts.Finality = finality.DefaultConfig()
	opts.Finality.ChainID = c.ChainID
	opts.Finality.Mode = mode
	opts.Finality.QuorumNumerator = c.QuorumNumerator
	opts.Finality.QuorumDenominator = c.QuorumDenominator
	opts.Finality.ConfirmationDepth = c.ConfirmationDepth

	opts.Checkpoint = checkpoint.Config{
		ChainID:           c.ChainID,
		Interval:          c.CheckpointInterval,
		QuorumNumerator:   c.QuorumNumerator,
		QuorumDenominator: c.QuorumDenominator,
	}

	opts.Slashing = slashing.DefaultConfig()
	opts.Slashing.ChainID = c.ChainID
	opts.Slashing.DoubleSignPercent = c.DoubleSignPercent
	opts.Slashing.UnavailabilityPercentPerMiss = c.UnavailabilityPercentPerMiss
	opts.Slashing.UnavailabilityMaxPercent = c.UnavailabilityMaxPercent

	opts.Rewards = rewards.Config{
		BlockBudget:                 c.BlockBudget,
		ProposerShare:               c.ProposerShare,
		BoostedProposerShare:        c.BoostedProposerShare,
		LowParticipationNumerator:   1,
		LowParticipationDenominator: 2,
	}

	if err := opts.ValidateBasic(); err != nil {
		return node.Options{}, err
	}
	return opts, nil
}

// WALDir returns the write-ahead log directory under the data dir.
func (c Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// KeyFile returns the signer key path under the data dir.
func (c Config) KeyFile() string {
	return filepath.Join(c.DataDir, "priv_validator_key.json")
}

// StateFile returns the signer state path under the data dir.
func (c Config) StateFile() string {
	return filepath.Join(c.DataDir, "priv_validator_state.json")
}
