package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/blockberries/finberry/registry"
	"github.com/blockberries/finberry/types"
)

// genesisDoc is the chain's starting state: the identity anchor and the
// initial staked participants. Until an external staking module is wired in,
// it doubles as the stake source for every epoch.
type genesisDoc struct {
	ChainID    string             `json:"chain_id"`
	Validators []genesisValidator `json:"validators"`
}

type genesisValidator struct {
	PubKey string `json:"pub_key"`
	Stake  int64  `json:"stake"`
}

func loadGenesis(path string) (*genesisDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	doc := &genesisDoc{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}
	return doc, nil
}

func (g *genesisDoc) save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// stakeSource adapts the genesis document to the registry boundary.
type stakeSource struct {
	cands []registry.Candidate
}

func newStakeSource(doc *genesisDoc) (*stakeSource, error) {
	cands := make([]registry.Candidate, 0, len(doc.Validators))
	for i, gv := range doc.Validators {
		raw, err := hex.DecodeString(gv.PubKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d: pub_key is not hex: %w", i, err)
		}
		pk, err := types.NewPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
		cands = append(cands, registry.Candidate{PubKey: pk, Stake: gv.Stake})
	}
	return &stakeSource{cands: cands}, nil
}

func (s *stakeSource) Candidates() ([]registry.Candidate, error) {
	return s.cands, nil
}

func (s *stakeSource) CurrentStake(addr types.Address) (int64, error) {
	for _, c := range s.cands {
		if c.PubKey.Address() == addr {
			return c.Stake, nil
		}
	}
	return 0, registry.ErrUnknownValidator
}
