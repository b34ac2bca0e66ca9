package slashing

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/finberry/types"
)

const testChainID = "test-chain"

type testVal struct {
	priv ed25519.PrivateKey
	addr types.Address
}

func makeVals(t *testing.T, powers ...int64) ([]*testVal, *types.ValidatorSet) {
	t.Helper()
	tvs := make([]*testVal, len(powers))
	vals := make([]*types.Validator, len(powers))
	for i, p := range powers {
		seed := make([]byte, ed25519.SeedSize)
		seed[0] = byte(i + 1)
		priv := ed25519.NewKeyFromSeed(seed)
		pub := types.PublicKey(priv.Public().(ed25519.PublicKey))
		tvs[i] = &testVal{priv: priv, addr: pub.Address()}
		vals[i] = &types.Validator{Address: pub.Address(), PubKey: pub, VotingPower: p}
	}
	set, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return tvs, set
}

func (tv *testVal) vote(phase types.VotePhase, height int64, round int32, block types.Hash) *types.Vote {
	v := &types.Vote{
		Phase:     phase,
		Height:    height,
		Round:     round,
		BlockHash: block,
		Timestamp: time.Now().UnixNano(),
		Validator: tv.addr,
	}
	v.Signature = ed25519.Sign(tv.priv, types.VoteSignBytes(testChainID, v))
	return v
}

// fakeRegistry implements the Registry slice of the validator registry.
type fakeRegistry struct {
	stakes  map[types.Address]int64
	slashed map[types.Address]int64
	ejected map[types.Address]bool
}

func newFakeRegistry(stake int64, addrs ...types.Address) *fakeRegistry {
	f := &fakeRegistry{
		stakes:  make(map[types.Address]int64),
		slashed: make(map[types.Address]int64),
		ejected: make(map[types.Address]bool),
	}
	for _, a := range addrs {
		f.stakes[a] = stake
	}
	return f
}

func (f *fakeRegistry) Stake(addr types.Address) (int64, error) {
	s, ok := f.stakes[addr]
	if !ok {
		return 0, types.ErrValidatorNotFound
	}
	return s, nil
}

func (f *fakeRegistry) ApplySlash(addr types.Address, amount int64) (int64, error) {
	s, ok := f.stakes[addr]
	if !ok {
		return 0, types.ErrValidatorNotFound
	}
	s -= amount
	if s < 0 {
		s = 0
	}
	f.stakes[addr] = s
	f.slashed[addr] += amount
	return s, nil
}

func (f *fakeRegistry) Eject(addr types.Address) error {
	f.ejected[addr] = true
	return nil
}

func blockHash(tag string) types.Hash {
	return types.HashBytes([]byte(tag))
}

func newDetector(t *testing.T, set *types.ValidatorSet, maxAgeBlocks int64) *Detector {
	t.Helper()
	d := NewDetector(testChainID, maxAgeBlocks, zerolog.Nop())
	d.SetValidatorSet(set)
	return d
}

func TestObserveDetectsDoubleVote(t *testing.T) {
	tvs, set := makeVals(t, 100)
	d := newDetector(t, set, 1000)

	a := tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x"))
	ev, err := d.Observe(a)
	require.NoError(t, err)
	require.Nil(t, ev)

	// Same duty, same block: not an offense
	ev, err = d.Observe(tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")))
	require.NoError(t, err)
	require.Nil(t, ev)

	// Same duty, different block: evidence
	b := tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("y"))
	ev, err = d.Observe(b)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, types.OffenseDoubleSign, ev.Type)
	require.Equal(t, tvs[0].addr, ev.Validator)
	require.NotNil(t, ev.VoteA)
	require.NotNil(t, ev.VoteB)
}

func TestObserveDistinguishesDuties(t *testing.T) {
	tvs, set := makeVals(t, 100)
	d := newDetector(t, set, 1000)

	_, err := d.Observe(tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")))
	require.NoError(t, err)

	// Different phase, round, or height: each is a separate duty
	for _, v := range []*types.Vote{
		tvs[0].vote(types.VotePhaseCommit, 5, 0, blockHash("y")),
		tvs[0].vote(types.VotePhasePrepare, 5, 1, blockHash("y")),
		tvs[0].vote(types.VotePhasePrepare, 6, 0, blockHash("y")),
	} {
		ev, err := d.Observe(v)
		require.NoError(t, err)
		require.Nil(t, ev)
	}
}

func TestObserveLongRangeClassification(t *testing.T) {
	tvs, set := makeVals(t, 100)
	d := newDetector(t, set, 1000)
	d.Update(20, 10)

	_, err := d.Observe(tvs[0].vote(types.VotePhaseCommit, 8, 0, blockHash("x")))
	require.NoError(t, err)
	ev, err := d.Observe(tvs[0].vote(types.VotePhaseCommit, 8, 0, blockHash("y")))
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, types.OffenseLongRangeEquivocation, ev.Type)
}

// A vote with a bad signature must not occupy the duty slot: otherwise
// anyone could pre-fill a victim's future duties with garbage, and the
// evidence produced for the victim's real double-vote would pair a genuine
// vote with the forgery and fail verification everywhere.
func TestObserveRejectsForgedVote(t *testing.T) {
	tvs, set := makeVals(t, 100)
	d := newDetector(t, set, 1000)

	forged := tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("junk"))
	forged.Signature[0] ^= 0xff
	ev, err := d.Observe(forged)
	require.Error(t, err)
	require.Nil(t, ev)
	require.Zero(t, d.SeenVotes())

	// The victim's real equivocation still yields verifiable evidence
	_, err = d.Observe(tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")))
	require.NoError(t, err)
	ev, err = d.Observe(tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("y")))
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.NoError(t, VerifyEquivocation(ev, testChainID, set))
}

func TestUpdatePrunesOldVotes(t *testing.T) {
	tvs, set := makeVals(t, 100)
	d := newDetector(t, set, 10)

	_, err := d.Observe(tvs[0].vote(types.VotePhasePrepare, 1, 0, blockHash("x")))
	require.NoError(t, err)
	_, err = d.Observe(tvs[0].vote(types.VotePhasePrepare, 50, 0, blockHash("x")))
	require.NoError(t, err)
	require.Equal(t, 2, d.SeenVotes())

	d.Update(55, 50)
	require.Equal(t, 1, d.SeenVotes(), "vote at height 1 is outside the window")
}

func TestVerifyEquivocation(t *testing.T) {
	tvs, set := makeVals(t, 100, 100)

	good := &types.Evidence{
		Type:      types.OffenseDoubleSign,
		Height:    5,
		Validator: tvs[0].addr,
		VoteA:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")),
		VoteB:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("y")),
	}
	require.NoError(t, VerifyEquivocation(good, testChainID, set))

	sameBlock := &types.Evidence{
		Type:      types.OffenseDoubleSign,
		Validator: tvs[0].addr,
		VoteA:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")),
		VoteB:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")),
	}
	require.ErrorIs(t, VerifyEquivocation(sameBlock, testChainID, set), types.ErrSameBlockHash)

	crossValidator := &types.Evidence{
		Type:      types.OffenseDoubleSign,
		Validator: tvs[0].addr,
		VoteA:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")),
		VoteB:     tvs[1].vote(types.VotePhasePrepare, 5, 0, blockHash("y")),
	}
	require.ErrorIs(t, VerifyEquivocation(crossValidator, testChainID, set), ErrInvalidValidator)

	forged := &types.Evidence{
		Type:      types.OffenseDoubleSign,
		Validator: tvs[0].addr,
		VoteA:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")),
		VoteB:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("y")),
	}
	forged.VoteB.Signature[0] ^= 0xff
	require.Error(t, VerifyEquivocation(forged, testChainID, set))
}

func newManager(t *testing.T, reg Registry, set *types.ValidatorSet) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	m, err := NewManager(cfg, reg, zerolog.Nop())
	require.NoError(t, err)
	m.SetValidatorSet(set)
	return m
}

func TestProcessEvidenceSlashesAndEjects(t *testing.T) {
	tvs, set := makeVals(t, 100)
	reg := newFakeRegistry(1000, tvs[0].addr)
	m := newManager(t, reg, set)
	m.Update(10, time.Now())

	ev := &types.Evidence{
		Type:      types.OffenseDoubleSign,
		Height:    5,
		Validator: tvs[0].addr,
		Timestamp: time.Now().UnixNano(),
		VoteA:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")),
		VoteB:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("y")),
	}

	outcome, err := m.ProcessEvidence(ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeSlashed, outcome)
	require.Equal(t, int64(500), reg.slashed[tvs[0].addr], "50%% of 1000")
	require.True(t, reg.ejected[tvs[0].addr])
	require.Len(t, m.Records(), 1)
}

func TestProcessEvidenceIdempotent(t *testing.T) {
	tvs, set := makeVals(t, 100)
	reg := newFakeRegistry(1000, tvs[0].addr)
	m := newManager(t, reg, set)
	m.Update(10, time.Now())

	voteA := tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x"))
	voteB := tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("y"))
	ev := &types.Evidence{
		Type: types.OffenseDoubleSign, Height: 5, Validator: tvs[0].addr,
		Timestamp: time.Now().UnixNano(), VoteA: voteA, VoteB: voteB,
	}

	outcome, err := m.ProcessEvidence(ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeSlashed, outcome)

	outcome, err = m.ProcessEvidence(ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyProcessed, outcome)

	// Swapping the vote order does not make it new evidence
	swapped := &types.Evidence{
		Type: types.OffenseDoubleSign, Height: 5, Validator: tvs[0].addr,
		Timestamp: time.Now().UnixNano() + 1, VoteA: voteB, VoteB: voteA,
	}
	outcome, err = m.ProcessEvidence(swapped)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyProcessed, outcome)

	require.Equal(t, int64(500), reg.slashed[tvs[0].addr], "penalty applied exactly once")
}

func TestProcessEvidenceExpired(t *testing.T) {
	tvs, set := makeVals(t, 100)
	reg := newFakeRegistry(1000, tvs[0].addr)
	m := newManager(t, reg, set)
	m.Update(200_005, time.Now())

	ev := &types.Evidence{
		Type: types.OffenseDoubleSign, Height: 5, Validator: tvs[0].addr,
		Timestamp: time.Now().UnixNano(),
		VoteA:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")),
		VoteB:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("y")),
	}
	outcome, err := m.ProcessEvidence(ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeExpired, outcome)
	require.Zero(t, reg.slashed[tvs[0].addr])
}

func TestUnavailabilityPenaltyScalesAndCaps(t *testing.T) {
	tvs, set := makeVals(t, 100)
	m := newManager(t, newFakeRegistry(1000, tvs[0].addr), set)
	m.Update(10, time.Now())

	// 3 misses at 1% per miss
	require.Equal(t, int64(30), m.penaltyLocked(&types.Evidence{
		Type: types.OffenseUnavailability, ConsecutiveMisses: 3,
	}, 1000))

	// 50 misses capped at 10%
	require.Equal(t, int64(100), m.penaltyLocked(&types.Evidence{
		Type: types.OffenseUnavailability, ConsecutiveMisses: 50,
	}, 1000))
}

func TestProcessEvidenceUnknownValidator(t *testing.T) {
	tvs, set := makeVals(t, 100)
	reg := newFakeRegistry(1000) // nobody registered
	m := newManager(t, reg, set)
	m.Update(10, time.Now())

	ev := &types.Evidence{
		Type: types.OffenseDoubleSign, Height: 5, Validator: tvs[0].addr,
		Timestamp: time.Now().UnixNano(),
		VoteA:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("x")),
		VoteB:     tvs[0].vote(types.VotePhasePrepare, 5, 0, blockHash("y")),
	}
	_, err := m.ProcessEvidence(ev)
	require.Error(t, err)

	// The dead record is remembered, not retried
	outcome, err := m.ProcessEvidence(ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyProcessed, outcome)
}
