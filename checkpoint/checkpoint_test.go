package checkpoint

import (
	"crypto/ed25519"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/finberry/types"
)

const testChainID = "test-chain"

type testVal struct {
	priv  ed25519.PrivateKey
	index uint16
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
		tvs[i] = &testVal{priv: priv, index: uint16(i)}
		vals[i] = &types.Validator{Address: pub.Address(), PubKey: pub, VotingPower: p}
	}
	set, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return tvs, set
}

func newSystem(t *testing.T, interval int64, set *types.ValidatorSet, onSeal func(*types.Checkpoint)) *System {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	cfg.Interval = interval
	s, err := New(cfg, onSeal, zerolog.Nop())
	require.NoError(t, err)
	s.SetValidatorSet(set)
	return s
}

func (tv *testVal) sign(t *testing.T, s *System, height int64) types.Signature {
	t.Helper()
	msg, err := s.SignBytes(height)
	require.NoError(t, err)
	return ed25519.Sign(tv.priv, msg)
}

func TestOnFinalizedIntervalTrigger(t *testing.T) {
	_, set := makeVals(t, 25, 25, 25, 25)
	s := newSystem(t, 10, set, nil)

	require.False(t, s.OnFinalized(7, types.HashBytes([]byte("b7")), types.Hash{}))
	require.True(t, s.OnFinalized(10, types.HashBytes([]byte("b10")), types.Hash{}))
	// Re-reporting the same height keeps the round open, no new round
	require.True(t, s.OnFinalized(10, types.HashBytes([]byte("b10")), types.Hash{}))
}

func TestSealAtQuorum(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	var sealed []*types.Checkpoint
	s := newSystem(t, 10, set, func(cp *types.Checkpoint) { sealed = append(sealed, cp) })

	blockHash := types.HashBytes([]byte("b10"))
	stateRoot := types.HashBytes([]byte("state"))
	require.True(t, s.OnFinalized(10, blockHash, stateRoot))

	// Two signatures: 50 < 67, not sealed yet
	for _, tv := range tvs[:2] {
		cp, err := s.AddSignature(10, tv.index, tv.sign(t, s, 10))
		require.NoError(t, err)
		require.Nil(t, cp)
	}

	// Third signature completes the quorum
	cp, err := s.AddSignature(10, tvs[2].index, tvs[2].sign(t, s, 10))
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, int64(10), cp.Height)
	require.Equal(t, blockHash, cp.BlockHash)
	require.Equal(t, stateRoot, cp.StateRoot)
	require.Len(t, cp.Signatures, 3)
	require.Len(t, sealed, 1)

	require.NoError(t, s.Verify(cp, set))
}

func TestDuplicateSignatureCountsOnce(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	s := newSystem(t, 10, set, nil)
	s.OnFinalized(10, types.HashBytes([]byte("b10")), types.Hash{})

	sig := tvs[0].sign(t, s, 10)
	cp, err := s.AddSignature(10, tvs[0].index, sig)
	require.NoError(t, err)
	require.Nil(t, cp)

	// Same validator again: counted once, still no seal
	cp, err = s.AddSignature(10, tvs[0].index, sig)
	require.NoError(t, err)
	require.Nil(t, cp)

	cp, err = s.AddSignature(10, tvs[1].index, tvs[1].sign(t, s, 10))
	require.NoError(t, err)
	require.Nil(t, cp, "two distinct signers hold 50 of 100, below quorum")
}

func TestBadSignatureRejected(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	s := newSystem(t, 10, set, nil)
	s.OnFinalized(10, types.HashBytes([]byte("b10")), types.Hash{})

	// Signature from the wrong key for this index
	_, err := s.AddSignature(10, tvs[0].index, tvs[1].sign(t, s, 10))
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = s.AddSignature(10, 99, tvs[0].sign(t, s, 10))
	require.ErrorIs(t, err, ErrUnknownValidator)
}

func TestSealingIdempotent(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	var seals int
	s := newSystem(t, 10, set, func(*types.Checkpoint) { seals++ })
	s.OnFinalized(10, types.HashBytes([]byte("b10")), types.Hash{})

	for _, tv := range tvs[:3] {
		_, err := s.AddSignature(10, tv.index, tv.sign(t, s, 10))
		require.NoError(t, err)
	}
	require.Equal(t, 1, seals)

	// Late signature for the sealed height is a no-op, not an error
	cp, err := s.AddSignature(10, tvs[3].index, tvs[3].sign(t, s, 10))
	require.NoError(t, err)
	require.Nil(t, cp)
	require.Equal(t, 1, seals)

	// Re-reporting the sealed height opens nothing
	require.False(t, s.OnFinalized(10, types.HashBytes([]byte("b10")), types.Hash{}))
}

func TestSealedHeightsStrictlyIncrease(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	s := newSystem(t, 10, set, nil)

	seal := func(height int64) {
		t.Helper()
		require.True(t, s.OnFinalized(height, types.HashBytes([]byte{byte(height)}), types.Hash{}))
		for _, tv := range tvs[:3] {
			_, err := s.AddSignature(height, tv.index, tv.sign(t, s, height))
			require.NoError(t, err)
		}
	}

	seal(20)
	require.Equal(t, int64(20), s.Latest().Height)

	// A lower interval height arriving late cannot open a round
	require.False(t, s.OnFinalized(10, types.HashBytes([]byte("late")), types.Hash{}))

	seal(30)
	require.Equal(t, int64(30), s.Latest().Height)
	require.NotNil(t, s.Sealed(20))
}

func TestLowerOpenRoundDiscardedOnSeal(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	s := newSystem(t, 10, set, nil)

	// Open 10, then seal 20 first
	require.True(t, s.OnFinalized(10, types.HashBytes([]byte("b10")), types.Hash{}))
	require.True(t, s.OnFinalized(20, types.HashBytes([]byte("b20")), types.Hash{}))
	for _, tv := range tvs[:3] {
		_, err := s.AddSignature(20, tv.index, tv.sign(t, s, 20))
		require.NoError(t, err)
	}

	// The stale round at 10 is gone
	_, err := s.AddSignature(10, tvs[0].index, nil)
	require.ErrorIs(t, err, ErrNoOpenRound)
}

func TestRestoreAdoptsRecoveredSeal(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	var seals int
	s := newSystem(t, 10, set, func(*types.Checkpoint) { seals++ })

	recovered := &types.Checkpoint{
		Height:    20,
		BlockHash: types.HashBytes([]byte("b20")),
		StateRoot: types.HashBytes([]byte("state")),
	}
	require.NoError(t, s.Restore(recovered))
	require.Equal(t, 0, seals, "restoring must not re-fire the seal callback")
	require.Equal(t, int64(20), s.Latest().Height)

	// Monotonicity holds across the restore boundary
	require.NoError(t, s.Restore(&types.Checkpoint{Height: 10}))
	require.Equal(t, int64(20), s.Latest().Height)
	require.False(t, s.OnFinalized(10, types.HashBytes([]byte("late")), types.Hash{}))

	// Sealing continues above the restored height
	require.True(t, s.OnFinalized(30, types.HashBytes([]byte("b30")), types.Hash{}))
	for _, tv := range tvs[:3] {
		_, err := s.AddSignature(30, tv.index, tv.sign(t, s, 30))
		require.NoError(t, err)
	}
	require.Equal(t, 1, seals)
	require.Equal(t, int64(30), s.Latest().Height)
}

func TestVerifyRejectsSubQuorum(t *testing.T) {
	tvs, set := makeVals(t, 25, 25, 25, 25)
	s := newSystem(t, 10, set, nil)
	s.OnFinalized(10, types.HashBytes([]byte("b10")), types.Hash{})

	msg, err := s.SignBytes(10)
	require.NoError(t, err)

	cp := &types.Checkpoint{
		Height:    10,
		BlockHash: types.HashBytes([]byte("b10")),
		Signatures: []types.CheckpointSignature{
			{ValidatorIndex: 0, Signature: ed25519.Sign(tvs[0].priv, msg)},
			{ValidatorIndex: 1, Signature: ed25519.Sign(tvs[1].priv, msg)},
		},
	}
	require.ErrorIs(t, s.Verify(cp, set), types.ErrInsufficientVotePower)
}
