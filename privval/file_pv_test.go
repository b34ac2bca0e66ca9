package privval

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finberry/types"
)

func newTestPV(t *testing.T) *FilePV {
	t.Helper()
	dir := t.TempDir()
	pv, err := GenerateFilePV(filepath.Join(dir, "key.json"), filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	return pv
}

func testVote(pv *FilePV, height int64, round int32, phase types.VotePhase, blockHash types.Hash) *types.Vote {
	return &types.Vote{
		Phase:     phase,
		Height:    height,
		Round:     round,
		BlockHash: blockHash,
		Timestamp: time.Now().UnixNano(),
		Validator: pv.Address(),
	}
}

func TestSignVoteProducesValidSignature(t *testing.T) {
	pv := newTestPV(t)

	vote := testVote(pv, 1, 0, types.VotePhasePrepare, types.Hash{0x01})
	require.NoError(t, pv.SignVote("test-chain", vote))
	require.Len(t, []byte(vote.Signature), types.SignatureSize)

	require.NoError(t, types.VerifyVoteSignature("test-chain", vote, pv.PubKey()))
}

func TestDoubleSignRefused(t *testing.T) {
	pv := newTestPV(t)

	a := testVote(pv, 5, 0, types.VotePhasePrepare, types.Hash{0xaa})
	require.NoError(t, pv.SignVote("test-chain", a))

	// Different block at the same duty
	b := testVote(pv, 5, 0, types.VotePhasePrepare, types.Hash{0xbb})
	require.ErrorIs(t, pv.SignVote("test-chain", b), ErrDoubleSign)
}

func TestIdenticalVoteResignIdempotent(t *testing.T) {
	pv := newTestPV(t)

	vote := testVote(pv, 5, 0, types.VotePhasePrepare, types.Hash{0xaa})
	require.NoError(t, pv.SignVote("test-chain", vote))
	first := vote.Signature.Copy()

	vote.Signature = nil
	require.NoError(t, pv.SignVote("test-chain", vote))
	require.Equal(t, first, vote.Signature)
}

func TestRegressionRefused(t *testing.T) {
	pv := newTestPV(t)

	vote := testVote(pv, 10, 2, types.VotePhaseCommit, types.Hash{0x01})
	require.NoError(t, pv.SignVote("test-chain", vote))

	lower := testVote(pv, 9, 0, types.VotePhasePrepare, types.Hash{0x02})
	require.ErrorIs(t, pv.SignVote("test-chain", lower), ErrHeightRegression)

	lowerRound := testVote(pv, 10, 1, types.VotePhaseCommit, types.Hash{0x02})
	require.ErrorIs(t, pv.SignVote("test-chain", lowerRound), ErrRoundRegression)

	lowerPhase := testVote(pv, 10, 2, types.VotePhasePrepare, types.Hash{0x02})
	require.ErrorIs(t, pv.SignVote("test-chain", lowerPhase), ErrPhaseRegression)
}

func TestPhaseProgressionWithinRound(t *testing.T) {
	pv := newTestPV(t)

	prepare := testVote(pv, 5, 0, types.VotePhasePrepare, types.Hash{0x01})
	require.NoError(t, pv.SignVote("test-chain", prepare))

	commit := testVote(pv, 5, 0, types.VotePhaseCommit, types.Hash{0x01})
	require.NoError(t, pv.SignVote("test-chain", commit))
}

func TestSignStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.json")
	stateFile := filepath.Join(dir, "state.json")

	pv, err := GenerateFilePV(keyFile, stateFile)
	require.NoError(t, err)

	vote := testVote(pv, 5, 0, types.VotePhaseCommit, types.Hash{0xaa})
	require.NoError(t, pv.SignVote("test-chain", vote))

	// A fresh process loads the same files and must still refuse
	pv2, err := LoadFilePV(keyFile, stateFile)
	require.NoError(t, err)
	require.Equal(t, pv.Address(), pv2.Address())

	conflict := testVote(pv2, 5, 0, types.VotePhaseCommit, types.Hash{0xbb})
	require.ErrorIs(t, pv2.SignVote("test-chain", conflict), ErrDoubleSign)

	next := testVote(pv2, 6, 0, types.VotePhasePrepare, types.Hash{0xcc})
	require.NoError(t, pv2.SignVote("test-chain", next))
}

func TestGenerateRefusesExistingKey(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.json")
	stateFile := filepath.Join(dir, "state.json")

	_, err := GenerateFilePV(keyFile, stateFile)
	require.NoError(t, err)

	_, err = GenerateFilePV(keyFile, stateFile)
	require.Error(t, err)
}

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.json")
	stateFile := filepath.Join(dir, "state.json")

	pv, err := LoadOrGenerateFilePV(keyFile, stateFile)
	require.NoError(t, err)

	pv2, err := LoadOrGenerateFilePV(keyFile, stateFile)
	require.NoError(t, err)
	require.Equal(t, pv.Address(), pv2.Address())
}

func TestSignCheckpoint(t *testing.T) {
	pv := newTestPV(t)

	blockHash := types.Hash{0x01}
	stateRoot := types.Hash{0x02}
	sig, err := pv.SignCheckpoint("test-chain", 16, blockHash, stateRoot)
	require.NoError(t, err)

	signBytes := types.CheckpointSignBytes("test-chain", 16, blockHash, stateRoot)
	require.True(t, types.VerifySignature(pv.PubKey(), signBytes, sig))
}

func TestUnknownPhaseRefused(t *testing.T) {
	pv := newTestPV(t)

	vote := testVote(pv, 1, 0, types.VotePhaseUnknown, types.Hash{0x01})
	require.ErrorIs(t, pv.SignVote("test-chain", vote), types.ErrUnexpectedVotePhase)
}
