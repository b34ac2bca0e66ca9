package privval

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/finberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-backed Signer. The key file holds the Ed25519 key pair;
// the state file holds the last sign state and is rewritten synchronously
// before every signature is released, so a crash between signing and
// persisting can never allow a conflicting re-sign.
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	pubKey  types.PublicKey
	privKey ed25519.PrivateKey

	lastSignState LastSignState
}

type filePVKey struct {
	PubKey  []byte `json:"pub_key"`
	PrivKey []byte `json:"priv_key"`
}

type filePVState struct {
	Height        int64  `json:"height"`
	Round         int32  `json:"round"`
	Phase         uint8  `json:"phase"`
	SignBytesHash []byte `json:"sign_bytes_hash,omitempty"`
	Signature     []byte `json:"signature,omitempty"`
	BlockHash     []byte `json:"block_hash,omitempty"`
}

// LoadFilePV loads a FilePV from existing key and state files.
func LoadFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV creates a fresh key pair and writes both files. It fails
// if a key file already exists so an operator cannot silently overwrite an
// identity.
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	if _, err := os.Stat(keyFilePath); err == nil {
		return nil, fmt.Errorf("key file already exists: %s", keyFilePath)
	}

	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		pubKey:        types.PublicKey(pubKey),
		privKey:       privKey,
	}
	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// LoadOrGenerateFilePV loads an existing identity or creates one.
func LoadOrGenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	if _, err := os.Stat(keyFilePath); err == nil {
		return LoadFilePV(keyFilePath, stateFilePath)
	}
	return GenerateFilePV(keyFilePath, stateFilePath)
}

func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}

	var key filePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("parsing key file: %w", err)
	}
	if len(key.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size %d", len(key.PubKey))
	}
	if len(key.PrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size %d", len(key.PrivKey))
	}

	pv.pubKey = types.PublicKey(key.PubKey)
	pv.privKey = ed25519.PrivateKey(key.PrivKey)
	return nil
}

func (pv *FilePV) saveKey() error {
	if err := os.MkdirAll(filepath.Dir(pv.keyFilePath), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	data, err := json.MarshalIndent(filePVKey{
		PubKey:  pv.pubKey,
		PrivKey: pv.privKey,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}
	if err := os.WriteFile(pv.keyFilePath, data, keyFilePerm); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		pv.lastSignState = LastSignState{}
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}

	var state filePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing state file: %w", err)
	}

	pv.lastSignState = LastSignState{
		Height: state.Height,
		Round:  state.Round,
		Phase:  types.VotePhase(state.Phase),
	}
	if len(state.SignBytesHash) > 0 {
		h, err := types.NewHash(state.SignBytesHash)
		if err != nil {
			return fmt.Errorf("parsing state file: %w", err)
		}
		pv.lastSignState.SignBytesHash = h
	}
	if len(state.Signature) > 0 {
		sig, err := types.NewSignature(state.Signature)
		if err != nil {
			return fmt.Errorf("parsing state file: %w", err)
		}
		pv.lastSignState.Signature = sig
	}
	if len(state.BlockHash) > 0 {
		h, err := types.NewHash(state.BlockHash)
		if err != nil {
			return fmt.Errorf("parsing state file: %w", err)
		}
		pv.lastSignState.BlockHash = h
	}
	return nil
}

func (pv *FilePV) saveState() error {
	if err := os.MkdirAll(filepath.Dir(pv.stateFilePath), 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	state := filePVState{
		Height: pv.lastSignState.Height,
		Round:  pv.lastSignState.Round,
		Phase:  uint8(pv.lastSignState.Phase),
	}
	if !pv.lastSignState.SignBytesHash.IsZero() {
		state.SignBytesHash = pv.lastSignState.SignBytesHash[:]
	}
	if len(pv.lastSignState.Signature) > 0 {
		state.Signature = pv.lastSignState.Signature
	}
	if !pv.lastSignState.BlockHash.IsZero() {
		state.BlockHash = pv.lastSignState.BlockHash[:]
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(pv.stateFilePath, data, stateFilePerm); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// PubKey returns the public key.
func (pv *FilePV) PubKey() types.PublicKey {
	return pv.pubKey
}

// Address returns the validator address.
func (pv *FilePV) Address() types.Address {
	return pv.pubKey.Address()
}

// SignVote signs a vote in place after the double-sign check. Re-signing
// the identical payload returns the cached signature.
func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	if vote.Phase != types.VotePhasePrepare && vote.Phase != types.VotePhaseCommit {
		return types.ErrUnexpectedVotePhase
	}

	signBytes := types.VoteSignBytes(chainID, vote)
	signBytesHash := types.HashBytes(signBytes)

	if err := pv.lastSignState.CheckDuty(vote.Height, vote.Round, vote.Phase); err != nil {
		if err == ErrDoubleSign && signBytesHash == pv.lastSignState.SignBytesHash {
			vote.Signature = pv.lastSignState.Signature.Copy()
			return nil
		}
		return err
	}

	sig := ed25519.Sign(pv.privKey, signBytes)

	pv.lastSignState = LastSignState{
		Height:        vote.Height,
		Round:         vote.Round,
		Phase:         vote.Phase,
		SignBytesHash: signBytesHash,
		Signature:     types.Signature(sig),
		BlockHash:     vote.BlockHash,
	}
	// Persist before releasing the signature
	if err := pv.saveState(); err != nil {
		return err
	}

	vote.Signature = types.Signature(sig).Copy()
	return nil
}

// SignCheckpoint signs a checkpoint attestation.
func (pv *FilePV) SignCheckpoint(chainID string, height int64, blockHash, stateRoot types.Hash) (types.Signature, error) {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	signBytes := types.CheckpointSignBytes(chainID, height, blockHash, stateRoot)
	return types.Signature(ed25519.Sign(pv.privKey, signBytes)), nil
}

// Reset clears the last sign state. Only for tests and chain resets.
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = LastSignState{}
	return pv.saveState()
}

var _ Signer = (*FilePV)(nil)
