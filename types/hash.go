package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the size of a content hash in bytes.
const HashSize = 32

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// PublicKeySize is the size of an Ed25519 public key in bytes.
const PublicKeySize = ed25519.PublicKeySize

// AddressSize is the size of a validator address in bytes.
const AddressSize = 20

// Hash is a SHA-256 content hash.
type Hash [HashSize]byte

// NewHash creates a Hash from bytes, returning an error on wrong length.
// Use for untrusted input (network, files).
func NewHash(data []byte) (Hash, error) {
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	var h Hash
	copy(h[:], data)
	return h, nil
}

// HashBytes computes the SHA-256 hash of data.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for log output.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Signature is an Ed25519 signature.
type Signature []byte

// NewSignature creates a Signature from bytes, returning an error on wrong
// length. The input is copied so the caller cannot mutate internal state.
func NewSignature(data []byte) (Signature, error) {
	if len(data) != SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	sig := make(Signature, SignatureSize)
	copy(sig, data)
	return sig, nil
}

// Copy returns a deep copy of the signature.
func (s Signature) Copy() Signature {
	if s == nil {
		return nil
	}
	c := make(Signature, len(s))
	copy(c, s)
	return c
}

// PublicKey is an Ed25519 public key.
type PublicKey []byte

// NewPublicKey creates a PublicKey from bytes, returning an error on wrong
// length. The input is copied so the caller cannot mutate internal state.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	pk := make(PublicKey, PublicKeySize)
	copy(pk, data)
	return pk, nil
}

// Equal compares two public keys.
func (pk PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(pk, other)
}

// Address derives the validator address: the first 20 bytes of the
// SHA-256 of the public key.
func (pk PublicKey) Address() Address {
	sum := sha256.Sum256(pk)
	var a Address
	copy(a[:], sum[:AddressSize])
	return a
}

// Address identifies a validator on the wire and in the registry.
type Address [AddressSize]byte

// NewAddress creates an Address from bytes, returning an error on wrong length.
func NewAddress(data []byte) (Address, error) {
	if len(data) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(data))
	}
	var a Address
	copy(a[:], data)
	return a, nil
}

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the hex-encoded address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// VerifySignature verifies an Ed25519 signature over message.
func VerifySignature(pubKey PublicKey, message []byte, sig Signature) bool {
	if len(pubKey) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig)
}
