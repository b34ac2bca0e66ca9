package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Canonical encoding for everything that is hashed or signed. Core
// deterministic CBOR guarantees that all honest nodes produce identical
// bytes for identical values, which the quorum and evidence machinery
// depends on.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: cannot build canonical encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: cannot build canonical decoder: %v", err))
	}
}

// MarshalCanonical serializes v with deterministic CBOR.
func MarshalCanonical(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCanonical deserializes data produced by MarshalCanonical.
func UnmarshalCanonical(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// mustMarshalCanonical is for values whose encoding cannot fail at runtime
// (fixed shapes built by this package). A failure here means a programming
// error in the consensus layer, so it panics rather than returning a
// half-built hash or sign-bytes buffer.
func mustMarshalCanonical(v interface{}) []byte {
	data, err := encMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: canonical marshal failed: %v", err))
	}
	return data
}
