package types

import (
	"errors"
	"testing"
)

func testValidator(idx byte, power int64) *Validator {
	pk := make(PublicKey, PublicKeySize)
	pk[0] = idx
	return &Validator{
		Address:     pk.Address(),
		PubKey:      pk,
		VotingPower: power,
	}
}

func TestNewValidatorSet(t *testing.T) {
	vals := []*Validator{
		testValidator(1, 100),
		testValidator(2, 200),
		testValidator(3, 300),
	}
	vs, err := NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("NewValidatorSet failed: %v", err)
	}

	if vs.Size() != 3 {
		t.Errorf("expected 3 validators, got %d", vs.Size())
	}
	if vs.TotalPower != 600 {
		t.Errorf("expected total power 600, got %d", vs.TotalPower)
	}

	// Indexes follow position
	for i, v := range vs.Validators {
		if v.Index != uint16(i) {
			t.Errorf("validator %d has index %d", i, v.Index)
		}
		if v.Status != StatusActive {
			t.Errorf("validator %d not active", i)
		}
	}
}

func TestNewValidatorSetEmpty(t *testing.T) {
	_, err := NewValidatorSet(nil)
	if !errors.Is(err, ErrEmptyValidatorSet) {
		t.Errorf("expected ErrEmptyValidatorSet, got %v", err)
	}
}

func TestNewValidatorSetDuplicate(t *testing.T) {
	vals := []*Validator{
		testValidator(1, 100),
		testValidator(1, 100),
	}
	_, err := NewValidatorSet(vals)
	if !errors.Is(err, ErrDuplicateValidator) {
		t.Errorf("expected ErrDuplicateValidator, got %v", err)
	}
}

func TestNewValidatorSetInvalidPower(t *testing.T) {
	_, err := NewValidatorSet([]*Validator{testValidator(1, 0)})
	if !errors.Is(err, ErrInvalidVotingPower) {
		t.Errorf("expected ErrInvalidVotingPower, got %v", err)
	}
	_, err = NewValidatorSet([]*Validator{testValidator(1, -5)})
	if !errors.Is(err, ErrInvalidVotingPower) {
		t.Errorf("expected ErrInvalidVotingPower, got %v", err)
	}
}

func TestQuorumPower(t *testing.T) {
	cases := []struct {
		total int64
		want  int64
	}{
		{3, 2}, // 2/3 of 3 is exactly 2 (2 of 3 suffice)
		{4, 3}, // ceil(8/3) = 3 (3 of 4)
		{100, 67},
		{300, 200},
		{1, 1},
	}
	for _, c := range cases {
		got := QuorumPower(c.total, 2, 3)
		if got != c.want {
			t.Errorf("QuorumPower(%d) = %d, want %d", c.total, got, c.want)
		}
	}
}

func TestValidatorSetQuorumPower(t *testing.T) {
	vals := []*Validator{
		testValidator(1, 25),
		testValidator(2, 25),
		testValidator(3, 25),
		testValidator(4, 25),
	}
	vs, err := NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("NewValidatorSet failed: %v", err)
	}
	// 2/3 of 100 = 66.67 -> 67: three of four equal validators suffice
	if q := vs.QuorumPower(); q != 67 {
		t.Errorf("quorum = %d, want 67", q)
	}
}

func TestValidatorSetLookups(t *testing.T) {
	vals := []*Validator{
		testValidator(1, 100),
		testValidator(2, 200),
	}
	vs, _ := NewValidatorSet(vals)

	v := vs.GetByIndex(1)
	if v == nil || v.VotingPower != 200 {
		t.Fatal("GetByIndex returned wrong validator")
	}
	if got := vs.GetByAddress(v.Address); got != v {
		t.Error("GetByAddress returned wrong validator")
	}
	if vs.GetByIndex(99) != nil {
		t.Error("expected nil for unknown index")
	}
	if !vs.HasAddress(v.Address) {
		t.Error("HasAddress should find member")
	}
}

func TestValidatorSetCopy(t *testing.T) {
	vs, _ := NewValidatorSet([]*Validator{testValidator(1, 100), testValidator(2, 50)})
	c := vs.Copy()

	if c.TotalPower != vs.TotalPower || c.Size() != vs.Size() {
		t.Fatal("copy differs from original")
	}

	// Mutating the copy must not touch the original
	c.Validators[0].VotingPower = 999
	if vs.Validators[0].VotingPower != 100 {
		t.Error("copy shares validator storage with original")
	}
}

func TestValidatorSetHashDeterministic(t *testing.T) {
	build := func() *ValidatorSet {
		vs, _ := NewValidatorSet([]*Validator{testValidator(1, 100), testValidator(2, 50)})
		return vs
	}
	a, b := build(), build()
	if a.Hash() != b.Hash() {
		t.Error("identical sets should hash identically")
	}

	// Participation counters are excluded from the hash
	b.Validators[0].VotesCast = 42
	if a.Hash() != b.Hash() {
		t.Error("participation counters must not affect the set hash")
	}

	c, _ := NewValidatorSet([]*Validator{testValidator(1, 101), testValidator(2, 50)})
	if a.Hash() == c.Hash() {
		t.Error("different power should change the set hash")
	}
}
