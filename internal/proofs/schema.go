// Package proofs defines the public-input contract binding a succinct proof
// to one specific transaction, and the prove/verify capability consumed by
// the ledger pool. Input ordering is fixed and must stay bit-exact between
// prover and verifier.
package proofs

import (
	"errors"
	"math/big"
)

// Public-input counts per schema.
const (
	WithdrawalInputCount  = 7
	SponsorshipInputCount = 3
)

// MinProofSize is the minimum plausible serialized groth16 proof length.
// A BN254 proof serializes to 164 bytes; the floor sits below that so
// genuine proofs pass while truncated payloads are rejected before
// touching the verifier.
const MinProofSize = 128

var (
	ErrInputCount = errors.New("proofs: wrong number of public inputs")
	ErrNilInput   = errors.New("proofs: nil public input")
)

// WithdrawalPublicInputs is the 7-value withdrawal schema. Every
// non-secret-derived value (recipient, fee recipient, fee, refund) is bound
// into the proof so an observed proof cannot be replayed with different
// transaction parameters.
type WithdrawalPublicInputs struct {
	PoolRoot       *big.Int
	NullifierHash  *big.Int
	Recipient      *big.Int
	FeeRecipient   *big.Int
	Fee            *big.Int
	Refund         *big.Int
	ComplianceRoot *big.Int
}

// Slice returns the inputs in schema order.
func (in *WithdrawalPublicInputs) Slice() []*big.Int {
	return []*big.Int{
		in.PoolRoot,
		in.NullifierHash,
		in.Recipient,
		in.FeeRecipient,
		in.Fee,
		in.Refund,
		in.ComplianceRoot,
	}
}

// SponsorshipPublicInputs is the 3-value sponsorship schema.
type SponsorshipPublicInputs struct {
	PoolRoot       *big.Int
	NullifierHash  *big.Int
	ComplianceRoot *big.Int
}

// Slice returns the inputs in schema order.
func (in *SponsorshipPublicInputs) Slice() []*big.Int {
	return []*big.Int{in.PoolRoot, in.NullifierHash, in.ComplianceRoot}
}

func checkInputs(inputs []*big.Int, want int) error {
	if len(inputs) != want {
		return ErrInputCount
	}
	for _, in := range inputs {
		if in == nil {
			return ErrNilInput
		}
	}
	return nil
}

// Verifier is the external verify capability. Verify returns (false, nil)
// for a well-formed proof that simply does not check out, and a non-nil
// error only for malformed inputs or backend failure.
type Verifier interface {
	Verify(proof []byte, publicInputs []*big.Int) (bool, error)
}

// StaticVerifier is the mock variant, selected at construction time in
// place of the groth16 verifier. It accepts exactly the proof blobs it was
// seeded with, keyed by their string form.
type StaticVerifier struct {
	Accept   map[string]bool
	AllowAll bool
	Inputs   int
}

// NewStaticVerifier creates a mock verifier for the given schema width.
func NewStaticVerifier(inputCount int) *StaticVerifier {
	return &StaticVerifier{Accept: make(map[string]bool), Inputs: inputCount}
}

// NewPermissiveVerifier creates a mock verifier that accepts every
// well-formed proof. Development deployments only.
func NewPermissiveVerifier(inputCount int) *StaticVerifier {
	return &StaticVerifier{Accept: make(map[string]bool), AllowAll: true, Inputs: inputCount}
}

// Allow registers a proof blob as valid.
func (v *StaticVerifier) Allow(proof []byte) {
	v.Accept[string(proof)] = true
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(proof []byte, publicInputs []*big.Int) (bool, error) {
	if err := checkInputs(publicInputs, v.Inputs); err != nil {
		return false, err
	}
	if v.AllowAll {
		return true, nil
	}
	return v.Accept[string(proof)], nil
}
