package proofs

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"shieldpool/internal/merkletree"
)

var ErrProofTooShort = errors.New("proofs: proof blob below minimum size")

// WithdrawalWitness is the private side of a withdrawal statement plus the
// transaction parameters the proof binds.
type WithdrawalWitness struct {
	Secret         *big.Int
	NullifierSeed  *big.Int
	PoolPath       *merkletree.Proof
	CompliancePath *merkletree.Proof
	Recipient      *big.Int
	FeeRecipient   *big.Int
	Fee            *big.Int
	Refund         *big.Int
}

// SponsorshipWitness is the private side of a sponsorship statement.
type SponsorshipWitness struct {
	Secret         *big.Int
	NullifierSeed  *big.Int
	PoolPath       *merkletree.Proof
	CompliancePath *merkletree.Proof
}

// WithdrawalSystem bundles the compiled withdrawal circuit with its groth16
// keys. One system serves one tree depth.
type WithdrawalSystem struct {
	depth int
	ccs   constraint.ConstraintSystem
	pk    groth16.ProvingKey
	vk    groth16.VerifyingKey
}

// NewWithdrawalSystem compiles the withdrawal circuit for the given depth and
// runs a single-party setup. Production deployments load externally
// ceremonied keys instead; see LoadWithdrawalSystem.
func NewWithdrawalSystem(depth int) (*WithdrawalSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewWithdrawalCircuit(depth))
	if err != nil {
		return nil, fmt.Errorf("compile withdrawal circuit: %w", err)
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup: %w", err)
	}
	return &WithdrawalSystem{depth: depth, ccs: ccs, pk: pk, vk: vk}, nil
}

// LoadWithdrawalSystem compiles the circuit and attaches externally produced
// keys.
func LoadWithdrawalSystem(depth int, pk groth16.ProvingKey, vk groth16.VerifyingKey) (*WithdrawalSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewWithdrawalCircuit(depth))
	if err != nil {
		return nil, fmt.Errorf("compile withdrawal circuit: %w", err)
	}
	return &WithdrawalSystem{depth: depth, ccs: ccs, pk: pk, vk: vk}, nil
}

// Prove generates a serialized proof and the public inputs it commits to.
func (s *WithdrawalSystem) Prove(w *WithdrawalWitness, nullifierHash *big.Int) ([]byte, *WithdrawalPublicInputs, error) {
	if len(w.PoolPath.PathElements) != s.depth || len(w.CompliancePath.PathElements) != s.depth {
		return nil, nil, fmt.Errorf("proofs: path depth mismatch, system compiled for depth %d", s.depth)
	}

	pub := &WithdrawalPublicInputs{
		PoolRoot:       w.PoolPath.Root,
		NullifierHash:  nullifierHash,
		Recipient:      w.Recipient,
		FeeRecipient:   w.FeeRecipient,
		Fee:            w.Fee,
		Refund:         w.Refund,
		ComplianceRoot: w.CompliancePath.Root,
	}

	assignment := NewWithdrawalCircuit(s.depth)
	assignment.PoolRoot = pub.PoolRoot
	assignment.NullifierHash = pub.NullifierHash
	assignment.Recipient = pub.Recipient
	assignment.FeeRecipient = pub.FeeRecipient
	assignment.Fee = pub.Fee
	assignment.Refund = pub.Refund
	assignment.ComplianceRoot = pub.ComplianceRoot
	assignment.Secret = w.Secret
	assignment.NullifierSeed = w.NullifierSeed
	assignPath(assignment.PoolPathElements, assignment.PoolPathDirections, w.PoolPath)
	assignPath(assignment.CompliancePathElements, assignment.CompliancePathDirections, w.CompliancePath)

	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, nil, fmt.Errorf("build witness: %w", err)
	}
	proof, err := groth16.Prove(s.ccs, s.pk, witness)
	if err != nil {
		return nil, nil, fmt.Errorf("prove: %w", err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, nil, fmt.Errorf("serialize proof: %w", err)
	}
	return buf.Bytes(), pub, nil
}

// Verify implements Verifier for the 7-value withdrawal schema.
func (s *WithdrawalSystem) Verify(proofBytes []byte, publicInputs []*big.Int) (bool, error) {
	if err := checkInputs(publicInputs, WithdrawalInputCount); err != nil {
		return false, err
	}
	if len(proofBytes) < MinProofSize {
		return false, ErrProofTooShort
	}

	assignment := NewWithdrawalCircuit(s.depth)
	assignment.PoolRoot = publicInputs[0]
	assignment.NullifierHash = publicInputs[1]
	assignment.Recipient = publicInputs[2]
	assignment.FeeRecipient = publicInputs[3]
	assignment.Fee = publicInputs[4]
	assignment.Refund = publicInputs[5]
	assignment.ComplianceRoot = publicInputs[6]

	return verifySerialized(s.vk, proofBytes, assignment)
}

// SponsorshipSystem bundles the compiled sponsorship circuit with its keys.
type SponsorshipSystem struct {
	depth int
	ccs   constraint.ConstraintSystem
	pk    groth16.ProvingKey
	vk    groth16.VerifyingKey
}

// NewSponsorshipSystem compiles the sponsorship circuit for the given depth
// and runs a single-party setup.
func NewSponsorshipSystem(depth int) (*SponsorshipSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewSponsorshipCircuit(depth))
	if err != nil {
		return nil, fmt.Errorf("compile sponsorship circuit: %w", err)
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup: %w", err)
	}
	return &SponsorshipSystem{depth: depth, ccs: ccs, pk: pk, vk: vk}, nil
}

// Prove generates a serialized sponsorship proof and its public inputs.
func (s *SponsorshipSystem) Prove(w *SponsorshipWitness, sponsorNullifierHash *big.Int) ([]byte, *SponsorshipPublicInputs, error) {
	if len(w.PoolPath.PathElements) != s.depth || len(w.CompliancePath.PathElements) != s.depth {
		return nil, nil, fmt.Errorf("proofs: path depth mismatch, system compiled for depth %d", s.depth)
	}

	pub := &SponsorshipPublicInputs{
		PoolRoot:       w.PoolPath.Root,
		NullifierHash:  sponsorNullifierHash,
		ComplianceRoot: w.CompliancePath.Root,
	}

	assignment := NewSponsorshipCircuit(s.depth)
	assignment.PoolRoot = pub.PoolRoot
	assignment.NullifierHash = pub.NullifierHash
	assignment.ComplianceRoot = pub.ComplianceRoot
	assignment.Secret = w.Secret
	assignment.NullifierSeed = w.NullifierSeed
	assignPath(assignment.PoolPathElements, assignment.PoolPathDirections, w.PoolPath)
	assignPath(assignment.CompliancePathElements, assignment.CompliancePathDirections, w.CompliancePath)

	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, nil, fmt.Errorf("build witness: %w", err)
	}
	proof, err := groth16.Prove(s.ccs, s.pk, witness)
	if err != nil {
		return nil, nil, fmt.Errorf("prove: %w", err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, nil, fmt.Errorf("serialize proof: %w", err)
	}
	return buf.Bytes(), pub, nil
}

// Verify implements Verifier for the 3-value sponsorship schema.
func (s *SponsorshipSystem) Verify(proofBytes []byte, publicInputs []*big.Int) (bool, error) {
	if err := checkInputs(publicInputs, SponsorshipInputCount); err != nil {
		return false, err
	}
	if len(proofBytes) < MinProofSize {
		return false, ErrProofTooShort
	}

	assignment := NewSponsorshipCircuit(s.depth)
	assignment.PoolRoot = publicInputs[0]
	assignment.NullifierHash = publicInputs[1]
	assignment.ComplianceRoot = publicInputs[2]

	return verifySerialized(s.vk, proofBytes, assignment)
}

func assignPath(elements, directions []frontend.Variable, path *merkletree.Proof) {
	for i := range elements {
		elements[i] = path.PathElements[i]
		if path.PathDirections[i] {
			directions[i] = 1
		} else {
			directions[i] = 0
		}
	}
}

// verifySerialized deserializes a proof blob and checks it against the
// public-only witness of the given assignment. A pairing failure is a clean
// "false"; only decode and witness errors surface as errors.
func verifySerialized(vk groth16.VerifyingKey, proofBytes []byte, assignment frontend.Circuit) (bool, error) {
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return false, fmt.Errorf("deserialize proof: %w", err)
	}

	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("build public witness: %w", err)
	}
	if err := groth16.Verify(proof, vk, witness); err != nil {
		return false, nil
	}
	return true, nil
}
