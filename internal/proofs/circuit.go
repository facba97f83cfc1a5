package proofs

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// sponsorDomainTag must match crypto.SponsorDomainTag.
const sponsorDomainTag = 2

// secretBits must match crypto.SecretBits. Constraining secret-derived
// private inputs to 248 bits rules out field-wraparound aliases: two
// distinct (secret, seed) pairs opening the same commitment.
const secretBits = 248

// WithdrawalCircuit proves knowledge of a deposit opening whose commitment
// is a member of both the pool accumulator and the compliance accumulator,
// and binds every transaction parameter into the statement. Path slices are
// sized by NewWithdrawalCircuit; the compiled system is depth-specific.
type WithdrawalCircuit struct {
	PoolRoot       frontend.Variable `gnark:",public"`
	NullifierHash  frontend.Variable `gnark:",public"`
	Recipient      frontend.Variable `gnark:",public"`
	FeeRecipient   frontend.Variable `gnark:",public"`
	Fee            frontend.Variable `gnark:",public"`
	Refund         frontend.Variable `gnark:",public"`
	ComplianceRoot frontend.Variable `gnark:",public"`

	Secret        frontend.Variable
	NullifierSeed frontend.Variable

	PoolPathElements         []frontend.Variable
	PoolPathDirections       []frontend.Variable
	CompliancePathElements   []frontend.Variable
	CompliancePathDirections []frontend.Variable
}

// NewWithdrawalCircuit allocates a circuit template for the given tree depth.
func NewWithdrawalCircuit(depth int) *WithdrawalCircuit {
	return &WithdrawalCircuit{
		PoolPathElements:         make([]frontend.Variable, depth),
		PoolPathDirections:       make([]frontend.Variable, depth),
		CompliancePathElements:   make([]frontend.Variable, depth),
		CompliancePathDirections: make([]frontend.Variable, depth),
	}
}

// Define implements frontend.Circuit.
func (c *WithdrawalCircuit) Define(api frontend.API) error {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	api.ToBinary(c.Secret, secretBits)
	api.ToBinary(c.NullifierSeed, secretBits)

	// Nullifier hash derivation.
	hasher.Write(c.NullifierSeed)
	api.AssertIsEqual(hasher.Sum(), c.NullifierHash)

	// Commitment opening.
	hasher.Reset()
	hasher.Write(c.Secret, c.NullifierSeed)
	commitment := hasher.Sum()

	// One commitment, two accumulators. The same leaf must sit under both
	// roots; proving each membership separately would let a prover pair an
	// unscreened deposit with someone else's compliance record.
	root := merklePath(api, &hasher, commitment, c.PoolPathElements, c.PoolPathDirections)
	api.AssertIsEqual(root, c.PoolRoot)

	root = merklePath(api, &hasher, commitment, c.CompliancePathElements, c.CompliancePathDirections)
	api.AssertIsEqual(root, c.ComplianceRoot)

	// Square the free-standing transaction parameters so each one occupies a
	// constraint and cannot be stripped from the statement.
	api.Mul(c.Recipient, c.Recipient)
	api.Mul(c.FeeRecipient, c.FeeRecipient)
	api.Mul(c.Fee, c.Fee)
	api.Mul(c.Refund, c.Refund)

	return nil
}

// SponsorshipCircuit proves the same dual membership as WithdrawalCircuit
// but derives the nullifier hash in the sponsorship domain, so the marker it
// spends is disjoint from the withdrawal-domain marker of the same deposit.
type SponsorshipCircuit struct {
	PoolRoot       frontend.Variable `gnark:",public"`
	NullifierHash  frontend.Variable `gnark:",public"`
	ComplianceRoot frontend.Variable `gnark:",public"`

	Secret        frontend.Variable
	NullifierSeed frontend.Variable

	PoolPathElements         []frontend.Variable
	PoolPathDirections       []frontend.Variable
	CompliancePathElements   []frontend.Variable
	CompliancePathDirections []frontend.Variable
}

// NewSponsorshipCircuit allocates a circuit template for the given tree depth.
func NewSponsorshipCircuit(depth int) *SponsorshipCircuit {
	return &SponsorshipCircuit{
		PoolPathElements:         make([]frontend.Variable, depth),
		PoolPathDirections:       make([]frontend.Variable, depth),
		CompliancePathElements:   make([]frontend.Variable, depth),
		CompliancePathDirections: make([]frontend.Variable, depth),
	}
}

// Define implements frontend.Circuit.
func (c *SponsorshipCircuit) Define(api frontend.API) error {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	api.ToBinary(c.Secret, secretBits)
	api.ToBinary(c.NullifierSeed, secretBits)

	// Domain-tagged nullifier hash.
	hasher.Write(c.NullifierSeed, sponsorDomainTag)
	api.AssertIsEqual(hasher.Sum(), c.NullifierHash)

	hasher.Reset()
	hasher.Write(c.Secret, c.NullifierSeed)
	commitment := hasher.Sum()

	root := merklePath(api, &hasher, commitment, c.PoolPathElements, c.PoolPathDirections)
	api.AssertIsEqual(root, c.PoolRoot)

	root = merklePath(api, &hasher, commitment, c.CompliancePathElements, c.CompliancePathDirections)
	api.AssertIsEqual(root, c.ComplianceRoot)

	return nil
}

// merklePath folds a leaf up a sibling path. A direction bit of 1 places the
// running node on the right, matching merkletree.Proof.
func merklePath(api frontend.API, hasher *mimc.MiMC, leaf frontend.Variable, elements, directions []frontend.Variable) frontend.Variable {
	current := leaf
	for i, sibling := range elements {
		dir := directions[i]
		api.AssertIsBoolean(dir)

		left := api.Select(dir, sibling, current)
		right := api.Select(dir, current, sibling)

		hasher.Reset()
		hasher.Write(left, right)
		current = hasher.Sum()
	}
	return current
}
