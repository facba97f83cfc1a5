package proofs_test

import (
	"math/big"
	"testing"

	"shieldpool/internal/crypto"
	"shieldpool/internal/merkletree"
	"shieldpool/internal/proofs"
)

// Small depth keeps setup and proving fast; the circuit logic is identical
// at production depth.
const testDepth = 8

type fixture struct {
	secret     *big.Int
	seed       *big.Int
	commitment *big.Int
	pool       *merkletree.Tree
	compliance *merkletree.Tree
	poolPath   *merkletree.Proof
	compPath   *merkletree.Proof
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	secret, err := crypto.RandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	seed, err := crypto.RandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	commitment, err := crypto.Commitment(secret, seed)
	if err != nil {
		t.Fatal(err)
	}

	pool, _ := merkletree.New(testDepth, merkletree.DefaultRootHistorySize)
	compliance, _ := merkletree.New(testDepth, merkletree.DefaultRootHistorySize)

	// A little noise around the commitment in both trees.
	pool.Insert(big.NewInt(11))
	poolIdx, err := pool.Insert(commitmentCopy(commitment))
	if err != nil {
		t.Fatal(err)
	}
	pool.Insert(big.NewInt(22))

	compliance.Insert(commitmentCopy(commitment))
	compliance.Insert(big.NewInt(33))
	compIdx := uint64(0)

	poolPath, err := pool.Proof(poolIdx)
	if err != nil {
		t.Fatal(err)
	}
	compPath, err := compliance.Proof(compIdx)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		secret:     secret,
		seed:       seed,
		commitment: commitment,
		pool:       pool,
		compliance: compliance,
		poolPath:   poolPath,
		compPath:   compPath,
	}
}

func commitmentCopy(c *big.Int) *big.Int { return new(big.Int).Set(c) }

func TestWithdrawalProveVerify(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	sys, err := proofs.NewWithdrawalSystem(testDepth)
	if err != nil {
		t.Fatalf("build withdrawal system: %v", err)
	}

	f := newFixture(t)
	w := &proofs.WithdrawalWitness{
		Secret:         f.secret,
		NullifierSeed:  f.seed,
		PoolPath:       f.poolPath,
		CompliancePath: f.compPath,
		Recipient:      big.NewInt(0xabcdef),
		FeeRecipient:   big.NewInt(0x123456),
		Fee:            big.NewInt(100),
		Refund:         big.NewInt(0),
	}

	proof, pub, err := sys.Prove(w, crypto.NullifierHash(f.seed))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if len(proof) < proofs.MinProofSize {
		t.Fatalf("proof unexpectedly small: %d bytes", len(proof))
	}

	ok, err := sys.Verify(proof, pub.Slice())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("valid proof rejected")
	}

	// Changing any bound parameter invalidates the proof.
	tampered := *pub
	tampered.Recipient = big.NewInt(0xdeadbeef)
	ok, err = sys.Verify(proof, tampered.Slice())
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if ok {
		t.Fatal("proof verified against a different recipient")
	}

	tampered = *pub
	tampered.Fee = big.NewInt(101)
	ok, _ = sys.Verify(proof, tampered.Slice())
	if ok {
		t.Fatal("proof verified against a different fee")
	}
}

func TestSponsorshipProveVerify(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	sys, err := proofs.NewSponsorshipSystem(testDepth)
	if err != nil {
		t.Fatalf("build sponsorship system: %v", err)
	}

	f := newFixture(t)
	w := &proofs.SponsorshipWitness{
		Secret:         f.secret,
		NullifierSeed:  f.seed,
		PoolPath:       f.poolPath,
		CompliancePath: f.compPath,
	}

	proof, pub, err := sys.Prove(w, crypto.SponsorNullifierHash(f.seed))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	ok, err := sys.Verify(proof, pub.Slice())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("valid sponsorship proof rejected")
	}

	// The withdrawal-domain nullifier hash must not satisfy the
	// sponsorship statement.
	tampered := *pub
	tampered.NullifierHash = crypto.NullifierHash(f.seed)
	ok, _ = sys.Verify(proof, tampered.Slice())
	if ok {
		t.Fatal("sponsorship proof verified with withdrawal-domain nullifier")
	}
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	sys, err := proofs.NewSponsorshipSystem(testDepth)
	if err != nil {
		t.Fatal(err)
	}

	blob := make([]byte, proofs.MinProofSize)
	if _, err := sys.Verify(blob[:8], []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)}); err == nil {
		t.Fatal("short proof blob accepted")
	}
	if _, err := sys.Verify(blob, []*big.Int{big.NewInt(1)}); err == nil {
		t.Fatal("wrong input count accepted")
	}
	if _, err := sys.Verify(blob, []*big.Int{big.NewInt(1), nil, big.NewInt(3)}); err == nil {
		t.Fatal("nil input accepted")
	}
}

func TestStaticVerifier(t *testing.T) {
	v := proofs.NewStaticVerifier(proofs.WithdrawalInputCount)
	good := []byte("proof-a")
	v.Allow(good)

	inputs := make([]*big.Int, proofs.WithdrawalInputCount)
	for i := range inputs {
		inputs[i] = big.NewInt(int64(i + 1))
	}

	ok, err := v.Verify(good, inputs)
	if err != nil || !ok {
		t.Fatalf("allowed proof rejected: ok=%v err=%v", ok, err)
	}
	ok, err = v.Verify([]byte("proof-b"), inputs)
	if err != nil || ok {
		t.Fatalf("unknown proof accepted: ok=%v err=%v", ok, err)
	}
	if _, err := v.Verify(good, inputs[:3]); err == nil {
		t.Fatal("wrong input count accepted")
	}
}
