// Package crypto provides the hash primitive shared by the accumulators and
// the proof circuits: MiMC over the BN254 scalar field, so every value hashed
// off-chain can be re-derived inside a circuit with identical semantics.
package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// SecretBits bounds the deposit secret and the nullifier seed. Values wider
// than 248 bits could wrap modulo the field and alias a second valid
// (secret, seed) pair for the same commitment.
const SecretBits = 248

// SponsorDomainTag is appended to the nullifier seed when deriving the
// sponsorship-domain nullifier hash. Any fixed nonzero field element works;
// it only has to differ from the empty input of the withdrawal derivation.
var SponsorDomainTag = big.NewInt(2)

var ErrValueTooWide = errors.New("crypto: value exceeds 248-bit range")

// maxSecret = 2^248.
var maxSecret = new(big.Int).Lsh(big.NewInt(1), SecretBits)

// Hash compresses the given field elements with MiMC, writing each input in
// canonical 32-byte fr encoding so zero values hash identically to the
// in-circuit representation.
func Hash(inputs ...*big.Int) *big.Int {
	h := mimc.NewMiMC()
	for _, in := range inputs {
		var elem fr.Element
		elem.SetBigInt(in)
		b := elem.Bytes()
		h.Write(b[:])
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

// Commitment derives the public deposit commitment H(secret, nullifierSeed).
func Commitment(secret, nullifierSeed *big.Int) (*big.Int, error) {
	if err := CheckRange(secret); err != nil {
		return nil, err
	}
	if err := CheckRange(nullifierSeed); err != nil {
		return nil, err
	}
	return Hash(secret, nullifierSeed), nil
}

// NullifierHash derives the withdrawal-domain spend marker H(seed).
func NullifierHash(nullifierSeed *big.Int) *big.Int {
	return Hash(nullifierSeed)
}

// SponsorNullifierHash derives the sponsorship-domain spend marker
// H(seed, tag). The extra tag input keeps the two domains' hash preimages
// disjoint, so one deposit can be spent once in each domain without the two
// spends being linkable.
func SponsorNullifierHash(nullifierSeed *big.Int) *big.Int {
	return Hash(nullifierSeed, SponsorDomainTag)
}

// CheckRange rejects secret-derived values that do not fit in 248 bits.
func CheckRange(v *big.Int) error {
	if v == nil || v.Sign() < 0 || v.Cmp(maxSecret) >= 0 {
		return ErrValueTooWide
	}
	return nil
}

// RandomSecret samples a uniformly random 248-bit value for use as a deposit
// secret or nullifier seed.
func RandomSecret() (*big.Int, error) {
	for {
		v, err := rand.Int(rand.Reader, maxSecret)
		if err != nil {
			return nil, err
		}
		if v.Sign() != 0 {
			return v, nil
		}
	}
}
