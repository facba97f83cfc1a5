package main

import (
	"flag"
	"fmt"
	"log"
	"math/big"
	"strings"

	"shieldpool/internal/crypto"
)

// Development helper: derives the commitment and both nullifier hashes for a
// note, or mints a fresh random note. The hex output matches what the API
// expects on deposit and withdrawal.
func main() {
	secretStr := flag.String("secret", "", "note secret (0x hex or decimal)")
	seedStr := flag.String("seed", "", "nullifier seed (0x hex or decimal)")
	random := flag.Bool("random", false, "generate a fresh random note")
	flag.Parse()

	var secret, seed *big.Int
	var err error

	if *random {
		if secret, err = crypto.RandomSecret(); err != nil {
			log.Fatalf("Failed to generate secret: %v", err)
		}
		if seed, err = crypto.RandomSecret(); err != nil {
			log.Fatalf("Failed to generate seed: %v", err)
		}
	} else {
		if secret = parseValue(*secretStr); secret == nil {
			log.Fatalf("Invalid or missing -secret (use -random to mint a note)")
		}
		if seed = parseValue(*seedStr); seed == nil {
			log.Fatalf("Invalid or missing -seed")
		}
	}

	commitment, err := crypto.Commitment(secret, seed)
	if err != nil {
		log.Fatalf("Failed to derive commitment: %v", err)
	}

	fmt.Println("============================================================")
	fmt.Printf("secret:                  0x%s\n", secret.Text(16))
	fmt.Printf("nullifier seed:          0x%s\n", seed.Text(16))
	fmt.Printf("commitment:              0x%s\n", commitment.Text(16))
	fmt.Printf("nullifier hash:          0x%s\n", crypto.NullifierHash(seed).Text(16))
	fmt.Printf("sponsor nullifier hash:  0x%s\n", crypto.SponsorNullifierHash(seed).Text(16))
	fmt.Println("============================================================")
}

func parseValue(s string) *big.Int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil
		}
		return v
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}
