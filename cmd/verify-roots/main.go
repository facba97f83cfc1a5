package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"shieldpool/internal/config"
	"shieldpool/internal/db"
	"shieldpool/internal/merkletree"
	"shieldpool/internal/models"
	"shieldpool/internal/repository"
)

// Integrity check, run against a live database: rebuilds the commitment
// accumulator from the deposits table and compares the result with the
// latest published pool root and with each deposit's recorded root.
func main() {
	fmt.Println("🔍 Verifying accumulator roots against the deposit log...")

	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	db.InitDB()

	ctx := context.Background()
	depositRepo := repository.NewDepositRepository(db.DB)
	rootRepo := repository.NewPublishedRootRepository(db.DB)

	deposits, err := depositRepo.ListByLeafOrder(ctx)
	if err != nil {
		log.Fatalf("Failed to list deposits: %v", err)
	}
	fmt.Printf("📋 %d deposit(s) on record\n", len(deposits))

	tree, err := merkletree.New(config.AppConfig.Pool.TreeDepth, config.AppConfig.Pool.RootHistorySize)
	if err != nil {
		log.Fatalf("Failed to build tree: %v", err)
	}

	mismatches := 0
	for _, deposit := range deposits {
		commitment, ok := parseHex(deposit.Commitment)
		if !ok {
			log.Fatalf("Corrupt commitment on deposit %s: %s", deposit.ID, deposit.Commitment)
		}
		index, err := tree.Insert(commitment)
		if err != nil {
			log.Fatalf("Insert failed at deposit %s: %v", deposit.ID, err)
		}
		if index != deposit.LeafIndex {
			fmt.Printf("❌ deposit %s: leaf index %d on record, %d recomputed\n",
				deposit.ID, deposit.LeafIndex, index)
			mismatches++
		}
		if recorded, ok := parseHex(deposit.PoolRoot); !ok || recorded.Cmp(tree.Root()) != 0 {
			fmt.Printf("❌ deposit %s: stored root %s does not match recomputed root 0x%s\n",
				deposit.ID, deposit.PoolRoot, tree.Root().Text(16))
			mismatches++
		}
	}

	latest, err := rootRepo.GetLatest(ctx, models.RootKindPool)
	if err != nil {
		fmt.Println("⚠️ no published pool root yet")
	} else {
		published, ok := parseHex(latest.Root)
		if !ok || published.Cmp(tree.Root()) != 0 {
			fmt.Printf("❌ published root %s (seq %d) does not match recomputed root 0x%s\n",
				latest.Root, latest.Sequence, tree.Root().Text(16))
			mismatches++
		} else {
			fmt.Printf("✅ published root matches (seq %d)\n", latest.Sequence)
		}
	}

	if mismatches > 0 {
		log.Fatalf("❌ %d mismatch(es) found", mismatches)
	}
	fmt.Println("✅ All roots consistent")
}

func parseHex(s string) (*big.Int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 16)
}
