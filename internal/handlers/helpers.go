package handlers

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"shieldpool/internal/merkletree"
	"shieldpool/internal/proofs"
	"shieldpool/internal/services"
)

// normalizeField canonicalizes a hex field element so lookups match the
// stored 0x form regardless of case or leading zeros
func normalizeField(raw string) (string, error) {
	v, err := services.ParseFieldElement(raw)
	if err != nil {
		return "", err
	}
	return services.FieldHex(v), nil
}

// decodeProof decodes a hex proof blob and enforces the minimum length
func decodeProof(raw string) ([]byte, error) {
	proof, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("proof is not hex: %w", err)
	}
	if len(proof) < proofs.MinProofSize {
		return nil, fmt.Errorf("proof too short: %d bytes", len(proof))
	}
	return proof, nil
}

// proofJSON renders a membership path for the wire
func proofJSON(p *merkletree.Proof) gin.H {
	elements := make([]string, len(p.PathElements))
	for i, sibling := range p.PathElements {
		elements[i] = services.FieldHex(sibling)
	}
	return gin.H{
		"elements":   elements,
		"directions": p.PathDirections,
		"root":       services.FieldHex(p.Root),
	}
}
