package merkle

import (
	"fmt"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
)

// InclusionProof shows that ContentHash sits at Index under MerkleRoot.
type InclusionProof struct {
	Index       uint64      `json:"index"`
	ContentHash string      `json:"content_hash"`
	MerkleRoot  string      `json:"merkle_root"`
	ProofPath   []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R": side of the sibling
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*InclusionProof, error) {
	if len(t.Levels) == 0 || index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: index %d out of range", index)
	}

	proof := &InclusionProof{Index: uint64(index), ContentHash: t.Leaves[index], MerkleRoot: t.Root}
	pos := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		var sibling string
		var side string
		if pos%2 == 0 {
			side = "R"
			if pos+1 < len(level) {
				sibling = level[pos+1]
			} else {
				sibling = level[pos]
			}
		} else {
			side = "L"
			sibling = level[pos-1]
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{Side: side, SiblingHash: sibling})
		pos /= 2
	}
	return proof, nil
}

// VerifyInclusionProof recomputes the root from the proof. When
// expectedRoot is non-empty the proof must also commit to it.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	current, err := LeafHash(proof.Index, proof.ContentHash)
	if err != nil {
		return false
	}
	for _, step := range proof.ProofPath {
		if _, err := canonicalize.DecodeDigest(step.SiblingHash); err != nil {
			return false
		}
		switch step.Side {
		case "L":
			current = nodeHash(step.SiblingHash, current)
		case "R":
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return current == proof.MerkleRoot
}
