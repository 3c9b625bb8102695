package merkle

// InclusionProof carries the sibling path from one evidence record's
// leaf to the pack root.
type InclusionProof struct {
	EvidenceHash string      `json:"evidence_hash"`
	LeafHash     string      `json:"leaf_hash"`
	MerkleRoot   string      `json:"merkle_root"`
	ProofPath    []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling on the way up. Side says where the sibling
// sits relative to the running hash.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Prove returns the inclusion proof for an evidence hash.
func (t *Tree) Prove(evidenceHash string) (*InclusionProof, error) {
	pos, ok := t.leafIndex[evidenceHash]
	if !ok {
		return nil, ErrLeafNotFound
	}

	proof := &InclusionProof{
		EvidenceHash: evidenceHash,
		LeafHash:     t.levels[0][pos],
		MerkleRoot:   t.Root,
	}

	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling >= len(level) {
			// Odd level: the last node was duplicated.
			sibling = pos
		}
		side := "R"
		if sibling < pos {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{
			Side:        side,
			SiblingHash: level[sibling],
		})
		pos /= 2
	}
	return proof, nil
}

// VerifyInclusion replays the proof path and reports whether it lands on
// the expected root. An empty expectedRoot trusts the proof's own root.
func VerifyInclusion(proof *InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return current == proof.MerkleRoot
}
