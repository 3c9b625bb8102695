// Package merkle builds Merkle trees over evidence hashes so an exported
// pack can prove any single record belongs to it without shipping the
// whole set.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	leafPrefix = "promogate:evidence:leaf:v1"
	nodePrefix = "promogate:evidence:node:v1"
)

// ErrLeafNotFound is returned when a proof is requested for a hash the
// tree does not contain.
var ErrLeafNotFound = errors.New("merkle: leaf not in tree")

// Tree is a Merkle tree over evidence record hashes. Leaf order is the
// caller's order; the same hashes in the same order always produce the
// same root.
type Tree struct {
	Root string
	// levels[0] is the leaf-hash level, last level holds only the root.
	levels [][]string
	// leafIndex maps the original evidence hash to its leaf position.
	leafIndex map[string]int
}

// Build constructs a tree over the given evidence hashes. An odd level
// duplicates its last node.
func Build(evidenceHashes []string) *Tree {
	if len(evidenceHashes) == 0 {
		return &Tree{Root: "", leafIndex: map[string]int{}}
	}

	leaves := make([]string, len(evidenceHashes))
	index := make(map[string]int, len(evidenceHashes))
	for i, h := range evidenceHashes {
		leaves[i] = leafHash(h)
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	t := &Tree{leafIndex: index}
	level := leaves
	for {
		t.levels = append(t.levels, level)
		if len(level) == 1 {
			break
		}
		level = nextLevel(level)
	}
	t.Root = t.levels[len(t.levels)-1][0]
	return t
}

func leafHash(evidenceHash string) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(evidenceHash)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}
	next := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func hexToBytes(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		// Node hashes are produced internally; a bad one is a bug.
		panic(fmt.Sprintf("merkle: non-hex node hash %q", s))
	}
	return b
}
