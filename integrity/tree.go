package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Proof step directions record which side of the running hash the sibling
// sits on when replaying a proof toward the root.
const (
	DirLeft  = "left"
	DirRight = "right"
)

// ProofStep is one sibling on the leaf-to-root path.
type ProofStep struct {
	Direction string `json:"direction"`
	Sibling   string `json:"sibling"`
}

// AppendResult reports the outcome of appending one leaf.
type AppendResult struct {
	Index    int
	LeafHash []byte
	Root     []byte
	Proof    []ProofStep
}

// Tree is a SHA-256 hash tree over an ordered leaf set. An odd node at
// any level is paired with itself. Every append rebuilds all levels from
// the current leaves; callers needing throughput must serialize appends
// per election, which the Service does.
type Tree struct {
	leafHashes [][]byte
	levels     [][][]byte
}

// emptyRoot is the sentinel root of a tree with no leaves.
var emptyRoot = make([]byte, sha256.Size)

// NewTree builds a tree from the ordered leaf values.
func NewTree(values [][]byte) *Tree {
	t := &Tree{leafHashes: make([][]byte, 0, len(values))}
	for _, v := range values {
		h := sha256.Sum256(v)
		t.leafHashes = append(t.leafHashes, h[:])
	}
	t.build()
	return t
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.leafHashes) }

// Root returns the top hash, or the zero sentinel for an empty tree.
func (t *Tree) Root() []byte {
	if len(t.levels) == 0 || len(t.levels[len(t.levels)-1]) == 0 {
		return append([]byte{}, emptyRoot...)
	}
	top := t.levels[len(t.levels)-1][0]
	return append([]byte{}, top...)
}

// Append adds a leaf, rebuilds the tree and returns the inclusion proof
// for the new leaf against the new root.
func (t *Tree) Append(value []byte) AppendResult {
	h := sha256.Sum256(value)
	t.leafHashes = append(t.leafHashes, h[:])
	t.build()

	index := len(t.leafHashes) - 1
	return AppendResult{
		Index:    index,
		LeafHash: append([]byte{}, h[:]...),
		Root:     t.Root(),
		Proof:    t.proofFor(index),
	}
}

func (t *Tree) build() {
	if len(t.leafHashes) == 0 {
		t.levels = nil
		return
	}
	levels := [][][]byte{t.leafHashes}
	for current := t.leafHashes; len(current) > 1; {
		next := make([][]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left // odd node pairs with itself
			if i+1 < len(current) {
				right = current[i+1]
			}
			h := sha256.Sum256(append(append([]byte{}, left...), right...))
			next = append(next, h[:])
		}
		levels = append(levels, next)
		current = next
	}
	t.levels = levels
}

func (t *Tree) proofFor(index int) []ProofStep {
	proof := make([]ProofStep, 0)
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index // duplicated odd node
		}
		step := ProofStep{Sibling: hex.EncodeToString(level[sibling])}
		if sibling < index {
			step.Direction = DirLeft
		} else {
			step.Direction = DirRight
		}
		proof = append(proof, step)
		index /= 2
	}
	return proof
}

// VerifyProof replays an inclusion proof from a leaf value and compares
// the result to the claimed root. It is a pure function and needs no tree
// instance, so receipts remain checkable from the stored proof alone.
func VerifyProof(leafValue []byte, proof []ProofStep, claimedRoot []byte) bool {
	h := sha256.Sum256(leafValue)
	running := h[:]
	for _, step := range proof {
		sibling, err := hex.DecodeString(step.Sibling)
		if err != nil || len(sibling) != sha256.Size {
			return false
		}
		var combined []byte
		switch step.Direction {
		case DirLeft:
			combined = append(append([]byte{}, sibling...), running...)
		case DirRight:
			combined = append(append([]byte{}, running...), sibling...)
		default:
			return false
		}
		next := sha256.Sum256(combined)
		running = next[:]
	}
	return bytes.Equal(running, claimedRoot)
}
