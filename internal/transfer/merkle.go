package transfer

import "golang.org/x/crypto/blake2b"

// Merkle tree over chunk bytes (spec.md §4.6.2): BLAKE2b-256 leaves and
// internal nodes, with an odd trailing node at any level paired with
// itself rather than dropped.

const HashSize = 32

// Hash is a 32-byte BLAKE2b-256 digest.
type Hash [HashSize]byte

func hashLeaf(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

func hashInternal(left, right Hash) Hash {
	buf := make([]byte, 0, HashSize*2)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return Hash(blake2b.Sum256(buf))
}

// MerkleTree holds leaf hashes and lazily computes levels/root.
type MerkleTree struct {
	leaves []Hash
	levels [][]Hash // levels[0] = leaves, ..., levels[last] = [root]
	dirty  bool
}

// NewMerkleTree builds a tree from chunk byte slices in index order.
func NewMerkleTree(chunks [][]byte) *MerkleTree {
	leaves := make([]Hash, len(chunks))
	for i, c := range chunks {
		leaves[i] = hashLeaf(c)
	}
	return &MerkleTree{leaves: leaves, dirty: true}
}

// NewMerkleTreeFromLeaves builds a tree directly from precomputed leaf
// hashes (e.g. on the receive side, where chunk bytes aren't all present
// at once).
func NewMerkleTreeFromLeaves(leaves []Hash) *MerkleTree {
	return &MerkleTree{leaves: append([]Hash(nil), leaves...), dirty: true}
}

func (t *MerkleTree) rebuild() {
	if len(t.leaves) == 0 {
		t.levels = nil
		t.dirty = false
		return
	}
	levels := [][]Hash{append([]Hash(nil), t.leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		cur := levels[len(levels)-1]
		next := make([]Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, hashInternal(cur[i], cur[i+1]))
			} else {
				next = append(next, hashInternal(cur[i], cur[i])) // odd node self-paired
			}
		}
		levels = append(levels, next)
	}
	t.levels = levels
	t.dirty = false
}

// Root recomputes lazily on first query after mutation (spec.md §4.6.2).
func (t *MerkleTree) Root() Hash {
	if t.dirty {
		t.rebuild()
	}
	if len(t.levels) == 0 {
		return Hash{}
	}
	return t.levels[len(t.levels)-1][0]
}

// Proof is an inclusion proof: the sibling hash at each level from the
// leaf up to (but not including) the root.
type Proof struct {
	LeafIndex int
	Siblings  []Hash
}

// ProofFor builds an inclusion proof for leaf index i.
func (t *MerkleTree) ProofFor(i int) (Proof, bool) {
	if t.dirty {
		t.rebuild()
	}
	if i < 0 || i >= len(t.leaves) {
		return Proof{}, false
	}

	var siblings []Hash
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		cur := t.levels[level]
		siblingIdx := idx ^ 1
		if siblingIdx >= len(cur) {
			siblingIdx = idx // odd trailing node paired with itself
		}
		siblings = append(siblings, cur[siblingIdx])
		idx /= 2
	}
	return Proof{LeafIndex: i, Siblings: siblings}, true
}

// VerifyProof folds leafHash up the proof's sibling list and checks the
// result against root.
func VerifyProof(leafHash Hash, proof Proof, root Hash) bool {
	current := leafHash
	idx := proof.LeafIndex
	for _, sibling := range proof.Siblings {
		if idx%2 == 0 {
			current = hashInternal(current, sibling)
		} else {
			current = hashInternal(sibling, current)
		}
		idx /= 2
	}
	return current == root
}
