// Package merkle computes the Merkle commitment over a channel's active
// transfer set: the root used both in every signed ChannelState and for
// on-chain dispute, and inclusion proofs against that root.
package merkle

import (
	"bytes"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/statechan/core/channel"
	"github.com/statechan/core/geth"
)

// Tree is an explicit binary Merkle tree: Levels[0] holds the sorted leaf
// hashes, Levels[len-1] holds the single root hash. Keeping every level
// lets GetProof walk siblings without recomputing the tree.
type Tree struct {
	Levels [][]channel.Hash
}

// Root returns the tree's root hash, or the zero hash for an empty tree.
func (t *Tree) Root() channel.Hash {
	if len(t.Levels) == 0 {
		return channel.ZeroHash
	}
	top := t.Levels[len(t.Levels)-1]
	if len(top) == 0 {
		return channel.ZeroHash
	}
	return top[0]
}

// LeafIndex returns the position of leaf within the sorted leaf level, or
// -1 if absent.
func (t *Tree) LeafIndex(leaf channel.Hash) int {
	if len(t.Levels) == 0 {
		return -1
	}
	for i, h := range t.Levels[0] {
		if h == leaf {
			return i
		}
	}
	return -1
}

// hashPair computes the parent hash of two sibling nodes, left then
// right, matching the convention GenerateMerkleTreeData builds levels in.
func hashPair(left, right channel.Hash) channel.Hash {
	return geth.Keccak256Hash(left.Bytes(), right.Bytes())
}

// GenerateMerkleTreeData builds the Merkle tree over the initial-state
// hashes of transfers. Hashes are sorted lexicographically first so the
// tree (and therefore the root) is independent of the order transfers
// were created in. An odd level duplicates its last leaf, matching the
// documented fill rule. An empty transfer set yields the zero root and a
// tree with no levels.
func GenerateMerkleTreeData(transfers []channel.Transfer) (*Tree, error) {
	if len(transfers) == 0 {
		return &Tree{}, nil
	}

	leaves := make([]channel.Hash, len(transfers))
	for i, tr := range transfers {
		leaves[i] = tr.InitialStateHash
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].Bytes(), leaves[j].Bytes()) < 0
	})

	tree := &Tree{Levels: [][]channel.Hash{leaves}}
	level := leaves
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]channel.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		tree.Levels = append(tree.Levels, next)
		level = next
	}
	return tree, nil
}

// Proof is the sibling path from a leaf to the root: one hash per level,
// plus whether the leaf is the left or right child at that level.
type Proof struct {
	Siblings    []channel.Hash
	LeftAtLevel []bool
}

// GetProof returns the inclusion proof for leaf within tree.
func GetProof(tree *Tree, leaf channel.Hash) (Proof, error) {
	idx := tree.LeafIndex(leaf)
	if idx < 0 {
		return Proof{}, channel.NewError(channel.MerkleRootMismatch, "leaf not present in tree").WithField("initialStateHash")
	}

	var proof Proof
	for level := 0; level < len(tree.Levels)-1; level++ {
		nodes := tree.Levels[level]
		isLeft := idx%2 == 0
		var siblingIdx int
		if isLeft {
			siblingIdx = idx + 1
		} else {
			siblingIdx = idx - 1
		}
		if siblingIdx >= len(nodes) {
			siblingIdx = idx // odd-level duplication: sibling is the node itself
		}
		proof.Siblings = append(proof.Siblings, nodes[siblingIdx])
		proof.LeftAtLevel = append(proof.LeftAtLevel, isLeft)
		idx = idx / 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from leaf and proof and compares it to
// root.
func VerifyProof(root channel.Hash, leaf channel.Hash, proof Proof) bool {
	cur := leaf
	for i, sibling := range proof.Siblings {
		if proof.LeftAtLevel[i] {
			cur = hashPair(cur, sibling)
		} else {
			cur = hashPair(sibling, cur)
		}
	}
	return cur == root
}

// ActiveSet tracks the transfers created-but-unresolved for a channel,
// keyed by transfer id. It is the concrete form of the "abstract set"
// spec.md describes: order-independent because the Merkle tree sorts its
// leaves, so callers never need ActiveSet itself to be ordered.
type ActiveSet struct {
	ids       mapset.Set[channel.Hash]
	transfers map[channel.Hash]channel.Transfer
}

// NewActiveSet builds an ActiveSet from a slice of currently-active
// transfers, as returned by Store.GetActiveTransfers.
func NewActiveSet(transfers []channel.Transfer) *ActiveSet {
	s := &ActiveSet{
		ids:       mapset.NewSet[channel.Hash](),
		transfers: make(map[channel.Hash]channel.Transfer, len(transfers)),
	}
	for _, tr := range transfers {
		s.ids.Add(tr.TransferID)
		s.transfers[tr.TransferID] = tr
	}
	return s
}

// Add inserts a transfer into the active set, as applying a create
// update does.
func (s *ActiveSet) Add(tr channel.Transfer) {
	s.ids.Add(tr.TransferID)
	s.transfers[tr.TransferID] = tr
}

// Remove drops a transfer from the active set, as applying a resolve
// update does.
func (s *ActiveSet) Remove(id channel.Hash) {
	s.ids.Remove(id)
	delete(s.transfers, id)
}

// Contains reports whether id is currently active.
func (s *ActiveSet) Contains(id channel.Hash) bool {
	return s.ids.Contains(id)
}

// Transfers returns the active transfers in no particular order.
func (s *ActiveSet) Transfers() []channel.Transfer {
	out := make([]channel.Transfer, 0, len(s.transfers))
	for _, tr := range s.transfers {
		out = append(out, tr)
	}
	return out
}

// Len returns the number of active transfers.
func (s *ActiveSet) Len() int {
	return s.ids.Cardinality()
}

// Root computes the Merkle root over the current active set.
func (s *ActiveSet) Root() (channel.Hash, error) {
	tree, err := GenerateMerkleTreeData(s.Transfers())
	if err != nil {
		return channel.Hash{}, err
	}
	return tree.Root(), nil
}
