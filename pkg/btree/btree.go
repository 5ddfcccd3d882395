package btree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/oxidocli/oxidb/pkg/errors"
	"github.com/oxidocli/oxidb/pkg/keytype"
)

// BPlusTree is the concurrent B+Tree shared by every index kind in pkg/index.
// Leaf values generalize the teacher's single int64 data pointer to an
// arbitrary payload (pkg/index stores an *index.IDSet there so a non-unique
// index can hold many document ids under one key).
type BPlusTree struct {
	T         int
	Root      *Node
	UniqueKey bool // true rejects a second value under an existing key
	mu        sync.RWMutex
}

// NewTree creates a tree that allows repeated insertion under one key.
func NewTree(t int) *BPlusTree {
	return &BPlusTree{T: t, Root: NewNode(t, true), UniqueKey: false}
}

// NewUniqueTree creates a tree whose Insert rejects a second value for a key
// already present.
func NewUniqueTree(t int) *BPlusTree {
	return &BPlusTree{T: t, Root: NewNode(t, true), UniqueKey: true}
}

// Insert stores value under key, failing with errors.UniqueViolationError if
// the tree is unique and key already has a value.
func (b *BPlusTree) Insert(key keytype.Key, value any) error {
	return b.Upsert(key, func(old any, exists bool) (any, error) {
		if exists && b.UniqueKey {
			return nil, &errors.UniqueViolationError{Key: fmt.Sprintf("%v", key)}
		}
		return value, nil
	})
}

// Replace forcibly sets the value for key regardless of uniqueness, used by
// pkg/index when the caller (a non-unique field index) manages its own
// per-key IDSet semantics.
func (b *BPlusTree) Replace(key keytype.Key, value any) error {
	return b.Upsert(key, func(any, bool) (any, error) { return value, nil })
}

// Upsert runs fn against the current value for key (if any) while holding
// the owning leaf's lock, enabling an atomic read-modify-write — used by
// pkg/index to add/remove an id from a key's IDSet without a separate
// lock-search-unlock-modify-lock-store round trip.
func (b *BPlusTree) Upsert(key keytype.Key, fn func(old any, exists bool) (newValue any, err error)) error {
	b.mu.Lock()
	root := b.Root
	root.Lock()

	if root.IsFull() {
		newRoot := NewNode(b.T, false)
		newRoot.Children = append(newRoot.Children, root)
		newRoot.SplitChild(0)
		b.Root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()

		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

// upsertTopDown descends the tree performing preventive splits, latch
// crabbing (release the parent once the child is locked) along the way.
// curr arrives locked; it is always unlocked before return.
func (b *BPlusTree) upsertTopDown(curr *Node, key keytype.Key, fn func(old any, exists bool) (newValue any, err error)) error {
	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}

		child := curr.Children[i]
		child.Lock()

		if child.IsFull() {
			curr.SplitChild(i)
			if key.Compare(curr.Keys[i]) >= 0 {
				child.Unlock()
				child = curr.Children[i+1]
				child.Lock()
			}
		}

		curr.Unlock()
		curr = child
	}

	return curr.UpsertNonFull(key, b.UniqueKey, fn)
}

// Search returns the leaf holding key and true, or (nil, false).
func (b *BPlusTree) Search(key keytype.Key) (*Node, bool) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()
	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr, true
		}
	}
	return nil, false
}

// Get returns the value stored under key.
func (b *BPlusTree) Get(key keytype.Key) (any, bool) {
	if b == nil {
		return nil, false
	}
	b.mu.RLock()
	curr := b.Root
	if curr == nil {
		b.mu.RUnlock()
		return nil, false
	}
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()
	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr.Values[j], true
		}
	}
	return nil, false
}

// Delete removes key from the tree, reporting whether it was present. It
// takes the structural write lock for the whole call; pkg/index prunes an
// empty IDSet by calling Delete once the last id under a key is removed.
func (b *BPlusTree) Delete(key keytype.Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	root := b.Root
	ok := root.Remove(key)
	if !root.Leaf && root.N == 0 {
		b.Root = root.Children[0]
	}
	return ok
}

// Len reports the number of keys in the tree (O(n), used by sidecar header
// validation, not the hot path).
func (b *BPlusTree) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return countKeys(b.Root)
}

func countKeys(n *Node) int {
	if n.Leaf {
		return n.N
	}
	total := 0
	for _, c := range n.Children {
		total += countKeys(c)
	}
	return total
}

// FindLeafLowerBound returns the leaf and in-leaf index of the first key >=
// key (or the first leaf/index 0 if key is nil), with the leaf RLocked. The
// caller must RUnlock it.
func (b *BPlusTree) FindLeafLowerBound(key keytype.Key) (*Node, int) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := firstGE(curr, key)
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	return curr, firstGE(curr, key)
}

func firstGE(n *Node, key keytype.Key) int {
	if key == nil {
		return 0
	}
	return sort.Search(n.N, func(i int) bool {
		return n.Keys[i].Compare(key) >= 0
	})
}

// Ascend walks the tree in ascending key order starting from the first key
// >= from (or the very first key if from is nil), calling fn for each
// (key, value) pair until fn returns false or the tree is exhausted.
func (b *BPlusTree) Ascend(from keytype.Key, fn func(key keytype.Key, value any) bool) {
	leaf, idx := b.FindLeafLowerBound(from)
	for leaf != nil {
		for idx < leaf.N {
			if !fn(leaf.Keys[idx], leaf.Values[idx]) {
				leaf.RUnlock()
				return
			}
			idx++
		}
		next := leaf.Next
		if next != nil {
			next.RLock()
		}
		leaf.RUnlock()
		leaf = next
		idx = 0
	}
}

// Descend walks the tree in descending key order starting from the last key
// <= from (or the very last key if from is nil).
func (b *BPlusTree) Descend(from keytype.Key, fn func(key keytype.Key, value any) bool) {
	// The Node structure only links leaves forward; descending order is
	// realized by collecting the path of leaves once (cheap relative to
	// fsync-bound mutation paths) and walking it back to front.
	var leaves []*Node
	leaf, _ := b.FindLeafLowerBound(nil)
	for leaf != nil {
		leaves = append(leaves, leaf)
		next := leaf.Next
		if next != nil {
			next.RLock()
		}
		leaf.RUnlock()
		leaf = next
	}

	for li := len(leaves) - 1; li >= 0; li-- {
		n := leaves[li]
		n.RLock()
		for j := n.N - 1; j >= 0; j-- {
			if from != nil && n.Keys[j].Compare(from) > 0 {
				continue
			}
			if !fn(n.Keys[j], n.Values[j]) {
				n.RUnlock()
				return
			}
		}
		n.RUnlock()
	}
}
