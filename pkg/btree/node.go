package btree

import (
	"sort"
	"sync"

	"github.com/oxidocli/oxidb/pkg/keytype"
)

// Node is one node of the concurrent B+Tree used by every index kind.
// Values generalizes the original design's single int64 data pointer to an
// arbitrary payload — pkg/index stores an *IDSet per key there so a
// non-unique index can hold many document ids under one key.
type Node struct {
	T        int
	Keys     []keytype.Key
	Values   []any
	Children []*Node
	Leaf     bool
	N        int
	Next     *Node
	mu       sync.RWMutex
}

func NewNode(t int, leaf bool) *Node {
	return &Node{
		T:        t,
		Leaf:     leaf,
		Keys:     make([]keytype.Key, 0, 2*t-1),
		Values:   make([]any, 0, 2*t-1),
		Children: make([]*Node, 0, 2*t),
	}
}

func (n *Node) Lock() {
	if n != nil {
		n.mu.Lock()
	}
}

func (n *Node) Unlock() {
	if n != nil {
		n.mu.Unlock()
	}
}

func (n *Node) RLock() {
	if n != nil {
		n.mu.RLock()
	}
}

func (n *Node) RUnlock() {
	if n != nil {
		n.mu.RUnlock()
	}
}

func (n *Node) IsSafeForInsert() bool { return n.N < 2*n.T-1 }
func (n *Node) IsSafeForDelete() bool { return n.N > n.T-1 }
func (n *Node) IsFull() bool          { return n.N == 2*n.T-1 }

func (n *Node) Search(key keytype.Key) (*Node, bool) {
	i := 0
	for i < n.N && key.Compare(n.Keys[i]) >= 0 {
		i++
	}
	if n.Leaf {
		for j := 0; j < n.N; j++ {
			if key.Compare(n.Keys[j]) == 0 {
				return n, true
			}
		}
		return nil, false
	}
	return n.Children[i].Search(key)
}

func (n *Node) findLeafLowerBound(key keytype.Key) (*Node, int) {
	i := sort.Search(n.N, func(i int) bool {
		return n.Keys[i].Compare(key) >= 0
	})
	if n.Leaf {
		return n, i
	}
	return n.Children[i].findLeafLowerBound(key)
}

// UpsertNonFull performs the insert-or-update at a leaf (the only place it
// is called, since upsertTopDown always descends to a guaranteed-non-full
// leaf via preventive splitting), invoking fn with the current value (if
// any) under the leaf's own lock.
func (n *Node) UpsertNonFull(key keytype.Key, uniqueKey bool, fn func(oldValue any, exists bool) (newValue any, err error)) error {
	i := n.N - 1

	if n.Leaf {
		idx := sort.Search(n.N, func(j int) bool {
			return n.Keys[j].Compare(key) >= 0
		})

		if idx < n.N && n.Keys[idx].Compare(key) == 0 {
			newValue, err := fn(n.Values[idx], true)
			if err != nil {
				return err
			}
			n.Values[idx] = newValue
			return nil
		}

		if uniqueKey {
			// no-op: uniqueness is about id cardinality per key, handled by
			// the caller's fn (pkg/index), not structurally by the tree.
		}

		newValue, err := fn(nil, false)
		if err != nil {
			return err
		}

		n.Keys = append(n.Keys, nil)
		n.Values = append(n.Values, nil)
		copy(n.Keys[idx+1:], n.Keys[idx:])
		copy(n.Values[idx+1:], n.Values[idx:])

		n.Keys[idx] = key
		n.Values[idx] = newValue
		n.N++
		return nil
	}

	for i >= 0 && key.Compare(n.Keys[i]) < 0 {
		i--
	}
	i++

	if n.Children[i].N == 2*n.T-1 {
		n.SplitChild(i)
		if key.Compare(n.Keys[i]) >= 0 {
			i++
		}
	}
	return n.Children[i].UpsertNonFull(key, uniqueKey, fn)
}

func (n *Node) SplitChild(i int) {
	t := n.T
	y := n.Children[i]
	z := NewNode(t, y.Leaf)

	if y.Leaf {
		mid := t - 1
		z.N = y.N - mid
		z.Keys = append(z.Keys, y.Keys[mid:]...)
		z.Values = append(z.Values, y.Values[mid:]...)

		y.Keys = y.Keys[:mid]
		y.Values = y.Values[:mid]
		y.N = mid

		z.Next = y.Next
		y.Next = z
	} else {
		mid := t - 1
		z.N = t - 1
		z.Keys = append(z.Keys, y.Keys[mid+1:]...)
		z.Children = append(z.Children, y.Children[mid+1:]...)

		upKey := y.Keys[mid]

		y.Keys = y.Keys[:mid]
		y.Children = y.Children[:mid+1]
		y.N = mid

		n.Keys = append(n.Keys, nil)
		copy(n.Keys[i+1:], n.Keys[i:])
		n.Keys[i] = upKey

		n.Children = append(n.Children, nil)
		copy(n.Children[i+2:], n.Children[i+1:])
		n.Children[i+1] = z
		n.N++
		return
	}

	n.Keys = append(n.Keys, nil)
	copy(n.Keys[i+1:], n.Keys[i:])
	n.Keys[i] = z.Keys[0]

	n.Children = append(n.Children, nil)
	copy(n.Children[i+2:], n.Children[i+1:])
	n.Children[i+1] = z
	n.N++
}

func (n *Node) remove(key keytype.Key) bool {
	idx := sort.Search(n.N, func(i int) bool {
		return n.Keys[i].Compare(key) >= 0
	})

	if n.Leaf {
		if idx < n.N && n.Keys[idx].Compare(key) == 0 {
			n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
			n.Values = append(n.Values[:idx], n.Values[idx+1:]...)
			n.N--
			return true
		}
		return false
	}

	childIdx := idx
	if idx < n.N && n.Keys[idx].Compare(key) == 0 {
		childIdx = idx + 1
	}

	child := n.Children[childIdx]
	if child.N < n.T {
		n.fill(childIdx)
	}

	return n.removeRecursive(key)
}

func (n *Node) removeRecursive(key keytype.Key) bool {
	idx := sort.Search(n.N, func(i int) bool {
		return n.Keys[i].Compare(key) >= 0
	})

	childIdx := idx
	if idx < n.N && n.Keys[idx].Compare(key) == 0 {
		childIdx = idx + 1
	}
	if childIdx > n.N {
		childIdx = n.N
	}

	ok := n.Children[childIdx].remove(key)
	if ok {
		n.fixSeparators()
	}
	return ok
}

func (n *Node) fixSeparators() {
	if n.Leaf {
		return
	}
	for i := 0; i < n.N; i++ {
		curr := n.Children[i+1]
		for !curr.Leaf {
			curr = curr.Children[0]
		}
		if curr.N > 0 {
			n.Keys[i] = curr.Keys[0]
		}
	}
}

func (n *Node) fill(i int) {
	if i != 0 && n.Children[i-1].N >= n.T {
		n.borrowFromPrev(i)
	} else if i != n.N && n.Children[i+1].N >= n.T {
		n.borrowFromNext(i)
	} else {
		if i != n.N {
			n.merge(i)
		} else {
			n.merge(i - 1)
		}
	}
}

func (n *Node) borrowFromPrev(i int) {
	child := n.Children[i]
	sibling := n.Children[i-1]

	if child.Leaf {
		child.Keys = append([]keytype.Key{nil}, child.Keys...)
		child.Values = append([]any{nil}, child.Values...)
		child.Keys[0] = sibling.Keys[sibling.N-1]
		child.Values[0] = sibling.Values[sibling.N-1]
		child.N++

		sibling.Keys = sibling.Keys[:sibling.N-1]
		sibling.Values = sibling.Values[:sibling.N-1]
		sibling.N--

		n.Keys[i-1] = child.Keys[0]
	} else {
		child.Keys = append([]keytype.Key{nil}, child.Keys...)
		child.Children = append([]*Node{nil}, child.Children...)
		child.Keys[0] = n.Keys[i-1]
		child.Children[0] = sibling.Children[sibling.N]
		child.N++

		n.Keys[i-1] = sibling.Keys[sibling.N-1]
		sibling.Keys = sibling.Keys[:sibling.N-1]
		sibling.Children = sibling.Children[:sibling.N]
		sibling.N--
	}
}

func (n *Node) borrowFromNext(i int) {
	child := n.Children[i]
	sibling := n.Children[i+1]

	if child.Leaf {
		child.Keys = append(child.Keys, sibling.Keys[0])
		child.Values = append(child.Values, sibling.Values[0])
		child.N++

		sibling.Keys = append([]keytype.Key{}, sibling.Keys[1:]...)
		sibling.Values = append([]any{}, sibling.Values[1:]...)
		sibling.N--

		n.Keys[i] = sibling.Keys[0]
	} else {
		child.Keys = append(child.Keys, n.Keys[i])
		child.Children = append(child.Children, sibling.Children[0])
		child.N++

		n.Keys[i] = sibling.Keys[0]
		sibling.Keys = append([]keytype.Key{}, sibling.Keys[1:]...)
		sibling.Children = append([]*Node{}, sibling.Children[1:]...)
		sibling.N--
	}
}

func (n *Node) merge(i int) {
	child := n.Children[i]
	sibling := n.Children[i+1]

	if child.Leaf {
		child.Keys = append(child.Keys, sibling.Keys...)
		child.Values = append(child.Values, sibling.Values...)
		child.Next = sibling.Next
		child.N = len(child.Keys)
	} else {
		child.Keys = append(child.Keys, n.Keys[i])
		child.Keys = append(child.Keys, sibling.Keys...)
		child.Children = append(child.Children, sibling.Children...)
		child.N = len(child.Keys)
	}

	n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
	n.Children = append(n.Children[:i+1], n.Children[i+2:]...)
	n.N--
}

func (n *Node) Remove(key keytype.Key) bool {
	return n.remove(key)
}

func (n *Node) FindLeafLowerBound(key keytype.Key) (*Node, int) {
	return n.findLeafLowerBound(key)
}
