// Package index implements the field, unique, and composite indexes of the
// storage core: ordered maps from a typed index key to the set of document
// ids carrying that key, kept strictly in sync with the document cache under
// the owning collection's write lock. All three kinds share one underlying
// concurrent B+Tree (pkg/btree), generalized from the teacher's single
// int64-data-pointer leaf to an *IDSet payload.
package index

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/btree"
	"github.com/oxidocli/oxidb/pkg/docenc"
	"github.com/oxidocli/oxidb/pkg/errors"
	"github.com/oxidocli/oxidb/pkg/keytype"
)

// degree is the B+Tree branching factor (t) used by every index; the spec
// does not mandate a value, so this just needs to be a reasonable constant.
const degree = 32

// Kind distinguishes the three index shapes named in spec §3/§4.4.
type Kind int

const (
	KindField Kind = iota
	KindUnique
	KindComposite
)

// Index is one field, unique, or composite index on a collection.
type Index struct {
	Name   string
	Kind   Kind
	Fields []string // one entry for Field/Unique, 2+ for Composite
	tree   *btree.BPlusTree
}

// New creates an empty index over the given field path(s).
func New(name string, kind Kind, fields []string) *Index {
	tree := btree.NewTree(degree)
	return &Index{Name: name, Kind: kind, Fields: fields, tree: tree}
}

// key resolves doc's indexed field(s) into a single lookup key: the scalar
// key for Field/Unique, or a TupleKey for Composite with missing components
// normalized to Null, per spec §4.4 "treat any missing component as Null".
func (ix *Index) key(doc bson.D) (keytype.Key, bool) {
	if ix.Kind != KindComposite {
		k, ok := docenc.ExtractIndexKey(doc, ix.Fields[0])
		return k, ok
	}
	tuple := make(keytype.TupleKey, len(ix.Fields))
	present := false
	for i, f := range ix.Fields {
		k, ok := docenc.ExtractIndexKey(doc, f)
		if !ok {
			k = keytype.NullKey{}
		} else {
			present = true
		}
		tuple[i] = k
	}
	// A composite index only participates if at least one component is
	// present; an entirely-absent document simply isn't indexed.
	return tuple, present
}

// Add indexes doc under id. For a unique index this fails with
// errors.UniqueViolationError if the key already has a different id; the
// mutation (insert/update) that called Add must not have touched any other
// durable state yet when this returns an error.
func (ix *Index) Add(id uint64, doc bson.D) error {
	k, ok := ix.key(doc)
	if !ok {
		return nil
	}
	var outerErr error
	err := ix.tree.Upsert(k, func(old any, exists bool) (any, error) {
		if !exists {
			s := NewIDSet(id)
			return &s, nil
		}
		set := old.(*IDSet)
		if ix.Kind == KindUnique && set.Len() > 0 && !set.Has(id) {
			outerErr = &errors.UniqueViolationError{Index: ix.Name, Key: k.String()}
			return old, outerErr
		}
		set.Add(id)
		return set, nil
	})
	if err != nil {
		return err
	}
	return outerErr
}

// Remove deletes id from the entry for doc's key, pruning the key entirely
// once its set becomes empty.
func (ix *Index) Remove(id uint64, doc bson.D) {
	k, ok := ix.key(doc)
	if !ok {
		return
	}
	val, found := ix.tree.Get(k)
	if !found {
		return
	}
	set := val.(*IDSet)
	set.Remove(id)
	if set.Len() == 0 {
		ix.tree.Delete(k)
	}
}

// UpdateDiff applies the minimum add/remove work to move id from oldDoc's
// key to newDoc's key; when the key is unchanged nothing churns, per spec
// §4.4 "Unchanged keys do not churn the set."
func (ix *Index) UpdateDiff(id uint64, oldDoc, newDoc bson.D) error {
	oldKey, oldOK := ix.key(oldDoc)
	newKey, newOK := ix.key(newDoc)

	if oldOK && newOK && oldKey.Compare(newKey) == 0 {
		return nil
	}
	if oldOK {
		ix.Remove(id, oldDoc)
	}
	if newOK {
		return ix.Add(id, newDoc)
	}
	return nil
}

// Equality returns the ids indexed under key (empty set if none).
func (ix *Index) Equality(key keytype.Key) IDSet {
	val, ok := ix.tree.Get(key)
	if !ok {
		return IDSet{}
	}
	return *val.(*IDSet)
}

// In returns the union of the equality sets for each key.
func (ix *Index) In(keys []keytype.Key) IDSet {
	sets := make([]IDSet, 0, len(keys))
	for _, k := range keys {
		sets = append(sets, ix.Equality(k))
	}
	return Union(sets...)
}

// RangeBound describes one side of a range query.
type RangeBound struct {
	Key       keytype.Key
	Inclusive bool
}

// Range streams ids whose key falls within [low, high] (each bound optional
// and independently inclusive/exclusive), in ascending key order.
func (ix *Index) Range(low, high *RangeBound, fn func(id uint64) bool) {
	var from keytype.Key
	if low != nil {
		from = low.Key
	}
	ix.tree.Ascend(from, func(k keytype.Key, v any) bool {
		if low != nil {
			cmp := k.Compare(low.Key)
			if cmp < 0 || (cmp == 0 && !low.Inclusive) {
				return true
			}
		}
		if high != nil {
			cmp := k.Compare(high.Key)
			if cmp > 0 || (cmp == 0 && !high.Inclusive) {
				return false
			}
		}
		set := v.(*IDSet)
		for id := range *set {
			if !fn(id) {
				return false
			}
		}
		return true
	})
}

// Ascend/Descend expose ordered full-key iteration for index-backed sort.
func (ix *Index) Ascend(fn func(k keytype.Key, ids IDSet) bool) {
	ix.tree.Ascend(nil, func(k keytype.Key, v any) bool {
		return fn(k, *v.(*IDSet))
	})
}

func (ix *Index) Descend(fn func(k keytype.Key, ids IDSet) bool) {
	ix.tree.Descend(nil, func(k keytype.Key, v any) bool {
		return fn(k, *v.(*IDSet))
	})
}

// Prefix streams ids for every composite tuple sharing prefix, in
// lexicographic tuple order — the §4.4 composite prefix range lookup.
func (ix *Index) Prefix(prefix keytype.TupleKey, fn func(id uint64) bool) {
	if ix.Kind != KindComposite {
		return
	}
	ix.tree.Ascend(prefix, func(k keytype.Key, v any) bool {
		tk := k.(keytype.TupleKey)
		if !tk.HasPrefix(prefix) {
			return false
		}
		set := v.(*IDSet)
		for id := range *set {
			if !fn(id) {
				return false
			}
		}
		return true
	})
}

// WouldViolate reports whether adding doc under id would break a unique
// index's cardinality-1 invariant — used to validate a mutation before any
// durable byte is written, so UniqueViolation never leaves partial state
// (spec §7: "signaled failure at the mutation site ... never at query
// time"). excludeID lets Update ignore the document's own current entry.
func (ix *Index) WouldViolate(doc bson.D, excludeID uint64) bool {
	if ix.Kind != KindUnique {
		return false
	}
	k, ok := ix.key(doc)
	if !ok {
		return false
	}
	val, found := ix.tree.Get(k)
	if !found {
		return false
	}
	set := *val.(*IDSet)
	if set.Len() == 0 {
		return false
	}
	if set.Len() == 1 && set.Has(excludeID) {
		return false
	}
	return true
}

// Len reports the number of distinct keys currently indexed.
func (ix *Index) Len() int { return ix.tree.Len() }

// Backfill populates the index from every document in docs (id -> doc),
// used both on CreateIndex against a non-empty collection and when a
// sidecar fails to validate and must be rebuilt from the cache — spec §4.4
// "Backfill ... walks the cache once ... holds the collection write lock".
func (ix *Index) Backfill(docs map[uint64]bson.D) error {
	for id, doc := range docs {
		if err := ix.Add(id, doc); err != nil {
			return err
		}
	}
	return nil
}
