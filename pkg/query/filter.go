package query

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/docenc"
	"github.com/oxidocli/oxidb/pkg/index"
	"github.com/oxidocli/oxidb/pkg/keytype"
)

// A query document is itself a bson.D: either field -> scalar (bare equality
// sugar for $eq), field -> {operator: value, ...}, or the combinators
// {$and: [queries...]} / {$or: [queries...]} — spec §4.8's closed operator
// set over a bson.D shape the caller already speaks (no separate parser
// stage needed, unlike a SQL front-end).

// Match evaluates query against doc, implementing $eq,$ne,$gt,$gte,$lt,$lte,
// $in,$exists,$and,$or with bare equality sugaring to $eq and implicit
// top-level conjunction across a query document's fields.
func Match(q bson.D, doc bson.D) bool {
	for _, e := range q {
		switch e.Key {
		case "$and":
			for _, sub := range e.Value.(bson.A) {
				if !Match(sub.(bson.D), doc) {
					return false
				}
			}
		case "$or":
			ok := false
			for _, sub := range e.Value.(bson.A) {
				if Match(sub.(bson.D), doc) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		default:
			if !matchField(doc, e.Key, e.Value) {
				return false
			}
		}
	}
	return true
}

func matchField(doc bson.D, path string, cond any) bool {
	if sub, ok := cond.(bson.D); ok && isOperatorDoc(sub) {
		for _, op := range sub {
			if !matchOperator(doc, path, op.Key, op.Value) {
				return false
			}
		}
		return true
	}
	return matchOperator(doc, path, "$eq", cond)
}

// isOperatorDoc reports whether d looks like {$gt: ..., $lt: ...} rather
// than a literal nested-document value to compare for equality.
func isOperatorDoc(d bson.D) bool {
	if len(d) == 0 {
		return false
	}
	for _, e := range d {
		if len(e.Key) == 0 || e.Key[0] != '$' {
			return false
		}
	}
	return true
}

func matchOperator(doc bson.D, path, op string, value any) bool {
	switch op {
	case "$exists":
		_, found := docenc.Get(doc, path)
		want, _ := value.(bool)
		return found == want
	case "$eq":
		return docenc.MatchesScalarOrArray(doc, path, func(v any) bool { return scalarEqual(v, value) })
	case "$ne":
		return !docenc.MatchesScalarOrArray(doc, path, func(v any) bool { return scalarEqual(v, value) })
	case "$in":
		arr, _ := value.(bson.A)
		return docenc.MatchesScalarOrArray(doc, path, func(v any) bool {
			for _, want := range arr {
				if scalarEqual(v, want) {
					return true
				}
			}
			return false
		})
	case "$gt", "$gte", "$lt", "$lte":
		fv, ok := docenc.Get(doc, path)
		fk, fkOK := keytype.ExtractKey(fv)
		if !ok || !fkOK {
			fk = keytype.NullKey{}
		}
		vk, _ := keytype.ExtractKey(value)
		if vk == nil {
			vk = keytype.NullKey{}
		}
		c := fk.Compare(vk)
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	default:
		return false
	}
}

func scalarEqual(a, b any) bool {
	ak, aok := keytype.ExtractKey(a)
	bk, bok := keytype.ExtractKey(b)
	if !aok || !bok {
		return false
	}
	return ak.Compare(bk) == 0
}

// Plan describes how a top-level conjunction should be executed: via a
// candidate index (equality/range/prefix) or a full cache scan. Ranking,
// per spec §4.8: unique index > field index > composite prefix > scan.
type Plan struct {
	Index *index.Index
	Eq    keytype.Key        // set for an equality/unique lookup
	In    []keytype.Key      // set for $in
	Low   *index.RangeBound  // set for a range scan
	High  *index.RangeBound
	Prefix keytype.TupleKey  // set for a composite prefix scan
}

// SelectIndex inspects a top-level query (implicit AND across its fields,
// ignoring $or since spec §4.8 only defines index selection for "a top-level
// $and including implicit conjunction") and returns a usable index plan, if
// any field condition is indexed.
func SelectIndex(q bson.D, indexes map[string]*index.Index) (*Plan, bool) {
	conds := conjunctionFields(q)

	// Rank 1: unique index via equality.
	for path, c := range conds {
		if ix, ok := indexFor(indexes, index.KindUnique, path); ok {
			if plan, ok := planFor(ix, c); ok {
				return plan, true
			}
		}
	}
	// Rank 2: field index via equality, $in, or range.
	for path, c := range conds {
		if ix, ok := indexFor(indexes, index.KindField, path); ok {
			if plan, ok := planFor(ix, c); ok {
				return plan, true
			}
		}
	}
	// Rank 3: composite index via a leading-field prefix.
	for _, ix := range indexes {
		if ix.Kind != index.KindComposite {
			continue
		}
		prefix := make(keytype.TupleKey, 0, len(ix.Fields))
		for _, f := range ix.Fields {
			c, ok := conds[f]
			if !ok {
				break
			}
			eq, ok := equalityKey(c)
			if !ok {
				break
			}
			prefix = append(prefix, eq)
		}
		if len(prefix) > 0 {
			return &Plan{Index: ix, Prefix: prefix}, true
		}
	}
	return nil, false
}

func indexFor(indexes map[string]*index.Index, kind index.Kind, path string) (*index.Index, bool) {
	for _, ix := range indexes {
		if ix.Kind == kind && len(ix.Fields) == 1 && ix.Fields[0] == path {
			return ix, true
		}
	}
	return nil, false
}

// fieldCond is one field's condition extracted from the top-level
// conjunction, retaining enough shape to decide equality/range/$in.
type fieldCond struct {
	ops bson.D
}

func conjunctionFields(q bson.D) map[string]fieldCond {
	out := make(map[string]fieldCond)
	for _, e := range q {
		if e.Key == "$and" {
			for _, sub := range e.Value.(bson.A) {
				for k, v := range conjunctionFields(sub.(bson.D)) {
					out[k] = v
				}
			}
			continue
		}
		if e.Key == "$or" || e.Key == "$exists" {
			continue
		}
		if sub, ok := e.Value.(bson.D); ok && isOperatorDoc(sub) {
			out[e.Key] = fieldCond{ops: sub}
		} else {
			out[e.Key] = fieldCond{ops: bson.D{{Key: "$eq", Value: e.Value}}}
		}
	}
	return out
}

func equalityKey(c fieldCond) (keytype.Key, bool) {
	for _, op := range c.ops {
		if op.Key == "$eq" {
			k, ok := keytype.ExtractKey(op.Value)
			return k, ok
		}
	}
	return nil, false
}

func planFor(ix *index.Index, c fieldCond) (*Plan, bool) {
	var low, high *index.RangeBound
	var eq keytype.Key
	var inKeys []keytype.Key
	hasEq, hasRange, hasIn := false, false, false

	for _, op := range c.ops {
		switch op.Key {
		case "$eq":
			if k, ok := keytype.ExtractKey(op.Value); ok {
				eq = k
				hasEq = true
			}
		case "$in":
			arr, _ := op.Value.(bson.A)
			for _, v := range arr {
				if k, ok := keytype.ExtractKey(v); ok {
					inKeys = append(inKeys, k)
				}
			}
			hasIn = true
		case "$gt":
			if k, ok := keytype.ExtractKey(op.Value); ok {
				low = &index.RangeBound{Key: k, Inclusive: false}
				hasRange = true
			}
		case "$gte":
			if k, ok := keytype.ExtractKey(op.Value); ok {
				low = &index.RangeBound{Key: k, Inclusive: true}
				hasRange = true
			}
		case "$lt":
			if k, ok := keytype.ExtractKey(op.Value); ok {
				high = &index.RangeBound{Key: k, Inclusive: false}
				hasRange = true
			}
		case "$lte":
			if k, ok := keytype.ExtractKey(op.Value); ok {
				high = &index.RangeBound{Key: k, Inclusive: true}
				hasRange = true
			}
		}
	}

	switch {
	case hasEq:
		return &Plan{Index: ix, Eq: eq}, true
	case hasIn:
		return &Plan{Index: ix, In: inKeys}, true
	case hasRange:
		return &Plan{Index: ix, Low: low, High: high}, true
	default:
		return nil, false
	}
}

// Ids executes the plan, streaming candidate document ids in index order
// where the plan carries one (equality and prefix plans don't promise an
// order the caller depends on; range plans do, for sort pass-through).
func (p *Plan) Ids(fn func(id uint64) bool) {
	switch {
	case p.Eq != nil:
		for id := range p.Index.Equality(p.Eq) {
			if !fn(id) {
				return
			}
		}
	case p.In != nil:
		for id := range p.Index.In(p.In) {
			if !fn(id) {
				return
			}
		}
	case p.Prefix != nil:
		p.Index.Prefix(p.Prefix, fn)
	default:
		p.Index.Range(p.Low, p.High, fn)
	}
}
