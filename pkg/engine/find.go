package engine

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/collection"
	"github.com/oxidocli/oxidb/pkg/docenc"
	"github.com/oxidocli/oxidb/pkg/index"
	"github.com/oxidocli/oxidb/pkg/keytype"
	"github.com/oxidocli/oxidb/pkg/query"
)

func matchDoc(q bson.D, doc bson.D) bool { return query.Match(q, doc) }

// FindOptions carries find's optional sort/skip/limit clauses (spec §6
// `find(collection, query, sort?, skip?, limit?)`).
type FindOptions struct {
	SortField string // field path; empty means no explicit sort
	Desc      bool
	Skip      int
	Limit     int // 0 means unlimited
}

// Find evaluates q against name, applying sort/skip/limit, favoring an
// index-backed path over a full cache scan wherever one applies — spec
// §4.8's ranking for filtering, and index-ordered iteration for sort so a
// limited query never materializes more than skip+limit documents.
func (e *Engine) Find(name string, q bson.D, opts FindOptions) ([]bson.D, error) {
	coll, err := e.get(name)
	if err != nil {
		return nil, err
	}
	coll.RLock()
	defer coll.RUnlock()
	e.met.Ops.WithLabelValues("find", name).Inc()

	if opts.SortField != "" {
		return e.findSorted(coll, q, opts)
	}
	return e.findUnsorted(coll, q, opts)
}

// findUnsorted streams candidate ids from a selected index when one
// applies (re-checking the full query against the candidate, since the
// selected index may not cover every condition in the conjunction), else
// falls back to a full cache scan.
func (e *Engine) findUnsorted(coll *collection.Collection, q bson.D, opts FindOptions) ([]bson.D, error) {
	var out []bson.D
	skipped := 0
	emit := func(id uint64, doc bson.D) bool {
		if !matchDoc(q, doc) {
			return true
		}
		if skipped < opts.Skip {
			skipped++
			return true
		}
		out = append(out, withIdentity(coll, id, doc))
		return opts.Limit == 0 || len(out) < opts.Limit
	}

	if plan, ok := query.SelectIndex(q, coll.Indexes()); ok {
		plan.Ids(func(id uint64) bool {
			doc, ok := coll.Cache().Get(id)
			if !ok {
				return true
			}
			return emit(id, doc)
		})
		return out, nil
	}

	coll.Cache().Range(func(id uint64, doc bson.D) bool { return emit(id, doc) })
	return out, nil
}

// findSorted iterates a single-field index over opts.SortField in the
// requested direction when one exists, applying skip/limit directly against
// the ordered stream (spec §4.8: "never materializing the whole
// collection"). Absent a usable index it falls back to collecting every
// match and sorting in memory.
func (e *Engine) findSorted(coll *collection.Collection, q bson.D, opts FindOptions) ([]bson.D, error) {
	ix, ok := sortIndexFor(coll.Indexes(), opts.SortField)
	if !ok {
		return e.findSortedScan(coll, q, opts)
	}

	var out []bson.D
	skipped := 0
	visit := func(k keytype.Key, ids index.IDSet) bool {
		for id := range ids {
			doc, ok := coll.Cache().Get(id)
			if !ok || !matchDoc(q, doc) {
				continue
			}
			if skipped < opts.Skip {
				skipped++
				continue
			}
			out = append(out, withIdentity(coll, id, doc))
			if opts.Limit != 0 && len(out) >= opts.Limit {
				return false
			}
		}
		return true
	}

	if opts.Desc {
		ix.Descend(visit)
	} else {
		ix.Ascend(visit)
	}
	return out, nil
}

type sortHit struct {
	id  uint64
	doc bson.D
	key keytype.Key
}

// findSortedScan is the unindexed fallback: collect every match, sort by
// the requested field in memory, then apply skip/limit. Unlike the
// index-backed path this necessarily visits every matching document.
func (e *Engine) findSortedScan(coll *collection.Collection, q bson.D, opts FindOptions) ([]bson.D, error) {
	var hits []sortHit
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if !matchDoc(q, doc) {
			return true
		}
		k, ok := docenc.ExtractIndexKey(doc, opts.SortField)
		if !ok {
			k = keytype.NullKey{}
		}
		hits = append(hits, sortHit{id: id, doc: doc, key: k})
		return true
	})
	sort.Slice(hits, func(i, j int) bool {
		c := hits[i].key.Compare(hits[j].key)
		if opts.Desc {
			return c > 0
		}
		return c < 0
	})

	var out []bson.D
	for i, h := range hits {
		if i < opts.Skip {
			continue
		}
		out = append(out, withIdentity(coll, h.id, h.doc))
		if opts.Limit != 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func sortIndexFor(indexes map[string]*index.Index, field string) (*index.Index, bool) {
	for _, ix := range indexes {
		if len(ix.Fields) == 1 && ix.Fields[0] == field && ix.Kind != index.KindComposite {
			return ix, true
		}
	}
	return nil, false
}

// FindOne returns the first document in name matching q, or (nil, false).
func (e *Engine) FindOne(name string, q bson.D) (bson.D, bool, error) {
	coll, err := e.get(name)
	if err != nil {
		return nil, false, err
	}
	coll.RLock()
	defer coll.RUnlock()
	e.met.Ops.WithLabelValues("find_one", name).Inc()

	if plan, ok := query.SelectIndex(q, coll.Indexes()); ok {
		var found bson.D
		ok := false
		var foundID uint64
		plan.Ids(func(id uint64) bool {
			doc, exists := coll.Cache().Get(id)
			if !exists || !matchDoc(q, doc) {
				return true
			}
			found, foundID, ok = doc, id, true
			return false
		})
		if ok {
			return withIdentity(coll, foundID, found), true, nil
		}
		return nil, false, nil
	}

	var found bson.D
	var foundID uint64
	hit := false
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if matchDoc(q, doc) {
			found, foundID, hit = doc, id, true
			return false
		}
		return true
	})
	if !hit {
		return nil, false, nil
	}
	return withIdentity(coll, foundID, found), true, nil
}

// Count returns the number of documents in name matching q, using the
// indexed set's cardinality directly when q is a single equality condition
// on an indexed field — spec §4.8 "without visiting documents".
func (e *Engine) Count(name string, q bson.D) (int, error) {
	coll, err := e.get(name)
	if err != nil {
		return 0, err
	}
	coll.RLock()
	defer coll.RUnlock()

	if len(q) == 1 && !strings.HasPrefix(q[0].Key, "$") {
		if sub, isDoc := q[0].Value.(bson.D); !isDoc || len(sub) == 1 {
			if plan, ok := query.SelectIndex(q, coll.Indexes()); ok && plan.Eq != nil {
				return plan.Index.Equality(plan.Eq).Len(), nil
			}
		}
	}

	count := 0
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if matchDoc(q, doc) {
			count++
		}
		return true
	})
	return count, nil
}
