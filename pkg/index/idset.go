package index

// IDSet is the set-of-document-ids value stored under one key in a field or
// composite index. A unique index constrains every IDSet it ever stores to
// length 1; nothing structural enforces that here, the owning Index does.
type IDSet map[uint64]struct{}

// NewIDSet builds a set containing the given ids.
func NewIDSet(ids ...uint64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id uint64)      { s[id] = struct{}{} }
func (s IDSet) Remove(id uint64)   { delete(s, id) }
func (s IDSet) Has(id uint64) bool { _, ok := s[id]; return ok }
func (s IDSet) Len() int           { return len(s) }

// ToSlice returns the set's ids in unspecified order.
func (s IDSet) ToSlice() []uint64 {
	out := make([]uint64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// Union returns the set of ids present in any of sets, used by Index.In.
func Union(sets ...IDSet) IDSet {
	out := make(IDSet)
	for _, s := range sets {
		for id := range s {
			out[id] = struct{}{}
		}
	}
	return out
}
