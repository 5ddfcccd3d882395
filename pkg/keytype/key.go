// Package keytype implements the totally ordered index key used by every
// index in the core. A document field value normalizes to one of five
// kinds, ordered globally as Null < Bool < Number < DateTime < String;
// within a kind the natural order applies.
package keytype

import (
	"fmt"
	"time"
)

// kind tags the five key kinds for the global ordering. The numeric values
// themselves are the ordering: lower kind sorts first regardless of value.
type kind int

const (
	kindNull kind = iota
	kindBool
	kindNumber
	kindDateTime
	kindString
)

// Key is the interface every index key kind implements. Compare returns
// -1/0/1 the same way as the old-fashioned C strcmp contract.
type Key interface {
	Compare(other Key) int
	String() string
	kind() kind
}

// NullKey is the single Null value. ExtractKey only sees present values, so
// a missing field has no key of its own; composite-index tuples use NullKey
// for a missing component.
type NullKey struct{}

func (NullKey) kind() kind      { return kindNull }
func (NullKey) String() string  { return "null" }
func (k NullKey) Compare(o Key) int {
	if o.kind() != kindNull {
		return cmpKind(k, o)
	}
	return 0
}

type BoolKey bool

func (k BoolKey) kind() kind     { return kindBool }
func (k BoolKey) String() string { return fmt.Sprintf("%t", bool(k)) }
func (k BoolKey) Compare(o Key) int {
	if o.kind() != kindBool {
		return cmpKind(k, o)
	}
	ob := o.(BoolKey)
	if k == ob {
		return 0
	}
	if !bool(k) && bool(ob) {
		return -1
	}
	return 1
}

// NumberKey collapses the teacher's separate IntKey/FloatKey: documents are
// schema-less JSON, so there is no static column type to keep them apart.
type NumberKey float64

func (k NumberKey) kind() kind     { return kindNumber }
func (k NumberKey) String() string { return fmt.Sprintf("%g", float64(k)) }
func (k NumberKey) Compare(o Key) int {
	if o.kind() != kindNumber {
		return cmpKind(k, o)
	}
	on := o.(NumberKey)
	switch {
	case k < on:
		return -1
	case k > on:
		return 1
	default:
		return 0
	}
}

// DateTimeKey stores epoch milliseconds so the ordering is stable across
// process restarts without depending on monotonic time.Time internals.
type DateTimeKey int64

func (k DateTimeKey) kind() kind { return kindDateTime }
func (k DateTimeKey) String() string {
	return time.UnixMilli(int64(k)).UTC().Format(time.RFC3339Nano)
}
func (k DateTimeKey) Compare(o Key) int {
	if o.kind() != kindDateTime {
		return cmpKind(k, o)
	}
	od := o.(DateTimeKey)
	switch {
	case k < od:
		return -1
	case k > od:
		return 1
	default:
		return 0
	}
}

type StringKey string

func (k StringKey) kind() kind     { return kindString }
func (k StringKey) String() string { return string(k) }
func (k StringKey) Compare(o Key) int {
	if o.kind() != kindString {
		return cmpKind(k, o)
	}
	os := o.(StringKey)
	switch {
	case k < os:
		return -1
	case k > os:
		return 1
	default:
		return 0
	}
}

// cmpKind orders two keys of different kinds purely by kind rank; it is the
// tie-break used whenever a.kind() != b.kind().
func cmpKind(a, b Key) int {
	ak, bk := a.kind(), b.kind()
	switch {
	case ak < bk:
		return -1
	case ak > bk:
		return 1
	default:
		return 0
	}
}

// TupleKey is a composite index key: components compared lexicographically,
// one kind-and-value pair at a time. Used for composite indexes and their
// prefix-range lookups.
type TupleKey []Key

func (k TupleKey) kind() kind { return kindString } // tuples never mix with scalar keys directly

func (k TupleKey) String() string {
	s := "("
	for i, c := range k {
		if i > 0 {
			s += ", "
		}
		s += c.String()
	}
	return s + ")"
}

func (k TupleKey) Compare(o Key) int {
	ot, ok := o.(TupleKey)
	if !ok {
		return cmpKind(k, o)
	}
	n := len(k)
	if len(ot) < n {
		n = len(ot)
	}
	for i := 0; i < n; i++ {
		if c := k[i].Compare(ot[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(ot):
		return -1
	case len(k) > len(ot):
		return 1
	default:
		return 0
	}
}

// HasPrefix reports whether k's leading components equal prefix exactly —
// used to implement composite-index prefix range scans.
func (k TupleKey) HasPrefix(prefix TupleKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, c := range prefix {
		if k[i].Compare(c) != 0 {
			return false
		}
	}
	return true
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ExtractKey normalizes a decoded JSON/BSON scalar into a Key. A string
// whose content parses as ISO-8601, RFC-3339, or YYYY-MM-DD becomes a
// DateTimeKey instead of a StringKey, per the §3 data model.
func ExtractKey(value any) (Key, bool) {
	switch v := value.(type) {
	case nil:
		return NullKey{}, true
	case bool:
		return BoolKey(v), true
	case int:
		return NumberKey(v), true
	case int32:
		return NumberKey(v), true
	case int64:
		return NumberKey(v), true
	case float32:
		return NumberKey(v), true
	case float64:
		return NumberKey(v), true
	case time.Time:
		return DateTimeKey(v.UnixMilli()), true
	case string:
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return DateTimeKey(t.UnixMilli()), true
			}
		}
		return StringKey(v), true
	default:
		return nil, false
	}
}
