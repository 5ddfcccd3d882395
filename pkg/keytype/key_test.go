package keytype_test

import (
	"testing"

	"github.com/oxidocli/oxidb/pkg/keytype"
)

func TestGlobalKindOrder(t *testing.T) {
	vals := []keytype.Key{
		keytype.NullKey{},
		keytype.BoolKey(true),
		keytype.NumberKey(-999999),
		keytype.DateTimeKey(0),
		keytype.StringKey(""),
	}
	for i := 0; i < len(vals)-1; i++ {
		if vals[i].Compare(vals[i+1]) >= 0 {
			t.Fatalf("expected %v < %v", vals[i], vals[i+1])
		}
		if vals[i+1].Compare(vals[i]) <= 0 {
			t.Fatalf("expected %v > %v", vals[i+1], vals[i])
		}
	}
}

func TestNumberKeyOrdering(t *testing.T) {
	a, b := keytype.NumberKey(1), keytype.NumberKey(2)
	if a.Compare(b) >= 0 {
		t.Fatal("expected 1 < 2")
	}
	if a.Compare(a) != 0 {
		t.Fatal("expected equal keys to compare 0")
	}
}

func TestExtractKeyScalars(t *testing.T) {
	cases := []struct {
		in   any
		want keytype.Key
	}{
		{nil, keytype.NullKey{}},
		{true, keytype.BoolKey(true)},
		{42, keytype.NumberKey(42)},
		{3.5, keytype.NumberKey(3.5)},
		{"plain string", keytype.StringKey("plain string")},
	}
	for _, c := range cases {
		got, ok := keytype.ExtractKey(c.in)
		if !ok {
			t.Fatalf("ExtractKey(%v): expected ok", c.in)
		}
		if got.Compare(c.want) != 0 {
			t.Fatalf("ExtractKey(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestExtractKeyDetectsISODate(t *testing.T) {
	k, ok := keytype.ExtractKey("2024-01-15T10:00:00Z")
	if !ok {
		t.Fatal("expected ok")
	}
	if _, isDate := k.(keytype.DateTimeKey); !isDate {
		t.Fatalf("expected an ISO-8601 string to normalize to DateTimeKey, got %T", k)
	}
}

func TestExtractKeyPlainDateOnly(t *testing.T) {
	k, ok := keytype.ExtractKey("2024-01-15")
	if !ok {
		t.Fatal("expected ok")
	}
	if _, isDate := k.(keytype.DateTimeKey); !isDate {
		t.Fatalf("expected a YYYY-MM-DD string to normalize to DateTimeKey, got %T", k)
	}
}

func TestExtractKeyRejectsUnsupported(t *testing.T) {
	if _, ok := keytype.ExtractKey(struct{}{}); ok {
		t.Fatal("expected an unsupported type to be rejected")
	}
}

func TestTupleKeyOrderingAndPrefix(t *testing.T) {
	a := keytype.TupleKey{keytype.StringKey("x"), keytype.NumberKey(1)}
	b := keytype.TupleKey{keytype.StringKey("x"), keytype.NumberKey(2)}
	if a.Compare(b) >= 0 {
		t.Fatal("expected (x,1) < (x,2)")
	}
	if !b.HasPrefix(keytype.TupleKey{keytype.StringKey("x")}) {
		t.Fatal("expected (x,2) to have prefix (x)")
	}
	if b.HasPrefix(keytype.TupleKey{keytype.StringKey("y")}) {
		t.Fatal("expected (x,2) not to have prefix (y)")
	}
}

func TestTupleKeyShorterPrefixSortsFirst(t *testing.T) {
	short := keytype.TupleKey{keytype.StringKey("x")}
	long := keytype.TupleKey{keytype.StringKey("x"), keytype.NumberKey(1)}
	if short.Compare(long) >= 0 {
		t.Fatal("expected a strict prefix tuple to sort before the longer tuple")
	}
}
