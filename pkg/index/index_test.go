package index_test

import (
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/index"
	"github.com/oxidocli/oxidb/pkg/keytype"
)

func doc(age int, name string) bson.D {
	return bson.D{{Key: "age", Value: age}, {Key: "name", Value: name}}
}

func TestFieldIndexAddEqualityRemove(t *testing.T) {
	ix := index.New("by_age", index.KindField, []string{"age"})
	if err := ix.Add(1, doc(30, "alice")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ix.Add(2, doc(30, "bob")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	set := ix.Equality(keytype.NumberKey(30))
	if set.Len() != 2 || !set.Has(1) || !set.Has(2) {
		t.Fatalf("expected both ids under 30, got %v", set)
	}

	ix.Remove(1, doc(30, "alice"))
	set = ix.Equality(keytype.NumberKey(30))
	if set.Len() != 1 || !set.Has(2) {
		t.Fatalf("expected only id 2 to remain, got %v", set)
	}
}

func TestUniqueIndexRejectsDuplicateKey(t *testing.T) {
	ix := index.New("by_email", index.KindUnique, []string{"email"})
	a := bson.D{{Key: "email", Value: "a@example.com"}}
	b := bson.D{{Key: "email", Value: "a@example.com"}}
	if err := ix.Add(1, a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ix.Add(2, b); err == nil {
		t.Fatal("expected a unique violation for a duplicate key")
	}
}

func TestWouldViolateExcludesOwnID(t *testing.T) {
	ix := index.New("by_email", index.KindUnique, []string{"email"})
	a := bson.D{{Key: "email", Value: "a@example.com"}}
	if err := ix.Add(1, a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ix.WouldViolate(a, 1) {
		t.Fatal("expected WouldViolate to be false when excluding the document's own id")
	}
	if !ix.WouldViolate(a, 2) {
		t.Fatal("expected WouldViolate to be true for a different id")
	}
}

func TestUpdateDiffNoChurnOnUnchangedKey(t *testing.T) {
	ix := index.New("by_age", index.KindField, []string{"age"})
	old := doc(30, "alice")
	if err := ix.Add(1, old); err != nil {
		t.Fatalf("Add: %v", err)
	}
	newDoc := doc(30, "alicia") // age unchanged, other field changed
	if err := ix.UpdateDiff(1, old, newDoc); err != nil {
		t.Fatalf("UpdateDiff: %v", err)
	}
	if ix.Equality(keytype.NumberKey(30)).Len() != 1 {
		t.Fatal("expected the key's set to still contain exactly one id")
	}
}

func TestUpdateDiffMovesKey(t *testing.T) {
	ix := index.New("by_age", index.KindField, []string{"age"})
	old := doc(30, "alice")
	if err := ix.Add(1, old); err != nil {
		t.Fatalf("Add: %v", err)
	}
	newDoc := doc(31, "alice")
	if err := ix.UpdateDiff(1, old, newDoc); err != nil {
		t.Fatalf("UpdateDiff: %v", err)
	}
	if ix.Equality(keytype.NumberKey(30)).Len() != 0 {
		t.Fatal("expected the old key to be empty after the move")
	}
	if ix.Equality(keytype.NumberKey(31)).Len() != 1 {
		t.Fatal("expected the new key to hold the id")
	}
}

func TestRangeInclusiveExclusive(t *testing.T) {
	ix := index.New("by_age", index.KindField, []string{"age"})
	for id, age := range map[uint64]int{1: 10, 2: 20, 3: 30, 4: 40} {
		if err := ix.Add(id, doc(age, "x")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	var got []uint64
	low := &index.RangeBound{Key: keytype.NumberKey(20), Inclusive: true}
	high := &index.RangeBound{Key: keytype.NumberKey(30), Inclusive: false}
	ix.Range(low, high, func(id uint64) bool { got = append(got, id); return true })
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only id 2 (age 20) in [20,30), got %v", got)
	}
}

func TestAscendDescendOrder(t *testing.T) {
	ix := index.New("by_age", index.KindField, []string{"age"})
	ages := map[uint64]int{1: 10, 2: 20, 3: 30}
	for id, age := range ages {
		if err := ix.Add(id, doc(age, "x")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	var asc []keytype.Key
	ix.Ascend(func(k keytype.Key, ids index.IDSet) bool { asc = append(asc, k); return true })
	for i := 0; i < len(asc)-1; i++ {
		if asc[i].Compare(asc[i+1]) >= 0 {
			t.Fatalf("expected ascending order, got %v", asc)
		}
	}

	var desc []keytype.Key
	ix.Descend(func(k keytype.Key, ids index.IDSet) bool { desc = append(desc, k); return true })
	for i := 0; i < len(desc)-1; i++ {
		if desc[i].Compare(desc[i+1]) <= 0 {
			t.Fatalf("expected descending order, got %v", desc)
		}
	}
}

func TestCompositePrefixScan(t *testing.T) {
	ix := index.New("by_country_city", index.KindComposite, []string{"country", "city"})
	rows := []bson.D{
		{{Key: "country", Value: "BR"}, {Key: "city", Value: "SP"}},
		{{Key: "country", Value: "BR"}, {Key: "city", Value: "RJ"}},
		{{Key: "country", Value: "US"}, {Key: "city", Value: "NY"}},
	}
	for i, r := range rows {
		if err := ix.Add(uint64(i+1), r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	prefix := keytype.TupleKey{keytype.StringKey("BR")}
	var got []uint64
	ix.Prefix(prefix, func(id uint64) bool { got = append(got, id); return true })
	if len(got) != 2 {
		t.Fatalf("expected 2 ids under country=BR, got %v", got)
	}
}

func TestCompositeMissingComponentNormalizesToNull(t *testing.T) {
	ix := index.New("by_a_b", index.KindComposite, []string{"a", "b"})
	onlyA := bson.D{{Key: "a", Value: "x"}}
	if err := ix.Add(1, onlyA); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ix.Len() != 1 {
		t.Fatalf("expected one composite key, got %d", ix.Len())
	}
}

func TestBackfillPopulatesFromSnapshot(t *testing.T) {
	ix := index.New("by_age", index.KindField, []string{"age"})
	docs := map[uint64]bson.D{
		1: doc(10, "a"),
		2: doc(20, "b"),
	}
	if err := ix.Backfill(docs); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if ix.Len() != 2 {
		t.Fatalf("expected 2 distinct keys, got %d", ix.Len())
	}
}
