package index_test

import (
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/index"
	"github.com/oxidocli/oxidb/pkg/keytype"
)

func TestSidecarSaveLoadRoundTrip(t *testing.T) {
	ix := index.New("by_age", index.KindField, []string{"age"})
	for id, age := range map[uint64]int{1: 10, 2: 20, 3: 20} {
		if err := ix.Add(id, doc(age, "x")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "coll.age.fidx")
	if err := ix.Save(path, 3, 4); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := index.Load(path, "by_age", index.KindField, []string{"age"}, 3, 4)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected the sidecar to validate")
	}
	if loaded.Len() != 2 {
		t.Fatalf("expected 2 distinct keys after reload, got %d", loaded.Len())
	}
	set := loaded.Equality(keytype.NumberKey(20))
	if set.Len() != 2 {
		t.Fatalf("expected 2 ids under age=20, got %v", set)
	}
}

func TestSidecarStalenessRejectsOnMismatch(t *testing.T) {
	ix := index.New("by_age", index.KindField, []string{"age"})
	if err := ix.Add(1, doc(10, "x")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	path := filepath.Join(t.TempDir(), "coll.age.fidx")
	if err := ix.Save(path, 1, 2); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, ok, err := index.Load(path, "by_age", index.KindField, []string{"age"}, 99, 100)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected a doc_count/next_id mismatch to reject the sidecar")
	}
}

func TestSidecarLoadMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.fidx")
	_, ok, err := index.Load(path, "x", index.KindField, []string{"f"}, 0, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a missing sidecar file")
	}
}

func TestCompositeSidecarRoundTrip(t *testing.T) {
	ix := index.New("by_country_city", index.KindComposite, []string{"country", "city"})
	rows := []bson.D{
		{{Key: "country", Value: "BR"}, {Key: "city", Value: "SP"}},
		{{Key: "country", Value: "US"}, {Key: "city", Value: "NY"}},
	}
	for i, r := range rows {
		if err := ix.Add(uint64(i+1), r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "coll.country_city.cidx")
	if err := ix.Save(path, 2, 3); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, ok, err := index.Load(path, "by_country_city", index.KindComposite, []string{"country", "city"}, 2, 3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected the composite sidecar to validate")
	}
	if loaded.Len() != 2 {
		t.Fatalf("expected 2 distinct tuple keys, got %d", loaded.Len())
	}
}
