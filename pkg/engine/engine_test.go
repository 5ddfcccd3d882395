package engine_test

import (
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/collection"
	"github.com/oxidocli/oxidb/pkg/engine"
	"github.com/oxidocli/oxidb/pkg/errors"
)

func openTest(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(t.TempDir(), collection.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestInsertAutoCreatesCollection(t *testing.T) {
	e := openTest(t)
	id, err := e.Insert("people", bson.D{{Key: "name", Value: "alice"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero assigned id")
	}
	names := e.ListCollections()
	if len(names) != 1 || names[0] != "people" {
		t.Fatalf("expected people to be auto-created, got %v", names)
	}
}

func TestFindOneAndCount(t *testing.T) {
	e := openTest(t)
	if _, err := e.Insert("people", bson.D{{Key: "age", Value: 30}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := e.Insert("people", bson.D{{Key: "age", Value: 40}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	doc, ok, err := e.FindOne("people", bson.D{{Key: "age", Value: 30}})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if !ok || doc == nil {
		t.Fatal("expected a match for age=30")
	}

	count, err := e.Count("people", bson.D{{Key: "age", Value: bson.D{{Key: "$gte", Value: 0}}}})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 documents, got %d", count)
	}
}

func TestCountUsesIndexCardinalityShortcut(t *testing.T) {
	e := openTest(t)
	if err := e.CreateCollection("people"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := e.CreateIndex("people", "by_age", "age"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.Insert("people", bson.D{{Key: "age", Value: 30}}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	count, err := e.Count("people", bson.D{{Key: "age", Value: 30}})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected cardinality shortcut to return 3, got %d", count)
	}
}

func TestFindSortedWithIndexAndSkipLimit(t *testing.T) {
	e := openTest(t)
	if err := e.CreateCollection("people"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := e.CreateIndex("people", "by_age", "age"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	ages := []int{50, 10, 30, 20, 40}
	for _, a := range ages {
		if _, err := e.Insert("people", bson.D{{Key: "age", Value: a}}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	docs, err := e.Find("people", bson.D{}, engine.FindOptions{SortField: "age", Skip: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	got0 := int(toInt(docs[0][2].Value))
	got1 := int(toInt(docs[1][2].Value))
	if got0 != 20 || got1 != 30 {
		t.Fatalf("expected ages [20,30] after skip=1 limit=2, got [%d,%d]", got0, got1)
	}
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	default:
		return -1
	}
}

func TestFindSortedDescendingFallbackScan(t *testing.T) {
	e := openTest(t)
	ages := []int{5, 1, 3}
	for _, a := range ages {
		if _, err := e.Insert("people", bson.D{{Key: "age", Value: a}}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	docs, err := e.Find("people", bson.D{}, engine.FindOptions{SortField: "age", Desc: true})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	if toInt(docs[0][2].Value) != 5 || toInt(docs[2][2].Value) != 1 {
		t.Fatalf("expected descending order by age, got %v", docs)
	}
}

func TestUpdateOneAndDeleteOne(t *testing.T) {
	e := openTest(t)
	if _, err := e.Insert("people", bson.D{{Key: "name", Value: "alice"}, {Key: "age", Value: 30}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	n, err := e.UpdateOne("people", bson.D{{Key: "name", Value: "alice"}}, func(d bson.D) bson.D {
		return bson.D{{Key: "name", Value: "alice"}, {Key: "age", Value: 31}}
	})
	if err != nil {
		t.Fatalf("UpdateOne: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 modified, got %d", n)
	}
	doc, ok, _ := e.FindOne("people", bson.D{{Key: "name", Value: "alice"}})
	if !ok || toInt(doc[3].Value) != 31 {
		t.Fatalf("expected age=31 after update, got %v", doc)
	}

	n, err = e.DeleteOne("people", bson.D{{Key: "name", Value: "alice"}})
	if err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, ok, _ := e.FindOne("people", bson.D{{Key: "name", Value: "alice"}}); ok {
		t.Fatal("expected no match after delete")
	}
}

func TestCollectionNotFoundError(t *testing.T) {
	e := openTest(t)
	_, err := e.FindOne("missing", bson.D{})
	if _, ok := err.(*errors.CollectionNotFoundError); !ok {
		t.Fatalf("expected CollectionNotFoundError, got %v (%T)", err, err)
	}
}

func TestDropCollection(t *testing.T) {
	e := openTest(t)
	if _, err := e.Insert("people", bson.D{{Key: "name", Value: "alice"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.DropCollection("people"); err != nil {
		t.Fatalf("DropCollection: %v", err)
	}
	if len(e.ListCollections()) != 0 {
		t.Fatal("expected no collections after drop")
	}
}

func TestCompactThroughEngine(t *testing.T) {
	e := openTest(t)
	id, err := e.Insert("people", bson.D{{Key: "name", Value: "alice"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := e.Insert("people", bson.D{{Key: "name", Value: "bob"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := e.DeleteOne("people", bson.D{{Key: "name", Value: "alice"}}); err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	_ = id
	stats, err := e.Compact("people")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if stats.DocsKept != 1 {
		t.Fatalf("expected 1 document kept, got %d", stats.DocsKept)
	}
}
