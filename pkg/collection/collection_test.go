package collection

import (
	"os"
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/index"
)

func openTest(t *testing.T, name string) *Collection {
	t.Helper()
	c, err := Open(t.TempDir(), name, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInsertFindDeleteRoundTrip(t *testing.T) {
	c := openTest(t, "people")

	id, err := c.Insert(1, bson.D{{Key: "name", Value: "alice"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	doc, ok := c.Cache().Get(id)
	if !ok || doc[0].Value != "alice" {
		t.Fatalf("expected the inserted document to be cached, got %v ok=%v", doc, ok)
	}
	if v, ok := c.Version(id); !ok || v != 1 {
		t.Fatalf("expected version 1 on insert, got %d ok=%v", v, ok)
	}

	if err := c.Update(2, id, bson.D{{Key: "name", Value: "alicia"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	doc, _ = c.Cache().Get(id)
	if doc[0].Value != "alicia" {
		t.Fatalf("expected updated name, got %v", doc)
	}
	if v, _ := c.Version(id); v != 2 {
		t.Fatalf("expected version bumped to 2, got %d", v)
	}

	if err := c.Delete(3, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Cache().Get(id); ok {
		t.Fatal("expected the document to be gone after delete")
	}
}

func TestUniqueIndexRejectsDuplicateInsert(t *testing.T) {
	c := openTest(t, "users")
	if err := c.CreateUniqueIndex("by_email", "email"); err != nil {
		t.Fatalf("CreateUniqueIndex: %v", err)
	}
	if _, err := c.Insert(1, bson.D{{Key: "email", Value: "a@example.com"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := c.Insert(2, bson.D{{Key: "email", Value: "a@example.com"}}); err == nil {
		t.Fatal("expected a unique violation on the second insert")
	}
	if c.DocCount() != 1 {
		t.Fatalf("expected the rejected insert to leave no trace, got %d documents", c.DocCount())
	}
}

func TestCreateIndexBackfillsExistingDocuments(t *testing.T) {
	c := openTest(t, "people")
	if _, err := c.Insert(1, bson.D{{Key: "age", Value: 30}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := c.Insert(1, bson.D{{Key: "age", Value: 30}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.CreateIndex("by_age", "age"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	ix := c.Indexes()["by_age"]
	if ix.Len() != 1 {
		t.Fatalf("expected one distinct age key after backfill, got %d", ix.Len())
	}
}

func TestCrashRecoveryReplaysUncommittedInsert(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "people", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Simulate a crash between the WAL append and the closing checkpoint: the
	// durable WAL/record/cache/index sequence runs, but no checkpoint entry
	// is ever written.
	id := c.nextID.Add(1)
	if err := c.applyInsert(1, id, 1, bson.D{{Key: "name", Value: "alice"}}); err != nil {
		t.Fatalf("applyInsert: %v", err)
	}
	// Close only the WAL and store files directly, bypassing Close (which
	// would persist index sidecars but leaves the un-checkpointed WAL entry
	// in place, which is exactly the crash scenario under test).
	c.wal.Close()
	c.store.Close()

	c2, err := Open(dir, "people", Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	doc, ok := c2.Cache().Get(id)
	if !ok {
		t.Fatal("expected replay to recover the un-checkpointed insert")
	}
	if doc[0].Value != "alice" {
		t.Fatalf("unexpected recovered document: %v", doc)
	}
}

func TestCrashRecoverySkipsCheckpointedTransaction(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "people", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := c.Insert(1, bson.D{{Key: "name", Value: "alice"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	c.Close()

	c2, err := Open(dir, "people", Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	if c2.DocCount() != 1 {
		t.Fatalf("expected exactly 1 document after reopen, got %d", c2.DocCount())
	}
	if _, ok := c2.Cache().Get(id); !ok {
		t.Fatal("expected the checkpointed document to still be present")
	}
}

func TestCompactRemovesDeletedBytes(t *testing.T) {
	c := openTest(t, "people")
	id1, _ := c.Insert(1, bson.D{{Key: "name", Value: "alice"}})
	id2, _ := c.Insert(2, bson.D{{Key: "name", Value: "bob"}})
	if err := c.Delete(3, id1); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	stats, err := c.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if stats.DocsKept != 1 {
		t.Fatalf("expected 1 document kept, got %d", stats.DocsKept)
	}
	if _, ok := c.Cache().Get(id2); !ok {
		t.Fatal("expected the surviving document to remain cached after compaction")
	}
}

func TestIndexAdminCreateListDrop(t *testing.T) {
	c := openTest(t, "people")
	if err := c.CreateIndex("by_age", "age"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := c.CreateIndex("by_age", "age"); err == nil {
		t.Fatal("expected a duplicate index name to fail")
	}
	names := c.ListIndexes()
	if len(names) != 1 || names[0] != "by_age" {
		t.Fatalf("unexpected index list: %v", names)
	}
	if err := c.DropIndex("by_age"); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
	if len(c.ListIndexes()) != 0 {
		t.Fatal("expected no indexes after drop")
	}
}

func TestSidecarPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "people", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.Insert(1, bson.D{{Key: "age", Value: 30}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.CreateIndex("by_age", "age"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	c.Close()

	if _, err := os.Stat(filepath.Join(dir, "people.by_age.fidx")); err != nil {
		t.Fatalf("expected a sidecar file on disk after Close, got: %v", err)
	}

	c2, err := Open(dir, "people", Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	// Indexes aren't auto-loaded on Open (definitions live with the
	// dispatcher's schema, out of this core's scope); re-registering the
	// same definition should load the persisted sidecar rather than
	// rebuilding, and produce the same content either way.
	if err := c2.CreateIndex("by_age", "age"); err != nil {
		t.Fatalf("CreateIndex after reopen: %v", err)
	}
	if c2.Indexes()["by_age"].Len() != 1 {
		t.Fatalf("expected the reloaded index to contain one key")
	}
}

// TestDifferentlyNamedIndexesOnSameFieldDoNotCollide guards against sidecar
// paths keyed by field rather than index name: a field index and a later
// unique index on the same field must persist to distinct files.
func TestDifferentlyNamedIndexesOnSameFieldDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "people", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, err := c.Insert(1, bson.D{{Key: "email", Value: "a@example.com"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.CreateIndex("email_idx", "email"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := c.CreateUniqueIndex("email_unique", "email"); err != nil {
		t.Fatalf("CreateUniqueIndex: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "people.email_idx.fidx")); err != nil {
		t.Fatalf("expected email_idx's own sidecar file, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "people.email_unique.fidx")); err != nil {
		t.Fatalf("expected email_unique's own sidecar file, got: %v", err)
	}

	if c.Indexes()["email_idx"].Kind != index.KindField {
		t.Fatal("email_idx should still be a field index")
	}
	if c.Indexes()["email_unique"].Kind != index.KindUnique {
		t.Fatal("email_unique should still be a unique index")
	}

	if err := c.DropIndex("email_idx"); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "people.email_unique.fidx")); err != nil {
		t.Fatalf("dropping email_idx must not remove email_unique's sidecar, got: %v", err)
	}
	if c.Indexes()["email_unique"].Len() != 1 {
		t.Fatal("expected email_unique to still contain its key after sibling drop")
	}
}
