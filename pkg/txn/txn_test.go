package txn_test

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

func TestTxInsertVisibleOnlyAfterCommit(t *testing.T) {
	e := openTest(t)
	if err := e.CreateCollection("people"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	tx := e.BeginTx()
	if err := tx.Insert("people", bson.D{{Key: "name", Value: "alice"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Not yet visible outside the transaction.
	if _, ok, _ := e.FindOne("people", bson.D{{Key: "name", Value: "alice"}}); ok {
		t.Fatal("expected the staged insert to be invisible before commit")
	}

	// But visible to the transaction's own reads.
	docs, err := tx.Find("people", bson.D{{Key: "name", Value: "alice"}})
	if err != nil {
		t.Fatalf("tx.Find: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected the transaction to see its own staged insert, got %d", len(docs))
	}

	if err := e.CommitTx(tx); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	if _, ok, _ := e.FindOne("people", bson.D{{Key: "name", Value: "alice"}}); !ok {
		t.Fatal("expected the insert to be visible after commit")
	}
}

func TestTxRollbackDiscardsChanges(t *testing.T) {
	e := openTest(t)
	if err := e.CreateCollection("people"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	tx := e.BeginTx()
	if err := tx.Insert("people", bson.D{{Key: "name", Value: "alice"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	e.RollbackTx(tx)

	if _, ok, _ := e.FindOne("people", bson.D{{Key: "name", Value: "alice"}}); ok {
		t.Fatal("expected a rolled-back insert to leave no trace")
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("expected committing a rolled-back transaction to fail")
	}
}

func TestTxCommitAcrossMultipleCollections(t *testing.T) {
	e := openTest(t)
	tx := e.BeginTx()
	if err := tx.Insert("accounts", bson.D{{Key: "owner", Value: "alice"}}); err != nil {
		t.Fatalf("Insert accounts: %v", err)
	}
	if err := tx.Insert("ledger", bson.D{{Key: "entry", Value: "open"}}); err != nil {
		t.Fatalf("Insert ledger: %v", err)
	}
	if err := e.CommitTx(tx); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	if _, ok, _ := e.FindOne("accounts", bson.D{{Key: "owner", Value: "alice"}}); !ok {
		t.Fatal("expected accounts insert to be durable")
	}
	if _, ok, _ := e.FindOne("ledger", bson.D{{Key: "entry", Value: "open"}}); !ok {
		t.Fatal("expected ledger insert to be durable")
	}
}

func TestTxOCCConflictOnStaleRead(t *testing.T) {
	e := openTest(t)
	id, err := e.Insert("accounts", bson.D{{Key: "balance", Value: 100}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tx := e.BeginTx()
	if _, err := tx.Find("accounts", bson.D{{Key: "balance", Value: 100}}); err != nil {
		t.Fatalf("tx.Find: %v", err)
	}

	// A concurrent writer outside the transaction bumps the document's
	// version before the transaction commits.
	if _, err := e.UpdateOne("accounts", bson.D{{Key: "balance", Value: 100}}, func(d bson.D) bson.D {
		return bson.D{{Key: "balance", Value: 50}}
	}); err != nil {
		t.Fatalf("UpdateOne: %v", err)
	}

	// "accounts" was only ever read via tx.Find above, never written — commit
	// must still validate its read set against a collection it never staged
	// a write for.
	err = e.CommitTx(tx)
	if _, ok := err.(*errors.TransactionConflictError); !ok {
		t.Fatalf("expected a TransactionConflictError, got %v (%T)", err, err)
	}
	_ = id
}

func TestTxUpdateAndDeleteStageThenCommit(t *testing.T) {
	e := openTest(t)
	if _, err := e.Insert("people", bson.D{{Key: "name", Value: "alice"}, {Key: "age", Value: 30}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := e.Insert("people", bson.D{{Key: "name", Value: "bob"}, {Key: "age", Value: 40}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tx := e.BeginTx()
	n, err := tx.Update("people", bson.D{{Key: "name", Value: "alice"}}, func(d bson.D) bson.D {
		return bson.D{{Key: "name", Value: "alice"}, {Key: "age", Value: 31}}
	})
	if err != nil {
		t.Fatalf("tx.Update: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 staged update, got %d", n)
	}
	n, err = tx.Delete("people", bson.D{{Key: "name", Value: "bob"}})
	if err != nil {
		t.Fatalf("tx.Delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 staged delete, got %d", n)
	}
	if err := e.CommitTx(tx); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	if _, ok, _ := e.FindOne("people", bson.D{{Key: "name", Value: "bob"}}); ok {
		t.Fatal("expected bob to be deleted")
	}
	count, _ := e.Count("people", bson.D{})
	if count != 1 {
		t.Fatalf("expected 1 remaining document, got %d", count)
	}
}
