// Package engine is the collection registry and command router of spec
// §4.6: it owns every open collection.Collection, auto-creates one on its
// first insert, and routes find/update/delete/index/compact/transaction
// calls to it. It is the top-level entry point an embedding dispatcher (out
// of scope per spec §1) opens once per database directory.
package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/collection"
	"github.com/oxidocli/oxidb/pkg/docenc"
	"github.com/oxidocli/oxidb/pkg/errors"
	"github.com/oxidocli/oxidb/pkg/metrics"
	"github.com/oxidocli/oxidb/pkg/txn"
)

// Engine owns every open collection under one data directory, grounded on
// the teacher's table-manager: a registry that opens every existing table
// on startup and creates new ones on demand.
type Engine struct {
	dir string
	cfg collection.Config
	met *metrics.Registry

	mu          sync.RWMutex
	collections map[string]*collection.Collection

	txm *txn.Manager
}

// Open opens every *.dat collection found under dir (loading its cache and
// replaying its WAL), and starts the transaction manager backed by dir's
// `_txlog`. Indexes are not reopened here: an index is available again once
// CreateIndex/CreateUniqueIndex/CreateCompositeIndex is called for it, which
// loads its matching sidecar or rebuilds it from the cache.
func Open(dir string, cfg collection.Config) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errors.IoError{Op: "mkdir", Path: dir, Err: err}
	}

	cfg.Metrics = metrics.Default(cfg.Metrics)
	e := &Engine{
		dir:         dir,
		cfg:         cfg,
		met:         cfg.Metrics,
		collections: make(map[string]*collection.Collection),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &errors.IoError{Op: "readdir", Path: dir, Err: err}
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".dat") {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), ".dat")
		coll, err := collection.Open(dir, name, cfg)
		if err != nil {
			return nil, err
		}
		e.collections[name] = coll
	}

	txm, err := txn.NewManager(e, dir)
	if err != nil {
		return nil, err
	}
	e.txm = txm

	return e, nil
}

// Metrics exposes the registry for an embedding server to scrape.
func (e *Engine) Metrics() *metrics.Registry { return e.met }

// Resolve implements txn.Resolver: get-or-create, matching insert's own
// auto-create-on-first-write behavior so a transaction can target a
// collection that doesn't exist yet.
func (e *Engine) Resolve(name string) (*collection.Collection, error) {
	return e.getOrCreate(name)
}

func (e *Engine) getOrCreate(name string) (*collection.Collection, error) {
	e.mu.RLock()
	coll, ok := e.collections[name]
	e.mu.RUnlock()
	if ok {
		return coll, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if coll, ok := e.collections[name]; ok {
		return coll, nil
	}
	coll, err := collection.Open(e.dir, name, e.cfg)
	if err != nil {
		return nil, err
	}
	e.collections[name] = coll
	return coll, nil
}

func (e *Engine) get(name string) (*collection.Collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	coll, ok := e.collections[name]
	if !ok {
		return nil, &errors.CollectionNotFoundError{Name: name}
	}
	return coll, nil
}

// CreateCollection explicitly creates an empty collection, failing if one
// already exists under name.
func (e *Engine) CreateCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.collections[name]; ok {
		return &errors.CollectionAlreadyExistsError{Name: name}
	}
	coll, err := collection.Open(e.dir, name, e.cfg)
	if err != nil {
		return err
	}
	e.collections[name] = coll
	return nil
}

// DropCollection closes and removes every on-disk file backing name.
func (e *Engine) DropCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	coll, ok := e.collections[name]
	if !ok {
		return &errors.CollectionNotFoundError{Name: name}
	}
	indexNames := coll.ListIndexes()
	if err := coll.Close(); err != nil {
		return err
	}
	delete(e.collections, name)
	return collection.Remove(e.dir, name, indexNames)
}

// ListCollections returns every open collection's name.
func (e *Engine) ListCollections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every open collection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for _, coll := range e.collections {
		if err := coll.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Insert auto-creates name on first use, then inserts doc, returning its
// assigned id.
func (e *Engine) Insert(name string, doc bson.D) (uint64, error) {
	coll, err := e.getOrCreate(name)
	if err != nil {
		return 0, err
	}
	e.met.Ops.WithLabelValues("insert", name).Inc()
	return coll.Insert(e.txm.NextID(), doc)
}

// InsertMany inserts every document, stopping at the first failure; ids
// already assigned to prior documents in the call remain durable (each
// insert is its own standalone transaction per spec's per-operation
// durability, same as calling Insert in a loop).
func (e *Engine) InsertMany(name string, docs []bson.D) ([]uint64, error) {
	ids := make([]uint64, 0, len(docs))
	for _, d := range docs {
		id, err := e.Insert(name, d)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func withIdentity(coll *collection.Collection, id uint64, doc bson.D) bson.D {
	version, _ := coll.Version(id)
	return docenc.WithIdentity(doc, id, version)
}

// Update applies mutate to every document in name matching q, returning the
// modified count — spec §6 `update(collection, query, update_doc) ->
// modified_count`.
func (e *Engine) Update(name string, q bson.D, mutate func(bson.D) bson.D) (int, error) {
	coll, err := e.get(name)
	if err != nil {
		return 0, err
	}
	coll.Lock()
	defer coll.Unlock()

	var ids []uint64
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if matchDoc(q, doc) {
			ids = append(ids, id)
		}
		return true
	})

	count := 0
	for _, id := range ids {
		doc, ok := coll.Cache().Get(id)
		if !ok {
			continue
		}
		newDoc := mutate(doc)
		if err := coll.Update(e.txm.NextID(), id, newDoc); err != nil {
			return count, err
		}
		count++
	}
	e.met.Ops.WithLabelValues("update", name).Add(float64(count))
	return count, nil
}

// UpdateOne applies mutate to the first document in name matching q,
// stopping at the first match per spec §4.8 "Early termination".
func (e *Engine) UpdateOne(name string, q bson.D, mutate func(bson.D) bson.D) (int, error) {
	coll, err := e.get(name)
	if err != nil {
		return 0, err
	}
	coll.Lock()
	defer coll.Unlock()

	var targetID uint64
	found := false
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if matchDoc(q, doc) {
			targetID = id
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, nil
	}
	doc, ok := coll.Cache().Get(targetID)
	if !ok {
		return 0, nil
	}
	if err := coll.Update(e.txm.NextID(), targetID, mutate(doc)); err != nil {
		return 0, err
	}
	e.met.Ops.WithLabelValues("update", name).Inc()
	return 1, nil
}

// Delete removes every document in name matching q, returning the deleted
// count.
func (e *Engine) Delete(name string, q bson.D) (int, error) {
	coll, err := e.get(name)
	if err != nil {
		return 0, err
	}
	coll.Lock()
	defer coll.Unlock()

	var ids []uint64
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if matchDoc(q, doc) {
			ids = append(ids, id)
		}
		return true
	})
	count := 0
	for _, id := range ids {
		if err := coll.Delete(e.txm.NextID(), id); err != nil {
			return count, err
		}
		count++
	}
	e.met.Ops.WithLabelValues("delete", name).Add(float64(count))
	return count, nil
}

// DeleteOne deletes the first document in name matching q.
func (e *Engine) DeleteOne(name string, q bson.D) (int, error) {
	coll, err := e.get(name)
	if err != nil {
		return 0, err
	}
	coll.Lock()
	defer coll.Unlock()

	var targetID uint64
	found := false
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if matchDoc(q, doc) {
			targetID = id
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, nil
	}
	if err := coll.Delete(e.txm.NextID(), targetID); err != nil {
		return 0, err
	}
	e.met.Ops.WithLabelValues("delete", name).Inc()
	return 1, nil
}

// CreateIndex/CreateUniqueIndex/CreateCompositeIndex/ListIndexes/DropIndex
// route straight to the collection.
func (e *Engine) CreateIndex(coll, name, field string) error {
	c, err := e.get(coll)
	if err != nil {
		return err
	}
	return c.CreateIndex(name, field)
}

func (e *Engine) CreateUniqueIndex(coll, name, field string) error {
	c, err := e.get(coll)
	if err != nil {
		return err
	}
	return c.CreateUniqueIndex(name, field)
}

func (e *Engine) CreateCompositeIndex(coll, name string, fields []string) error {
	c, err := e.get(coll)
	if err != nil {
		return err
	}
	return c.CreateCompositeIndex(name, fields)
}

func (e *Engine) ListIndexes(coll string) ([]string, error) {
	c, err := e.get(coll)
	if err != nil {
		return nil, err
	}
	return c.ListIndexes(), nil
}

func (e *Engine) DropIndex(coll, name string) error {
	c, err := e.get(coll)
	if err != nil {
		return err
	}
	return c.DropIndex(name)
}

// Compact rewrites coll's record store, discarding deleted bytes.
func (e *Engine) Compact(coll string) (collection.Stats, error) {
	c, err := e.get(coll)
	if err != nil {
		return collection.Stats{}, err
	}
	return c.Compact()
}

// BeginTx starts a new multi-collection OCC transaction.
func (e *Engine) BeginTx() *txn.Tx { return e.txm.Begin() }

// CommitTx commits tx.
func (e *Engine) CommitTx(tx *txn.Tx) error {
	err := tx.Commit()
	if _, ok := err.(*errors.TransactionConflictError); ok {
		e.met.TxConflicts.Inc()
	}
	return err
}

// RollbackTx discards tx.
func (e *Engine) RollbackTx(tx *txn.Tx) { tx.Rollback() }

func (e *Engine) dataPath(name string) string { return filepath.Join(e.dir, name+".dat") }
