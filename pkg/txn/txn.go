// Package txn implements the optimistic multi-collection transaction
// manager of spec §4.7: snapshot reads, a buffered write set with an
// overlay so a transaction sees its own uncommitted changes, sorted-order
// locking, commit-time version validation, and an atomic three-phase apply
// across every collection the transaction touched.
package txn

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/collection"
	"github.com/oxidocli/oxidb/pkg/docenc"
	"github.com/oxidocli/oxidb/pkg/errors"
	"github.com/oxidocli/oxidb/pkg/query"
)

// Resolver gets-or-creates the named collection; implemented by pkg/engine,
// which owns the collection registry. Kept as an interface here so pkg/txn
// never imports pkg/engine.
type Resolver interface {
	Resolve(name string) (*collection.Collection, error)
}

// Manager mediates every transaction against a shared set of collections.
type Manager struct {
	resolver Resolver
	txIDSeq  atomic.Uint64
	log      *TxLog

	mu     sync.Mutex
	active map[uint64]*Tx
}

// NewManager creates a transaction manager backed by resolver, with its
// transaction log persisted under dir.
func NewManager(resolver Resolver, dir string) (*Manager, error) {
	log, err := OpenTxLog(dir)
	if err != nil {
		return nil, err
	}
	return &Manager{resolver: resolver, log: log, active: make(map[uint64]*Tx)}, nil
}

// NextID allocates a fresh transaction id, also used by the engine for
// write operations executed outside any explicit transaction (insert,
// update/update_one, delete/delete_one), so every
// WAL entry's tx_id is unique process-wide.
func (m *Manager) NextID() uint64 { return m.txIDSeq.Add(1) }

// collectionView is one collection's staged state within a transaction:
// the read set (id -> observed version) and the write overlay.
type collectionView struct {
	reads    map[uint64]uint64
	inserted []bson.D
	updated  map[uint64]bson.D
	deleted  map[uint64]bool
}

func newCollectionView() *collectionView {
	return &collectionView{
		reads:   make(map[uint64]uint64),
		updated: make(map[uint64]bson.D),
		deleted: make(map[uint64]bool),
	}
}

// Tx is one in-flight optimistic transaction.
type Tx struct {
	id       uint64
	mgr      *Manager
	mu       sync.Mutex
	views    map[string]*collectionView
	ops      map[string][]collection.Op
	finished bool
}

// Begin starts a new transaction.
func (m *Manager) Begin() *Tx {
	tx := &Tx{
		id:    m.NextID(),
		mgr:   m,
		views: make(map[string]*collectionView),
		ops:   make(map[string][]collection.Op),
	}
	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()
	return tx
}

// ID returns the transaction's id.
func (tx *Tx) ID() uint64 { return tx.id }

func (tx *Tx) view(name string) *collectionView {
	v, ok := tx.views[name]
	if !ok {
		v = newCollectionView()
		tx.views[name] = v
	}
	return v
}

// Find evaluates q against name's documents as seen by this transaction:
// the overlay (its own staged writes) layered over the snapshot cache, per
// spec §4.7. Every returned id's observed version is recorded in the read
// set, including ids this transaction has itself staged an update/delete
// for (if not already recorded).
func (tx *Tx) Find(name string, q bson.D) ([]bson.D, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return nil, &errors.TransactionClosedError{TxID: tx.id}
	}

	coll, err := tx.mgr.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	view := tx.view(name)

	coll.RLock()
	defer coll.RUnlock()

	var out []bson.D
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if view.deleted[id] {
			return true
		}
		effective := doc
		if updated, ok := view.updated[id]; ok {
			effective = updated
		}
		if query.Match(q, effective) {
			if version, ok := coll.Version(id); ok {
				if _, recorded := view.reads[id]; !recorded {
					view.reads[id] = version
				}
			}
			out = append(out, withIdentityFrom(coll, id, effective))
		}
		return true
	})

	for _, doc := range view.inserted {
		if query.Match(q, doc) {
			out = append(out, doc)
		}
	}

	return out, nil
}

func withIdentityFrom(coll *collection.Collection, id uint64, doc bson.D) bson.D {
	version, _ := coll.Version(id)
	return docenc.WithIdentity(doc, id, version)
}

// Insert stages a new document; it becomes visible to this transaction's
// own subsequent reads immediately but is not durable until Commit. The
// real id is assigned at Commit, per spec's monotonic per-collection
// allocator, so Insert itself cannot return one.
func (tx *Tx) Insert(name string, doc bson.D) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return &errors.TransactionClosedError{TxID: tx.id}
	}
	view := tx.view(name)
	view.inserted = append(view.inserted, doc)
	tx.ops[name] = append(tx.ops[name], collection.Op{Kind: collection.OpInsert, Doc: doc})
	return nil
}

// InsertMany stages several documents in one call.
func (tx *Tx) InsertMany(name string, docs []bson.D) error {
	for _, d := range docs {
		if err := tx.Insert(name, d); err != nil {
			return err
		}
	}
	return nil
}

// Update stages an update to every document in name matching q, recording
// its observed version in the read set (for OCC validation) if not already
// present.
func (tx *Tx) Update(name string, q bson.D, mutate func(bson.D) bson.D) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return 0, &errors.TransactionClosedError{TxID: tx.id}
	}

	coll, err := tx.mgr.resolver.Resolve(name)
	if err != nil {
		return 0, err
	}
	view := tx.view(name)

	coll.RLock()
	defer coll.RUnlock()

	count := 0
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if view.deleted[id] {
			return true
		}
		effective := doc
		if updated, ok := view.updated[id]; ok {
			effective = updated
		}
		if !query.Match(q, effective) {
			return true
		}
		if version, ok := coll.Version(id); ok {
			if _, recorded := view.reads[id]; !recorded {
				view.reads[id] = version
			}
		}
		newDoc := mutate(effective)
		view.updated[id] = newDoc
		tx.ops[name] = append(tx.ops[name], collection.Op{Kind: collection.OpUpdate, ID: id, Doc: newDoc})
		count++
		return true
	})
	return count, nil
}

// Delete stages a delete for every document in name matching q.
func (tx *Tx) Delete(name string, q bson.D) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return 0, &errors.TransactionClosedError{TxID: tx.id}
	}

	coll, err := tx.mgr.resolver.Resolve(name)
	if err != nil {
		return 0, err
	}
	view := tx.view(name)

	coll.RLock()
	defer coll.RUnlock()

	count := 0
	coll.Cache().Range(func(id uint64, doc bson.D) bool {
		if view.deleted[id] {
			return true
		}
		effective := doc
		if updated, ok := view.updated[id]; ok {
			effective = updated
		}
		if !query.Match(q, effective) {
			return true
		}
		if version, ok := coll.Version(id); ok {
			if _, recorded := view.reads[id]; !recorded {
				view.reads[id] = version
			}
		}
		view.deleted[id] = true
		delete(view.updated, id)
		tx.ops[name] = append(tx.ops[name], collection.Op{Kind: collection.OpDelete, ID: id})
		count++
		return true
	})
	return count, nil
}

// Rollback discards the overlay, read set, and write set; no on-disk side
// effects.
func (tx *Tx) Rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.finish()
}

func (tx *Tx) finish() {
	if tx.finished {
		return
	}
	tx.finished = true
	tx.mgr.mu.Lock()
	delete(tx.mgr.active, tx.id)
	tx.mgr.mu.Unlock()
}

// Commit runs the three-phase protocol of spec §4.7: lock every touched
// collection exclusively in sorted name order, validate every read-set
// version, then apply phase-by-phase across all affected collections
// (all WAL appends, then all record/cache/index applies, then all
// checkpoints) before releasing locks.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return &errors.TransactionClosedError{TxID: tx.id}
	}
	defer tx.finish()

	// "Touched" is every collection the transaction read from or wrote to:
	// tx.views holds a read set for any collection Find/Update/Delete ever
	// looked at, even one with no resulting write (e.g. Update with no
	// matches), and that read set still needs commit-time validation per
	// spec §4.7 ("Prepare: collect the set of collections touched ...
	// Validate: for every (collection, id, observed_version) in the read
	// set"). tx.ops, a subset of touched, is what actually gets applied.
	touchedSet := make(map[string]struct{}, len(tx.ops)+len(tx.views))
	for name := range tx.ops {
		touchedSet[name] = struct{}{}
	}
	for name := range tx.views {
		touchedSet[name] = struct{}{}
	}
	names := make([]string, 0, len(touchedSet))
	for name := range touchedSet {
		names = append(names, name)
	}
	sort.Strings(names)

	writeNames := make([]string, 0, len(tx.ops))
	for name := range tx.ops {
		writeNames = append(writeNames, name)
	}
	sort.Strings(writeNames)

	colls := make(map[string]*collection.Collection, len(names))
	for _, name := range names {
		c, err := tx.mgr.resolver.Resolve(name)
		if err != nil {
			return err
		}
		colls[name] = c
	}

	for _, name := range names {
		colls[name].Lock()
	}
	defer func() {
		for i := len(names) - 1; i >= 0; i-- {
			colls[names[i]].Unlock()
		}
	}()

	// Validate: every observed read-set version must still match the live
	// version map.
	for _, name := range names {
		c := colls[name]
		for id, observed := range tx.views[name].reads {
			current, ok := c.Version(id)
			if !ok || current != observed {
				return &errors.TransactionConflictError{Collection: name, ID: id, Observed: observed, Current: current}
			}
		}
	}

	// Record membership in the transaction log before touching any
	// collection, so a crash between phases leaves a record of which
	// collections the commit touched (see TxLog). Only collections with staged
	// writes need a checkpoint; a read-only collection has nothing to apply
	// or recover.
	if err := tx.mgr.log.Record(tx.id, writeNames); err != nil {
		return err
	}

	// Apply phase-by-phase across every collection with staged writes, per
	// spec §4.7: "phase 1 across all, phase 2 across all, phase 3 across
	// all" rather than completing one collection's full sequence before
	// starting the next — so a crash between phases leaves either every
	// collection's WAL durable (phase 1 done) or none of this transaction's
	// records applied anywhere (phase 2 not yet started on any collection).
	prepared := make(map[string][]collection.PreparedOp, len(writeNames))
	for _, name := range writeNames {
		p, err := colls[name].PrepareWAL(tx.id, tx.ops[name])
		if err != nil {
			return err
		}
		prepared[name] = p
	}
	for _, name := range writeNames {
		if err := colls[name].ApplyRecords(prepared[name]); err != nil {
			return errors.Fatal(&errors.InvariantViolationError{What: "transaction record apply failed after WAL durability: " + err.Error()})
		}
	}
	for _, name := range writeNames {
		if err := colls[name].Checkpoint(tx.id); err != nil {
			return err
		}
	}

	return tx.mgr.log.MarkDone(tx.id)
}
