// Package doccache implements the per-collection document cache: a mapping
// from document id to a shared, reference-counted parsed document value,
// populated on collection open and kept current on every applied mutation.
// There is no second path that reparses from disk — every read, query, and
// index-maintenance operation goes through here (spec §4.3).
package doccache

import (
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// SharedDoc is a reference-counted handle to one parsed document. Readers
// obtain cheap clones of the handle (Acquire), never of the underlying
// value; the Go GC reclaims the bson.D once the last handle is released, but
// Acquire/Release still model the spec's "shared parsed value" contract
// explicitly rather than relying on incidental pointer sharing.
type SharedDoc struct {
	doc      bson.D
	refCount int32
}

// NewSharedDoc wraps doc with an initial reference count of 1.
func NewSharedDoc(doc bson.D) *SharedDoc {
	return &SharedDoc{doc: doc, refCount: 1}
}

// Acquire returns doc's value and bumps the reference count; pair with a
// matching Release when the caller is done with the value.
func (d *SharedDoc) Acquire() bson.D {
	atomic.AddInt32(&d.refCount, 1)
	return d.doc
}

// Release drops a reference obtained via Acquire or held implicitly by the
// cache itself.
func (d *SharedDoc) Release() {
	atomic.AddInt32(&d.refCount, -1)
}

// Doc returns the parsed value without affecting the reference count, for
// callers (the collection under its own write lock) that already hold the
// cache's reference.
func (d *SharedDoc) Doc() bson.D { return d.doc }

// Cache is the id -> *SharedDoc map for one collection. All mutation happens
// under the owning collection's exclusive lock; Cache itself only adds a
// lock to make concurrent reads (shared lock holders) safe against each
// other, matching spec §4.3/§5.
type Cache struct {
	mu   sync.RWMutex
	docs map[uint64]*SharedDoc
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{docs: make(map[uint64]*SharedDoc)}
}

// Get returns the document for id and whether it was present.
func (c *Cache) Get(id uint64) (bson.D, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.docs[id]
	if !ok {
		return nil, false
	}
	return d.Doc(), true
}

// Put installs or replaces the cached value for id.
func (c *Cache) Put(id uint64, doc bson.D) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.docs[id]; ok {
		old.Release()
	}
	c.docs[id] = NewSharedDoc(doc)
}

// Delete evicts id from the cache.
func (c *Cache) Delete(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.docs[id]; ok {
		old.Release()
		delete(c.docs, id)
	}
}

// Len reports the number of cached documents.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Range calls fn for every cached document until fn returns false. fn must
// not mutate the cache.
func (c *Cache) Range(fn func(id uint64, doc bson.D) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, d := range c.docs {
		if !fn(id, d.Doc()) {
			return
		}
	}
}

// Snapshot returns a shallow copy of id -> doc, used by index backfill and
// compaction where the caller wants a stable map to walk outside the
// cache's own lock (the collection already holds its exclusive lock for the
// whole operation, so the snapshot can't drift underneath it).
func (c *Cache) Snapshot() map[uint64]bson.D {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[uint64]bson.D, len(c.docs))
	for id, d := range c.docs {
		out[id] = d.Doc()
	}
	return out
}
