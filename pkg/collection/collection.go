// Package collection composes the record store, WAL, document cache, and
// index set into one named container and enforces the single-writer/
// multi-reader discipline of spec §4.5. Every durable mutation — insert,
// update, delete, index create/drop, compaction, WAL replay — runs under
// the collection's exclusive lock; reads take the shared lock.
package collection

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/cipher"
	"github.com/oxidocli/oxidb/pkg/doccache"
	"github.com/oxidocli/oxidb/pkg/errors"
	"github.com/oxidocli/oxidb/pkg/index"
	"github.com/oxidocli/oxidb/pkg/metrics"
	"github.com/oxidocli/oxidb/pkg/record"
	"github.com/oxidocli/oxidb/pkg/wal"
)

// Config carries the engine-wide toggles of spec §6 that affect how a
// collection stores bytes: transparent at-rest encryption and the automatic
// compaction threshold, plus the metrics registry it reports into.
type Config struct {
	EncryptionKey       []byte  // 32 bytes, or nil to disable
	CompactionThreshold float64 // ratio of deleted bytes that triggers auto-compact; 0 = never
	Metrics             *metrics.Registry // nil defaults to a private NoopRegistry
}

// Collection is a named document container: its own record store, WAL,
// cache, and set of indexes, with a monotonically increasing id allocator
// and a per-document version counter.
type Collection struct {
	Name string
	dir  string
	cfg  Config

	mu sync.RWMutex // exclusive for any mutation, shared for reads

	store *record.Store
	wal   *wal.Writer

	cache   *doccache.Cache
	indexes map[string]*index.Index

	nextID     atomic.Uint64
	versions   map[uint64]uint64
	offsetByID map[uint64]int64
	bodyLenByOffset map[int64]int64

	sealer *cipher.Sealer
	met    *metrics.Registry

	deletedBytes int64
	liveBytes    int64
}

func dataPath(dir, name string) string { return filepath.Join(dir, name+".dat") }
func walPath(dir, name string) string  { return filepath.Join(dir, name+".wal") }

// Open opens (creating if absent) the collection named name under dir,
// replaying any un-checkpointed WAL entries before returning.
func Open(dir, name string, cfg Config) (*Collection, error) {
	store, err := record.Open(dataPath(dir, name))
	if err != nil {
		return nil, err
	}
	ww, err := wal.NewWriter(walPath(dir, name), wal.DefaultOptions())
	if err != nil {
		store.Close()
		return nil, err
	}

	c := &Collection{
		Name:       name,
		dir:        dir,
		cfg:        cfg,
		store:      store,
		wal:        ww,
		cache:           doccache.New(),
		indexes:         make(map[string]*index.Index),
		versions:        make(map[uint64]uint64),
		offsetByID:      make(map[uint64]int64),
		bodyLenByOffset: make(map[int64]int64),
		met:             metrics.Default(cfg.Metrics),
	}

	if len(cfg.EncryptionKey) > 0 {
		sealer, err := cipher.NewSealer(cfg.EncryptionKey, dataPath(dir, name))
		if err != nil {
			return nil, err
		}
		c.sealer = sealer
	}

	if err := c.loadFromStore(); err != nil {
		return nil, err
	}
	if err := c.replayWAL(); err != nil {
		return nil, err
	}
	c.loadIndexSidecars()
	c.reportCacheSize()

	return c, nil
}

// syncWAL fsyncs the WAL and observes the call's latency under the
// collection's name label — spec §6's ambient observability surface.
func (c *Collection) syncWAL() error {
	start := time.Now()
	err := c.wal.Sync()
	c.met.WALFsyncLatency.WithLabelValues(c.Name).Observe(time.Since(start).Seconds())
	return err
}

// reportCacheSize publishes the cache's current document count to the
// collection's cache-size gauge; called after every change to the cache's
// document count (an in-place update leaves the gauge as it is).
func (c *Collection) reportCacheSize() {
	c.met.CacheSize.WithLabelValues(c.Name).Set(float64(c.cache.Len()))
}

// loadFromStore scans the record file once, parsing each active record into
// the cache — spec §4.3 "On collection open, scan the record store once."
func (c *Collection) loadFromStore() error {
	return c.store.Scan(func(r record.Rec) error {
		if r.Status != record.StatusActive {
			c.deletedBytes += int64(len(r.Body))
			return nil
		}
		id, version, doc, err := c.decodeBody(r.Body)
		if err != nil {
			return nil // a corrupt active record is dropped, not fatal to open
		}
		c.cache.Put(id, doc)
		c.versions[id] = version
		c.offsetByID[id] = r.Offset
		c.bodyLenByOffset[r.Offset] = int64(len(r.Body))
		c.liveBytes += int64(len(r.Body))
		c.bumpNextID(id)
		return nil
	})
}

// bumpNextID ensures the id allocator never reuses an id already seen on
// disk, whether loaded from the record store or replayed from the WAL.
func (c *Collection) bumpNextID(id uint64) {
	for {
		cur := c.nextID.Load()
		if id <= cur {
			return
		}
		if c.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

func (c *Collection) loadIndexSidecars() {
	// Indexes are created explicitly via CreateIndex/CreateUniqueIndex/
	// CreateCompositeIndex, which is also where sidecar loading happens
	// (the collection doesn't know index definitions a priori); see
	// index_admin.go. Nothing to do here on a fresh open with no indexes
	// registered yet — index definitions themselves aren't persisted by
	// this core (that's the out-of-scope dispatcher's schema/catalog job).
}

// NextIDPeek returns the highest id this collection has allocated so far
// (0 before the first insert), the value sidecar staleness checks compare.
func (c *Collection) NextIDPeek() uint64 { return c.nextID.Load() }

// DocCount returns the number of live documents, for sidecar staleness
// checks and compaction stats.
func (c *Collection) DocCount() int { return c.cache.Len() }

// recordBody is the structured payload embedded in every record-store
// record and WAL entry body: [id u64][version u64][doc bytes], optionally
// AES-GCM sealed end-to-end when encryption is configured.
func (c *Collection) encodeBody(id, version uint64, doc bson.D) ([]byte, error) {
	docBytes, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("collection: marshal document: %w", err)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], id)
	binary.LittleEndian.PutUint64(buf[8:16], version)
	plain := append(buf[:], docBytes...)

	if c.sealer == nil {
		return plain, nil
	}
	return c.sealer.Seal(plain)
}

func (c *Collection) decodeBody(body []byte) (id, version uint64, doc bson.D, err error) {
	plain := body
	if c.sealer != nil {
		plain, err = c.sealer.Open(body)
		if err != nil {
			return 0, 0, nil, err
		}
	}
	if len(plain) < 16 {
		return 0, 0, nil, &errors.CorruptRecordError{Reason: "record body shorter than header"}
	}
	id = binary.LittleEndian.Uint64(plain[0:8])
	version = binary.LittleEndian.Uint64(plain[8:16])
	doc, err = func() (bson.D, error) {
		var d bson.D
		e := bson.Unmarshal(plain[16:], &d)
		return d, e
	}()
	if err != nil {
		return 0, 0, nil, &errors.CorruptRecordError{Reason: "document unmarshal failed"}
	}
	return id, version, doc, nil
}

// Lock/Unlock/RLock/RUnlock expose the collection's single-writer/
// multi-reader discipline to the engine and transaction manager, which must
// acquire it (in sorted collection-name order, for multi-collection
// transactions) before mutating.
func (c *Collection) Lock()    { c.mu.Lock() }
func (c *Collection) Unlock()  { c.mu.Unlock() }
func (c *Collection) RLock()   { c.mu.RLock() }
func (c *Collection) RUnlock() { c.mu.RUnlock() }

// Version returns the current version counter for id.
func (c *Collection) Version(id uint64) (uint64, bool) {
	v, ok := c.versions[id]
	return v, ok
}

// Cache exposes the document cache for read-only query evaluation.
func (c *Collection) Cache() *doccache.Cache { return c.cache }

// Indexes exposes the index set for read-only query planning. Callers must
// hold at least a shared lock.
func (c *Collection) Indexes() map[string]*index.Index { return c.indexes }

// Close persists every index sidecar, then flushes and closes the record
// store and WAL. Sidecars are otherwise only rewritten on CreateIndex and
// Compact; the doc_count/next_id staleness check (spec §4.4) means a
// sidecar that drifted out of sync between saves is simply rebuilt from the
// cache on next open rather than ever being read while stale.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistIndexesLocked()
	if err := c.wal.Close(); err != nil {
		return err
	}
	return c.store.Close()
}

func (c *Collection) persistIndexesLocked() {
	docCount := uint64(c.cache.Len())
	nextID := c.nextID.Load()
	for _, ix := range c.indexes {
		_ = ix.Save(c.sidecarPath(ix.Name, ix.Kind), docCount, nextID)
	}
}

// Remove tears down a collection's on-disk files (record store, WAL, and
// every index sidecar), used by engine.DropCollection.
func Remove(dir, name string, indexNames []string) error {
	_ = os.Remove(dataPath(dir, name))
	_ = os.Remove(walPath(dir, name))
	for _, n := range indexNames {
		_ = os.Remove(filepath.Join(dir, name+"."+n+".fidx"))
		_ = os.Remove(filepath.Join(dir, name+"."+n+".cidx"))
	}
	return nil
}
