package collection

import (
	"github.com/oxidocli/oxidb/pkg/index"
	"github.com/oxidocli/oxidb/pkg/record"
)

// Stats reports the outcome of a Compact call, mirroring record.CompactStats
// under the name the engine's external contract uses (spec §6
// `compact(collection) -> {old_size, new_size, docs_kept}`).
type Stats struct {
	OldSize  int64
	NewSize  int64
	DocsKept int
}

// Compact rewrites the record store keeping only live documents, then
// rebuilds every index from the (unchanged) cache — spec §4.5 Compact.
func (c *Collection) Compact() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compactLocked()
}

func (c *Collection) compactLocked() (Stats, error) {
	keep := make(map[int64]struct{}, len(c.offsetByID))
	for _, offset := range c.offsetByID {
		keep[offset] = struct{}{}
	}

	stats, err := c.store.Compact(keep)
	if err != nil {
		return Stats{}, err
	}

	// Offsets shift after a rewrite; re-scan the compacted file once to
	// learn each surviving id's new offset, cheap relative to the rewrite
	// itself (spec §4.1: "Compaction rebuilds indexes as a post-step").
	newOffsetByID := make(map[uint64]int64, stats.DocsKept)
	newBodyLen := make(map[int64]int64, stats.DocsKept)
	err = c.store.Scan(func(r record.Rec) error {
		id, _, _, derr := c.decodeBody(r.Body)
		if derr != nil {
			return nil
		}
		newOffsetByID[id] = r.Offset
		newBodyLen[r.Offset] = int64(len(r.Body))
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	c.offsetByID = newOffsetByID
	c.bodyLenByOffset = newBodyLen
	c.liveBytes = stats.NewBytes
	c.deletedBytes = 0

	docs := c.cache.Snapshot()
	for name, ix := range c.indexes {
		rebuilt := index.New(name, ix.Kind, ix.Fields)
		if err := rebuilt.Backfill(docs); err != nil {
			return Stats{}, err
		}
		c.indexes[name] = rebuilt
	}
	c.persistIndexesLocked()

	return Stats{OldSize: stats.OldBytes, NewSize: stats.NewBytes, DocsKept: stats.DocsKept}, nil
}
