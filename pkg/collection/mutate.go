package collection

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/docenc"
	"github.com/oxidocli/oxidb/pkg/errors"
	"github.com/oxidocli/oxidb/pkg/wal"
)

// checkUniqueConstraints validates every unique index against doc before
// any durable byte is written, for insert (excludeID 0, never a live id) or
// update (excludeID the document's own current id).
func (c *Collection) checkUniqueConstraints(doc bson.D, excludeID uint64) error {
	for _, ix := range c.indexes {
		if ix.WouldViolate(doc, excludeID) {
			key := ix.Name
			if k, ok := docenc.ExtractIndexKey(doc, ix.Fields[0]); ok {
				key = k.String()
			}
			return &errors.UniqueViolationError{Index: ix.Name, Key: key}
		}
	}
	return nil
}

// Insert allocates an id, assigns version 1, and durably applies the
// three-phase WAL/record/cache/index sequence of spec §4.5.
func (c *Collection) Insert(txID uint64, doc bson.D) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(txID, doc)
}

func (c *Collection) insertLocked(txID uint64, doc bson.D) (uint64, error) {
	if err := c.checkUniqueConstraints(doc, 0); err != nil {
		return 0, err
	}

	id := c.nextID.Add(1)
	version := uint64(1)

	if err := c.applyInsert(txID, id, version, doc); err != nil {
		return 0, err
	}
	if err := c.checkpoint(txID); err != nil {
		return 0, err
	}
	return id, nil
}

// applyInsert runs the durable sequence for one insert, assuming the
// caller already validated uniqueness and holds the exclusive lock. It does
// not checkpoint, so a multi-document transaction can batch every staged
// op's WAL/record/cache/index work before a single closing checkpoint.
func (c *Collection) applyInsert(txID, id, version uint64, doc bson.D) error {
	body, err := c.encodeBody(id, version, doc)
	if err != nil {
		return err
	}

	entry := &wal.Entry{Header: wal.Header{OpType: wal.EntryInsert, TxID: txID, DocID: id}, Body: body}
	if err := c.wal.WriteEntry(entry); err != nil {
		return err
	}
	if err := c.syncWAL(); err != nil {
		return err
	}

	offset, err := c.store.Append(body)
	if err != nil {
		return err
	}
	if err := c.store.Sync(); err != nil {
		return err
	}

	c.cache.Put(id, doc)
	c.reportCacheSize()
	c.versions[id] = version
	c.offsetByID[id] = offset
	c.bodyLenByOffset[offset] = int64(len(body))
	c.liveBytes += int64(len(body))

	for _, ix := range c.indexes {
		if err := ix.Add(id, doc); err != nil {
			return errors.Fatal(&errors.InvariantViolationError{What: "unique index rejected a pre-checked insert"})
		}
	}

	return nil
}

// Update fetches the current document, bumps its version, and durably
// applies the new value, marking the old record deleted only once the new
// one is durable — spec §4.5 Update.
func (c *Collection) Update(txID, id uint64, newDoc bson.D) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked(txID, id, newDoc)
}

func (c *Collection) updateLocked(txID, id uint64, newDoc bson.D) error {
	if _, ok := c.cache.Get(id); !ok {
		return &errors.DocumentNotFoundError{Collection: c.Name, ID: id}
	}
	if err := c.checkUniqueConstraints(newDoc, id); err != nil {
		return err
	}
	if err := c.applyUpdate(txID, id, newDoc); err != nil {
		return err
	}
	if err := c.checkpoint(txID); err != nil {
		return err
	}
	c.maybeAutoCompact()
	return nil
}

// applyUpdate runs the durable sequence for one update, assuming the caller
// already validated the document exists and the new value doesn't violate a
// unique index. Does not checkpoint; see applyInsert.
func (c *Collection) applyUpdate(txID, id uint64, newDoc bson.D) error {
	oldDoc, ok := c.cache.Get(id)
	if !ok {
		return &errors.DocumentNotFoundError{Collection: c.Name, ID: id}
	}

	oldVersion := c.versions[id]
	newVersion := oldVersion + 1

	body, err := c.encodeBody(id, newVersion, newDoc)
	if err != nil {
		return err
	}

	entry := &wal.Entry{Header: wal.Header{OpType: wal.EntryUpdate, TxID: txID, DocID: id}, Body: body}
	if err := c.wal.WriteEntry(entry); err != nil {
		return err
	}
	if err := c.syncWAL(); err != nil {
		return err
	}

	newOffset, err := c.store.Append(body)
	if err != nil {
		return err
	}
	if err := c.store.Sync(); err != nil {
		return err
	}

	oldOffset := c.offsetByID[id]
	if err := c.store.MarkDeleted(oldOffset); err != nil {
		return err
	}
	if err := c.store.Sync(); err != nil {
		return err
	}

	oldBodyLen := c.bodyLenByOffset[oldOffset]
	delete(c.bodyLenByOffset, oldOffset)
	c.deletedBytes += oldBodyLen
	c.liveBytes -= oldBodyLen

	c.cache.Put(id, newDoc)
	c.versions[id] = newVersion
	c.offsetByID[id] = newOffset
	c.bodyLenByOffset[newOffset] = int64(len(body))
	c.liveBytes += int64(len(body))

	for _, ix := range c.indexes {
		if err := ix.UpdateDiff(id, oldDoc, newDoc); err != nil {
			return errors.Fatal(&errors.InvariantViolationError{What: "unique index rejected a pre-checked update"})
		}
	}

	return nil
}

// Delete marks id's record deleted, evicts it from the cache and every
// index — spec §4.5 Delete.
func (c *Collection) Delete(txID, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(txID, id)
}

func (c *Collection) deleteLocked(txID, id uint64) error {
	if err := c.applyDelete(txID, id); err != nil {
		return err
	}
	if err := c.checkpoint(txID); err != nil {
		return err
	}
	c.maybeAutoCompact()
	return nil
}

// applyDelete runs the durable sequence for one delete. Does not
// checkpoint; see applyInsert.
func (c *Collection) applyDelete(txID, id uint64) error {
	doc, ok := c.cache.Get(id)
	if !ok {
		return &errors.DocumentNotFoundError{Collection: c.Name, ID: id}
	}

	entry := &wal.Entry{Header: wal.Header{OpType: wal.EntryDelete, TxID: txID, DocID: id}}
	if err := c.wal.WriteEntry(entry); err != nil {
		return err
	}
	if err := c.syncWAL(); err != nil {
		return err
	}

	offset := c.offsetByID[id]
	if err := c.store.MarkDeleted(offset); err != nil {
		return err
	}
	if err := c.store.Sync(); err != nil {
		return err
	}

	bodyLen := c.bodyLenByOffset[offset]
	c.deletedBytes += bodyLen
	c.liveBytes -= bodyLen
	delete(c.bodyLenByOffset, offset)

	c.cache.Delete(id)
	c.reportCacheSize()
	delete(c.versions, id)
	delete(c.offsetByID, id)

	for _, ix := range c.indexes {
		ix.Remove(id, doc)
	}

	return nil
}

func (c *Collection) checkpoint(txID uint64) error {
	entry := &wal.Entry{Header: wal.Header{OpType: wal.EntryCheckpoint, TxID: txID}}
	if err := c.wal.WriteEntry(entry); err != nil {
		return err
	}
	return c.syncWAL()
}

// maybeAutoCompact schedules a compaction on a dedicated background
// goroutine once the deleted-byte ratio crosses the configured threshold —
// SPEC_FULL's ADDED "Automatic compaction", grounded on wal.Writer's own
// backgroundSync ticker goroutine pattern. Called with the exclusive lock
// already held, so the goroutine acquires it fresh.
func (c *Collection) maybeAutoCompact() {
	if c.cfg.CompactionThreshold <= 0 {
		return
	}
	total := c.liveBytes + c.deletedBytes
	if total == 0 || float64(c.deletedBytes)/float64(total) < c.cfg.CompactionThreshold {
		return
	}
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, _ = c.compactLocked()
	}()
}
