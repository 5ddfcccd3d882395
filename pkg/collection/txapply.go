package collection

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/errors"
	"github.com/oxidocli/oxidb/pkg/wal"
)

// OpKind distinguishes the three mutations a transaction can stage against
// a collection.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one staged mutation, as handed down by pkg/txn at commit time.
type Op struct {
	Kind OpKind
	ID   uint64 // ignored for OpInsert
	Doc  bson.D // ignored for OpDelete
}

// PreparedOp is one op after WAL durability (phase 1) but before its record/
// cache/index effects (phase 2): ids are assigned, bodies are encoded, and
// the WAL entry is already durable.
type PreparedOp struct {
	kind    OpKind
	id      uint64
	version uint64 // Insert/Update only
	body    []byte // Insert/Update only
	newDoc  bson.D // Insert/Update only
	oldDoc  bson.D // Update/Delete only, for index diff/remove
}

// PrepareWAL runs phase 1 of spec §4.7's commit for this collection: assign
// ids for staged inserts, validate unique constraints, append every op's WAL
// entry, and fsync once for the whole batch. It does not touch the record
// store, cache, or indexes — that is PrepareWAL's caller's job, run only
// after every affected collection in the transaction has completed this same
// phase, per "phase 1 across all, phase 2 across all, phase 3 across all".
// The caller must already hold this collection's exclusive lock.
func (c *Collection) PrepareWAL(txID uint64, ops []Op) ([]PreparedOp, error) {
	prepared := make([]PreparedOp, 0, len(ops))

	// Check every op's unique constraints before writing any entry, so a
	// rejected op leaves nothing of this batch in the WAL.
	for _, op := range ops {
		if op.Kind == OpInsert {
			if err := c.checkUniqueConstraints(op.Doc, 0); err != nil {
				return nil, err
			}
		} else if op.Kind == OpUpdate {
			if err := c.checkUniqueConstraints(op.Doc, op.ID); err != nil {
				return nil, err
			}
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			if err := c.checkUniqueConstraints(op.Doc, 0); err != nil {
				return nil, err
			}
			id := c.nextID.Add(1)
			body, err := c.encodeBody(id, 1, op.Doc)
			if err != nil {
				return nil, err
			}
			entry := &wal.Entry{Header: wal.Header{OpType: wal.EntryInsert, TxID: txID, DocID: id}, Body: body}
			if err := c.wal.WriteEntry(entry); err != nil {
				return nil, err
			}
			prepared = append(prepared, PreparedOp{kind: OpInsert, id: id, version: 1, body: body, newDoc: op.Doc})

		case OpUpdate:
			oldDoc, ok := c.cache.Get(op.ID)
			if !ok {
				return nil, &errors.DocumentNotFoundError{Collection: c.Name, ID: op.ID}
			}
			if err := c.checkUniqueConstraints(op.Doc, op.ID); err != nil {
				return nil, err
			}
			newVersion := c.versions[op.ID] + 1
			body, err := c.encodeBody(op.ID, newVersion, op.Doc)
			if err != nil {
				return nil, err
			}
			entry := &wal.Entry{Header: wal.Header{OpType: wal.EntryUpdate, TxID: txID, DocID: op.ID}, Body: body}
			if err := c.wal.WriteEntry(entry); err != nil {
				return nil, err
			}
			prepared = append(prepared, PreparedOp{kind: OpUpdate, id: op.ID, version: newVersion, body: body, newDoc: op.Doc, oldDoc: oldDoc})

		case OpDelete:
			oldDoc, ok := c.cache.Get(op.ID)
			if !ok {
				return nil, &errors.DocumentNotFoundError{Collection: c.Name, ID: op.ID}
			}
			entry := &wal.Entry{Header: wal.Header{OpType: wal.EntryDelete, TxID: txID, DocID: op.ID}}
			if err := c.wal.WriteEntry(entry); err != nil {
				return nil, err
			}
			prepared = append(prepared, PreparedOp{kind: OpDelete, id: op.ID, oldDoc: oldDoc})
		}
	}

	if len(prepared) > 0 {
		if err := c.syncWAL(); err != nil {
			return nil, err
		}
	}
	return prepared, nil
}

// ApplyRecords runs phase 2 for this collection: append/mark the record
// store, fsync once for the whole batch, then update cache and indexes
// (which need no fsync of their own — they are rebuilt from the record
// store/WAL on crash recovery). Indexes are updated here rather than in a
// fourth phase since, unlike the record store, they carry no durability
// requirement of their own; spec §4.7 only calls out WAL/record durability
// as phased.
func (c *Collection) ApplyRecords(prepared []PreparedOp) error {
	for _, op := range prepared {
		switch op.kind {
		case OpInsert:
			offset, err := c.store.Append(op.body)
			if err != nil {
				return err
			}
			c.offsetByID[op.id] = offset
			c.bodyLenByOffset[offset] = int64(len(op.body))
			c.liveBytes += int64(len(op.body))

		case OpUpdate:
			newOffset, err := c.store.Append(op.body)
			if err != nil {
				return err
			}
			oldOffset := c.offsetByID[op.id]
			if err := c.store.MarkDeleted(oldOffset); err != nil {
				return err
			}
			oldLen := c.bodyLenByOffset[oldOffset]
			delete(c.bodyLenByOffset, oldOffset)
			c.deletedBytes += oldLen
			c.liveBytes -= oldLen

			c.offsetByID[op.id] = newOffset
			c.bodyLenByOffset[newOffset] = int64(len(op.body))
			c.liveBytes += int64(len(op.body))

		case OpDelete:
			offset := c.offsetByID[op.id]
			if err := c.store.MarkDeleted(offset); err != nil {
				return err
			}
			bodyLen := c.bodyLenByOffset[offset]
			delete(c.bodyLenByOffset, offset)
			c.deletedBytes += bodyLen
			c.liveBytes -= bodyLen
			delete(c.offsetByID, op.id)
		}
	}

	if len(prepared) > 0 {
		if err := c.store.Sync(); err != nil {
			return err
		}
	}

	for _, op := range prepared {
		switch op.kind {
		case OpInsert:
			c.cache.Put(op.id, op.newDoc)
			c.versions[op.id] = op.version
			for _, ix := range c.indexes {
				if err := ix.Add(op.id, op.newDoc); err != nil {
					return errors.Fatal(&errors.InvariantViolationError{What: "unique index rejected a pre-checked transactional insert"})
				}
			}
		case OpUpdate:
			c.cache.Put(op.id, op.newDoc)
			c.versions[op.id] = op.version
			for _, ix := range c.indexes {
				if err := ix.UpdateDiff(op.id, op.oldDoc, op.newDoc); err != nil {
					return errors.Fatal(&errors.InvariantViolationError{What: "unique index rejected a pre-checked transactional update"})
				}
			}
		case OpDelete:
			c.cache.Delete(op.id)
			delete(c.versions, op.id)
			for _, ix := range c.indexes {
				ix.Remove(op.id, op.oldDoc)
			}
		}
	}

	if len(prepared) > 0 {
		c.reportCacheSize()
	}
	return nil
}

// Checkpoint runs phase 3 for this collection: append and fsync a single
// Checkpoint(txID) entry, marking every one of txID's entries in this
// collection's WAL as applied for replay purposes.
func (c *Collection) Checkpoint(txID uint64) error {
	return c.checkpoint(txID)
}

// ApplyTransaction runs all three phases against this collection alone, for
// callers (single-collection commits, tests) that don't need the cross-
// collection phase interleaving pkg/txn performs for multi-collection
// transactions.
func (c *Collection) ApplyTransaction(txID uint64, ops []Op) error {
	prepared, err := c.PrepareWAL(txID, ops)
	if err != nil {
		return err
	}
	if err := c.ApplyRecords(prepared); err != nil {
		return err
	}
	if err := c.Checkpoint(txID); err != nil {
		return err
	}
	c.maybeAutoCompact()
	return nil
}
