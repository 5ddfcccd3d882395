// Package errors defines the taxonomy of failures the storage core can
// signal, following the error-handling design: errors are distinguished by
// kind, not by ad-hoc string matching. Each kind is its own struct so callers
// can use errors.As to recover structured fields.
package errors

import (
	"fmt"

	cockroacherr "github.com/cockroachdb/errors"
)

// Wrap attaches a stack trace to err using cockroachdb/errors, preserving
// the original error for errors.As/errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cockroacherr.Wrap(err, msg)
}

// CollectionNotFoundError is a NotFound-kind failure: the named collection
// has no handle in the engine.
type CollectionNotFoundError struct {
	Name string
}

func (e *CollectionNotFoundError) Error() string {
	return fmt.Sprintf("collection %q not found", e.Name)
}

// CollectionAlreadyExistsError guards explicit create_collection against
// clobbering an existing handle.
type CollectionAlreadyExistsError struct {
	Name string
}

func (e *CollectionAlreadyExistsError) Error() string {
	return fmt.Sprintf("collection %q already exists", e.Name)
}

// DocumentNotFoundError is a NotFound-kind failure for a missing id.
type DocumentNotFoundError struct {
	Collection string
	ID         uint64
}

func (e *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("document %d not found in collection %q", e.ID, e.Collection)
}

// UniqueViolationError is raised at the mutation site when a unique index's
// key would map to more than one document.
type UniqueViolationError struct {
	Index string
	Key   string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique violation: index %q already has an entry for key %s", e.Index, e.Key)
}

// IndexNotFoundError signals an operation referenced an index that was
// never created.
type IndexNotFoundError struct {
	Name string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("index %q not found", e.Name)
}

// IndexAlreadyExistsError guards create_index against duplicate names.
type IndexAlreadyExistsError struct {
	Name string
}

func (e *IndexAlreadyExistsError) Error() string {
	return fmt.Sprintf("index %q already exists", e.Name)
}

// TransactionConflictError is the commit-time OCC failure: a read-set
// version no longer matches the live version map. Callers may retry.
type TransactionConflictError struct {
	Collection string
	ID         uint64
	Observed   uint64
	Current    uint64
}

func (e *TransactionConflictError) Error() string {
	return fmt.Sprintf(
		"transaction conflict on %q id %d: observed version %d, current %d",
		e.Collection, e.ID, e.Observed, e.Current,
	)
}

// TransactionClosedError guards a committed or rolled-back transaction
// handle against further use.
type TransactionClosedError struct {
	TxID uint64
}

func (e *TransactionClosedError) Error() string {
	return fmt.Sprintf("transaction %d is already committed or rolled back", e.TxID)
}

// IoError wraps a file-system failure during read/append/fsync. It is
// surfaced as fatal for the operation in progress; the WAL not having been
// checkpointed keeps the core consistent.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error during %s on %q: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// CorruptRecordError marks a CRC mismatch on WAL replay or index sidecar
// load. The caller treats the bad tail as absent and rebuilds from the
// authoritative source (the record store).
type CorruptRecordError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record in %q at offset %d: %s", e.Path, e.Offset, e.Reason)
}

// InvariantViolationError marks a condition that should be impossible, e.g.
// cache/index disagreement. The process must not continue silently past one
// of these; see errors.Fatal.
type InvariantViolationError struct {
	What string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.What)
}

// InvalidKeyTypeError signals a document field did not normalize to any of
// the five index-key kinds.
type InvalidKeyTypeError struct {
	Field    string
	TypeName string
}

func (e *InvalidKeyTypeError) Error() string {
	return fmt.Sprintf("invalid key type for field %q: %s", e.Field, e.TypeName)
}
