// Package record implements the per-collection append-only record store:
// length-prefixed document bytes with an in-place soft-delete status byte.
// It is the durable home for document bytes; the cache (pkg/doccache) is the
// authoritative source for reads once a collection is open.
package record

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/oxidocli/oxidb/pkg/errors"
)

const (
	StatusActive  byte = 0
	StatusDeleted byte = 1

	// headerSize is status(1) + length(4).
	headerSize = 5
)

// Store is the append-only record file for one collection.
type Store struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
}

// Open opens (creating if absent) the record file at path.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, &errors.IoError{Op: "open", Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errors.IoError{Op: "stat", Path: path, Err: err}
	}
	return &Store{path: path, file: f, size: info.Size()}, nil
}

// Append writes a record with status active and returns its file offset.
// The caller is responsible for calling Sync when durability is required.
func (s *Store) Append(body []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.size
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return 0, &errors.IoError{Op: "seek", Path: s.path, Err: err}
	}

	var header [headerSize]byte
	header[0] = StatusActive
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(body)))

	if _, err := s.file.Write(header[:]); err != nil {
		return 0, &errors.IoError{Op: "write", Path: s.path, Err: err}
	}
	if _, err := s.file.Write(body); err != nil {
		return 0, &errors.IoError{Op: "write", Path: s.path, Err: err}
	}

	s.size = offset + headerSize + int64(len(body))
	return offset, nil
}

// MarkDeleted flips the status byte at offset to deleted.
func (s *Store) MarkDeleted(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.WriteAt([]byte{StatusDeleted}, offset); err != nil {
		return &errors.IoError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

// Sync fsyncs the underlying file.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return &errors.IoError{Op: "fsync", Path: s.path, Err: err}
	}
	return nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Path returns the on-disk path backing this store.
func (s *Store) Path() string { return s.path }

// Rec is one record yielded by Scan: its offset, status, and raw body bytes.
// Decoding the id out of body is the caller's job (pkg/collection embeds id
// and version at the front of the body).
type Rec struct {
	Offset int64
	Status byte
	Body   []byte
}

// Scan streams every record in file order, active or deleted, calling fn for
// each. A torn record (short read of the length prefix or payload) is
// treated as end-of-file, per the record-store failure semantics — scanning
// simply stops there rather than erroring.
func (s *Store) Scan(fn func(Rec) error) error {
	s.mu.Lock()
	f, err := os.Open(s.path)
	s.mu.Unlock()
	if err != nil {
		return &errors.IoError{Op: "open", Path: s.path, Err: err}
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	header := make([]byte, headerSize)
	for {
		n, err := io.ReadFull(r, header)
		if err != nil || n != headerSize {
			return nil // torn header == EOF
		}
		status := header[0]
		length := binary.LittleEndian.Uint32(header[1:5])
		body := make([]byte, length)
		n, err = io.ReadFull(r, body)
		if err != nil || uint32(n) != length {
			return nil // torn payload == EOF
		}
		rec := Rec{Offset: offset, Status: status, Body: body}
		if err := fn(rec); err != nil {
			return err
		}
		offset += headerSize + int64(length)
	}
}

// CompactStats reports the outcome of a Compact call.
type CompactStats struct {
	OldBytes int64
	NewBytes int64
	DocsKept int
}

// Compact rewrites the file keeping only records whose offset is present in
// keep (the live-id-to-offset map maintained by the collection), into a
// temporary file, then renames it atomically over the original.
func (s *Store) Compact(keep map[int64]struct{}) (CompactStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldSize := s.size
	suffix, err := uuid.NewV7()
	if err != nil {
		return CompactStats{}, &errors.IoError{Op: "uuid", Path: s.path, Err: err}
	}
	tmpPath := s.path + ".compact." + suffix.String() + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return CompactStats{}, &errors.IoError{Op: "open", Path: tmpPath, Err: err}
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return CompactStats{}, &errors.IoError{Op: "seek", Path: s.path, Err: err}
	}
	r := bufio.NewReaderSize(s.file, 64*1024)
	w := bufio.NewWriterSize(tmp, 64*1024)

	var offset int64
	var newSize int64
	kept := 0
	header := make([]byte, headerSize)
	for {
		n, rerr := io.ReadFull(r, header)
		if rerr != nil || n != headerSize {
			break
		}
		status := header[0]
		length := binary.LittleEndian.Uint32(header[1:5])
		body := make([]byte, length)
		n, rerr = io.ReadFull(r, body)
		if rerr != nil || uint32(n) != length {
			break
		}
		if _, ok := keep[offset]; ok && status == StatusActive {
			if _, err := w.Write(header); err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return CompactStats{}, &errors.IoError{Op: "write", Path: tmpPath, Err: err}
			}
			if _, err := w.Write(body); err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return CompactStats{}, &errors.IoError{Op: "write", Path: tmpPath, Err: err}
			}
			newSize += headerSize + int64(length)
			kept++
		}
		offset += headerSize + int64(length)
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return CompactStats{}, &errors.IoError{Op: "flush", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return CompactStats{}, &errors.IoError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return CompactStats{}, &errors.IoError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := s.file.Close(); err != nil {
		return CompactStats{}, &errors.IoError{Op: "close", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return CompactStats{}, &errors.IoError{Op: "rename", Path: s.path, Err: err}
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0644)
	if err != nil {
		return CompactStats{}, &errors.IoError{Op: "reopen", Path: s.path, Err: err}
	}
	s.file = f
	s.size = newSize

	return CompactStats{OldBytes: oldSize, NewBytes: newSize, DocsKept: kept}, nil
}

// Compact reports only aggregate stats, not the new offset of each kept
// record; the collection recomputes offsets by re-scanning the compacted
// file, which is cheap relative to the rewrite itself.
