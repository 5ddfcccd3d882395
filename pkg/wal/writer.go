package wal

import (
	"bufio"
	"os"
	"sync"
	"time"

	"github.com/oxidocli/oxidb/pkg/errors"
)

// Writer manages durable append of WAL entries to one collection's log file.
type Writer struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	options Options

	batchBytes int64 // bytes written since the last sync

	done   chan struct{}
	ticker *time.Ticker
	closed bool
}

// NewWriter opens (creating if absent) a WAL file for append.
func NewWriter(path string, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, &errors.IoError{Op: "open", Path: path, Err: err}
	}

	w := &Writer{
		path:    path,
		file:    f,
		writer:  bufio.NewWriterSize(f, opts.BufferSize),
		options: opts,
		done:    make(chan struct{}),
	}

	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

// WriteEntry appends one entry and applies the configured sync policy.
func (w *Writer) WriteEntry(entry *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := entry.WriteTo(w.writer)
	if err != nil {
		return &errors.IoError{Op: "write", Path: w.path, Err: err}
	}
	w.batchBytes += n

	switch w.options.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()
	case SyncBatch:
		if w.batchBytes >= w.options.SyncBatchBytes {
			return w.syncLocked()
		}
	}
	return nil
}

// Sync flushes the buffer and fsyncs the underlying file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return &errors.IoError{Op: "flush", Path: w.path, Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &errors.IoError{Op: "fsync", Path: w.path, Err: err}
	}
	w.batchBytes = 0
	return nil
}

// Truncate resets the WAL to zero length and rewinds the write cursor; used
// after a successful replay (§4.2 "after replay, truncate the WAL to zero
// length").
func (w *Writer) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return &errors.IoError{Op: "flush", Path: w.path, Err: err}
	}
	if err := w.file.Truncate(0); err != nil {
		return &errors.IoError{Op: "truncate", Path: w.path, Err: err}
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return &errors.IoError{Op: "seek", Path: w.path, Err: err}
	}
	w.writer.Reset(w.file)
	w.batchBytes = 0
	return nil
}

// Close flushes, fsyncs, and closes the WAL file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync()
		case <-w.done:
			return
		}
	}
}
