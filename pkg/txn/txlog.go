package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/oxidocli/oxidb/pkg/errors"
)

// TxLog persists, under a single process-wide file, which collections a
// multi-collection commit has started touching but not yet finished.
// Recovery does not consult this log: each collection replays its own
// un-checkpointed WAL entries on open, so a commit interrupted after some
// collections' entries became durable is applied on those collections only.
// The log is loaded after the collections are open, and Pending lets a
// caller see which commits were interrupted.
type TxLog struct {
	path string

	mu      sync.Mutex
	pending map[uint64][]string
}

func txLogPath(dir string) string { return filepath.Join(dir, "_txlog") }

// OpenTxLog loads the transaction log under dir, creating an empty one if
// absent.
func OpenTxLog(dir string) (*TxLog, error) {
	tl := &TxLog{path: txLogPath(dir), pending: make(map[uint64][]string)}
	if err := tl.load(); err != nil {
		return nil, err
	}
	return tl, nil
}

func (tl *TxLog) load() error {
	data, err := os.ReadFile(tl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &errors.IoError{Op: "read", Path: tl.path, Err: err}
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		tl.pending[id] = strings.Split(parts[1], ",")
	}
	return nil
}

// Record marks txID as having started a commit touching names, durably,
// before any collection's three-phase apply begins.
func (tl *TxLog) Record(txID uint64, names []string) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.pending[txID] = names
	return tl.flush()
}

// MarkDone removes txID once every touched collection has applied and
// checkpointed.
func (tl *TxLog) MarkDone(txID uint64) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	delete(tl.pending, txID)
	return tl.flush()
}

// Pending returns the collections named by every transaction left mid-commit
// by a prior crash.
func (tl *TxLog) Pending() map[uint64][]string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make(map[uint64][]string, len(tl.pending))
	for id, names := range tl.pending {
		cp := make([]string, len(names))
		copy(cp, names)
		out[id] = cp
	}
	return out
}

// flush rewrites the whole log to a uniquely named temp file and renames it
// into place, matching the write-to-tmp-then-rename discipline pkg/index
// uses for sidecars.
func (tl *TxLog) flush() error {
	var b strings.Builder
	for id, names := range tl.pending {
		fmt.Fprintf(&b, "%d\t%s\n", id, strings.Join(names, ","))
	}

	suffix, err := uuid.NewV7()
	if err != nil {
		return &errors.IoError{Op: "uuid", Path: tl.path, Err: err}
	}
	tmpPath := tl.path + "." + suffix.String() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &errors.IoError{Op: "open", Path: tmpPath, Err: err}
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &errors.IoError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &errors.IoError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return &errors.IoError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, tl.path); err != nil {
		return &errors.IoError{Op: "rename", Path: tl.path, Err: err}
	}
	return nil
}
