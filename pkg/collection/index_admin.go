package collection

import (
	"path/filepath"

	"github.com/oxidocli/oxidb/pkg/errors"
	"github.com/oxidocli/oxidb/pkg/index"
)

// sidecarPath keys the file by the index's own logical name rather than its
// field(s): two indexes can legitimately share a field (e.g. a field index
// later replaced by a unique index, both on "email"), and keying by field
// alone would make the second definition silently load or overwrite the
// first's sidecar under the wrong kind.
func (c *Collection) sidecarPath(name string, kind index.Kind) string {
	ext := ".fidx"
	if kind == index.KindComposite {
		ext = ".cidx"
	}
	return filepath.Join(c.dir, c.Name+"."+name+ext)
}

// createIndex is the shared implementation behind CreateIndex,
// CreateUniqueIndex, and CreateCompositeIndex: try to load a matching
// sidecar, falling back to a cache backfill — spec §4.4's "Backfill ...
// walks the cache once to populate the new structure" and the sidecar
// staleness policy ("match both, else rebuild").
func (c *Collection) createIndex(name string, kind index.Kind, fields []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.indexes[name]; exists {
		return &errors.IndexAlreadyExistsError{Name: name}
	}

	path := c.sidecarPath(name, kind)
	docCount := uint64(c.cache.Len())
	nextID := c.nextID.Load()

	loaded, ok, err := index.Load(path, name, kind, fields, docCount, nextID)
	if err != nil {
		return err
	}
	if ok {
		c.indexes[name] = loaded
		return nil
	}

	ix := index.New(name, kind, fields)
	if err := ix.Backfill(c.cache.Snapshot()); err != nil {
		return err
	}
	c.indexes[name] = ix
	return ix.Save(path, docCount, nextID)
}

// CreateIndex creates a non-unique field index over a single field path.
func (c *Collection) CreateIndex(name, field string) error {
	return c.createIndex(name, index.KindField, []string{field})
}

// CreateUniqueIndex creates a unique index over a single field path.
func (c *Collection) CreateUniqueIndex(name, field string) error {
	return c.createIndex(name, index.KindUnique, []string{field})
}

// CreateCompositeIndex creates a composite index over an ordered list of
// field paths.
func (c *Collection) CreateCompositeIndex(name string, fields []string) error {
	return c.createIndex(name, index.KindComposite, fields)
}

// ListIndexes returns the names of every index currently defined.
func (c *Collection) ListIndexes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.indexes))
	for name := range c.indexes {
		names = append(names, name)
	}
	return names
}

// DropIndex removes an index and its sidecar file.
func (c *Collection) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ix, ok := c.indexes[name]
	if !ok {
		return &errors.IndexNotFoundError{Name: name}
	}
	delete(c.indexes, name)
	return removeSidecar(c.sidecarPath(ix.Name, ix.Kind))
}

func removeSidecar(path string) error {
	if err := removeIfExists(path); err != nil {
		return &errors.IoError{Op: "remove", Path: path, Err: err}
	}
	return nil
}
