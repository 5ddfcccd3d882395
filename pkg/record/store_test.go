package record

import (
	"path/filepath"
	"testing"
)

func TestAppendScanDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "c.dat"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	off1, err := s.Append([]byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	off2, err := s.Append([]byte("world!!"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var recs []Rec
	if err := s.Scan(func(r Rec) error { recs = append(recs, r); return nil }); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Offset != off1 || string(recs[0].Body) != "hello" || recs[0].Status != StatusActive {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if recs[1].Offset != off2 || string(recs[1].Body) != "world!!" {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}

	if err := s.MarkDeleted(off1); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	recs = nil
	if err := s.Scan(func(r Rec) error { recs = append(recs, r); return nil }); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if recs[0].Status != StatusDeleted {
		t.Fatalf("expected first record marked deleted")
	}
	if recs[1].Status != StatusActive {
		t.Fatalf("expected second record still active")
	}
}

func TestScanStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.dat")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Append([]byte("abc")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	// Append a torn header (fewer than 5 bytes) to simulate a crash mid-write.
	if _, err := s.file.Write([]byte{0, 1, 2}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()
	var recs []Rec
	if err := s2.Scan(func(r Rec) error { recs = append(recs, r); return nil }); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected torn tail to stop scan after 1 record, got %d", len(recs))
	}
}

func TestCompact(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "c.dat"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	off1, _ := s.Append([]byte("keep-me"))
	off2, _ := s.Append([]byte("drop-me"))
	off3, _ := s.Append([]byte("keep-too"))
	s.Sync()
	s.MarkDeleted(off2)

	stats, err := s.Compact(map[int64]struct{}{off1: {}, off3: {}})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if stats.DocsKept != 2 {
		t.Fatalf("expected 2 docs kept, got %d", stats.DocsKept)
	}
	if stats.NewBytes >= stats.OldBytes {
		t.Fatalf("expected compaction to shrink the file: old=%d new=%d", stats.OldBytes, stats.NewBytes)
	}

	var bodies []string
	if err := s.Scan(func(r Rec) error { bodies = append(bodies, string(r.Body)); return nil }); err != nil {
		t.Fatalf("Scan after compact: %v", err)
	}
	if len(bodies) != 2 || bodies[0] != "keep-me" || bodies[1] != "keep-too" {
		t.Fatalf("unexpected post-compact bodies: %v", bodies)
	}
}
