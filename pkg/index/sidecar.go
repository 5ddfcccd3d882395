package index

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/DataDog/zstd"

	"github.com/oxidocli/oxidb/pkg/errors"
	"github.com/oxidocli/oxidb/pkg/keytype"
)

// Sidecar magic, exactly as spec §4.4/§6.
var sidecarMagic = [4]byte{'O', 'X', 'I', 'X'}

const sidecarVersion uint32 = 1

var sidecarCRCTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the fixed portion of a sidecar file, used both to write it and
// to decide, on open, whether the body can be trusted without a rebuild.
type Header struct {
	DocCount uint64
	NextID   uint64
	BodyCRC  uint32
	BodyLen  uint64
}

// Save writes the index to path via write-to-tmp-then-rename, compressing
// the body with zstd before computing its CRC — §5 of SPEC_FULL's ADDED
// "sidecar body compression" section.
func (ix *Index) Save(path string, docCount, nextID uint64) error {
	raw, err := ix.encodeBody()
	if err != nil {
		return err
	}
	compressed, err := zstd.Compress(nil, raw)
	if err != nil {
		return errors.Wrap(err, "index: compress sidecar body")
	}

	var buf bytes.Buffer
	buf.Write(sidecarMagic[:])
	binary.Write(&buf, binary.LittleEndian, sidecarVersion)
	binary.Write(&buf, binary.LittleEndian, docCount)
	binary.Write(&buf, binary.LittleEndian, nextID)
	binary.Write(&buf, binary.LittleEndian, crc32.Checksum(compressed, sidecarCRCTable))
	binary.Write(&buf, binary.LittleEndian, uint64(len(compressed)))
	buf.Write(compressed)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return &errors.IoError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &errors.IoError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// Load reads the sidecar at path and reports whether it was usable: the
// header's doc_count/next_id must match the values the caller observed on
// its collection and the body CRC must validate, per spec §4.4. When Load
// returns ok=false (including "file does not exist"), the caller rebuilds
// the index from the cache instead — the cache is always authoritative.
func Load(path string, name string, kind Kind, fields []string, wantDocCount, wantNextID uint64) (ix *Index, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, &errors.IoError{Op: "read", Path: path, Err: err}
	}
	if len(data) < 4+4+8+8+4+8 {
		return nil, false, nil
	}
	if !bytes.Equal(data[0:4], sidecarMagic[:]) {
		return nil, false, nil
	}
	r := bytes.NewReader(data[4:])
	var version uint32
	var h Header
	binary.Read(r, binary.LittleEndian, &version)
	binary.Read(r, binary.LittleEndian, &h.DocCount)
	binary.Read(r, binary.LittleEndian, &h.NextID)
	binary.Read(r, binary.LittleEndian, &h.BodyCRC)
	binary.Read(r, binary.LittleEndian, &h.BodyLen)

	if h.DocCount != wantDocCount || h.NextID != wantNextID {
		return nil, false, nil
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, false, nil // torn sidecar tail: rebuild, not fatal
	}
	if crc32.Checksum(body, sidecarCRCTable) != h.BodyCRC {
		return nil, false, nil // CorruptRecord-kind: rebuild from cache
	}

	raw, err := zstd.Decompress(nil, body)
	if err != nil {
		return nil, false, nil
	}

	built := New(name, kind, fields)
	if err := built.decodeBody(raw); err != nil {
		return nil, false, nil
	}
	return built, true, nil
}

// encodeBody writes every (key, idset) pair in ascending key order: a
// compact format, not a node-by-node tree dump (the tree's own structure —
// branching factor, split points — is an implementation detail the sidecar
// need not preserve; Backfill-equivalent insertion rebuilds it on load).
func (ix *Index) encodeBody() ([]byte, error) {
	var buf bytes.Buffer
	var count uint64
	var entries bytes.Buffer

	var walkErr error
	ix.tree.Ascend(nil, func(k keytype.Key, v any) bool {
		kb, err := encodeKey(k)
		if err != nil {
			walkErr = err
			return false
		}
		entries.Write(kb)
		set := *v.(*IDSet)
		binary.Write(&entries, binary.LittleEndian, uint32(set.Len()))
		for id := range set {
			binary.Write(&entries, binary.LittleEndian, id)
		}
		count++
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}

	binary.Write(&buf, binary.LittleEndian, count)
	buf.Write(entries.Bytes())
	return buf.Bytes(), nil
}

func (ix *Index) decodeBody(raw []byte) error {
	r := bytes.NewReader(raw)
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		key, err := decodeKey(r)
		if err != nil {
			return err
		}
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return err
		}
		set := make(IDSet, n)
		for j := uint32(0); j < n; j++ {
			var id uint64
			if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
				return err
			}
			set.Add(id)
		}
		if err := ix.tree.Replace(key, &set); err != nil {
			return err
		}
	}
	return nil
}

const (
	tagNull uint8 = iota
	tagBool
	tagNumber
	tagDateTime
	tagString
	tagTuple
)

func encodeKey(k keytype.Key) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeKey(&buf, k); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, k keytype.Key) error {
	switch v := k.(type) {
	case keytype.NullKey:
		buf.WriteByte(tagNull)
	case keytype.BoolKey:
		buf.WriteByte(tagBool)
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case keytype.NumberKey:
		buf.WriteByte(tagNumber)
		binary.Write(buf, binary.LittleEndian, float64(v))
	case keytype.DateTimeKey:
		buf.WriteByte(tagDateTime)
		binary.Write(buf, binary.LittleEndian, int64(v))
	case keytype.StringKey:
		buf.WriteByte(tagString)
		s := string(v)
		binary.Write(buf, binary.LittleEndian, uint32(len(s)))
		buf.WriteString(s)
	case keytype.TupleKey:
		buf.WriteByte(tagTuple)
		binary.Write(buf, binary.LittleEndian, uint32(len(v)))
		for _, c := range v {
			if err := writeKey(buf, c); err != nil {
				return err
			}
		}
	default:
		return &errors.InvalidKeyTypeError{Field: "", TypeName: "unknown"}
	}
	return nil
}

func decodeKey(r *bytes.Reader) (keytype.Key, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNull:
		return keytype.NullKey{}, nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return keytype.BoolKey(b == 1), nil
	case tagNumber:
		var f float64
		if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
			return nil, err
		}
		return keytype.NumberKey(f), nil
	case tagDateTime:
		var ms int64
		if err := binary.Read(r, binary.LittleEndian, &ms); err != nil {
			return nil, err
		}
		return keytype.DateTimeKey(ms), nil
	case tagString:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return keytype.StringKey(string(b)), nil
	case tagTuple:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		tuple := make(keytype.TupleKey, n)
		for i := range tuple {
			c, err := decodeKey(r)
			if err != nil {
				return nil, err
			}
			tuple[i] = c
		}
		return tuple, nil
	default:
		return nil, &errors.CorruptRecordError{Reason: "unknown index key tag"}
	}
}
