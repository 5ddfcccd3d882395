package wal

import (
	"encoding/binary"
	"io"
)

// HeaderSize is the fixed prefix before body bytes: crc32(4) + payload_len(4)
// + op_type(1) + tx_id(8) + doc_id(8).
const HeaderSize = 25

// fixedPayloadLen is the portion of PayloadLen occupied by op_type+tx_id+doc_id,
// used to recover len(body) from PayloadLen.
const fixedPayloadLen = 1 + 8 + 8

// Operation kinds tagged on every WAL entry.
const (
	EntryInsert     uint8 = 0
	EntryUpdate     uint8 = 1
	EntryDelete     uint8 = 2
	EntryCheckpoint uint8 = 255
)

// Header is the fixed portion of an entry, decoded ahead of the variable
// body. CRC32 covers payload_len + op_type + tx_id + doc_id + body.
type Header struct {
	CRC32      uint32
	PayloadLen uint32
	OpType     uint8
	TxID       uint64
	DocID      uint64
}

// Entry is one WAL record: a header plus its body bytes.
type Entry struct {
	Header Header
	Body   []byte
}

func (e *Entry) encodeFixed(buf []byte) {
	binary.LittleEndian.PutUint32(buf[4:8], e.Header.PayloadLen)
	buf[8] = e.Header.OpType
	binary.LittleEndian.PutUint64(buf[9:17], e.Header.TxID)
	binary.LittleEndian.PutUint64(buf[17:25], e.Header.DocID)
}

// WriteTo serializes header+body to w, computing CRC32 over
// payload_len+op_type+tx_id+doc_id+body, per the entry format.
func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	e.Header.PayloadLen = fixedPayloadLen + uint32(len(e.Body))

	var buf [HeaderSize]byte
	e.encodeFixed(buf[:])

	crcInput := AcquireBuffer()
	defer ReleaseBuffer(crcInput)
	*crcInput = append(*crcInput, buf[4:HeaderSize]...)
	*crcInput = append(*crcInput, e.Body...)
	e.Header.CRC32 = CalculateCRC32(*crcInput)
	binary.LittleEndian.PutUint32(buf[0:4], e.Header.CRC32)

	n, err := w.Write(buf[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(e.Body)
	return int64(n + m), err
}

func decodeFixed(buf []byte, h *Header) {
	h.CRC32 = binary.LittleEndian.Uint32(buf[0:4])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[4:8])
	h.OpType = buf[8]
	h.TxID = binary.LittleEndian.Uint64(buf[9:17])
	h.DocID = binary.LittleEndian.Uint64(buf[17:25])
}
