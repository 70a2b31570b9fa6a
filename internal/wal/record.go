package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"math"
)

// RecordType identifies the type of WAL record.
type RecordType uint8

const (
	RecordTypeInsert RecordType = 1
	RecordTypeDelete RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeInsert:
		return "insert"
	case RecordTypeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

const (
	recordHeaderSize = 4 + 1 + 8 + 4
	maxRecordPayload = 64 << 20
)

// Record represents a single operation in the WAL.
type Record struct {
	LSN      uint64
	Type     RecordType
	ID       uint64
	Vector   []float32
	Metadata []byte
}

func (r *Record) payloadLen() int {
	if r.Type == RecordTypeInsert {
		return 8 + 4 + len(r.Vector)*4 + 4 + len(r.Metadata)
	}
	return 8
}

// Size returns the encoded size of the record in bytes.
func (r *Record) Size() int {
	return recordHeaderSize + r.payloadLen()
}

// AppendTo encodes the record and appends it to buf.
//
// Format:
// [CRC32: 4] [Type: 1] [LSN: 8] [Length: 4] [Payload: Length]
// Insert payload: [ID: 8] [Dim: 4] [Vector: Dim*4] [MetaLen: 4] [Metadata: MetaLen]
// Delete payload: [ID: 8]
// The checksum covers type, LSN, length and payload.
func (r *Record) AppendTo(buf []byte) []byte {
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0, byte(r.Type))
	buf = binary.LittleEndian.AppendUint64(buf, r.LSN)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.payloadLen()))
	buf = binary.LittleEndian.AppendUint64(buf, r.ID)

	if r.Type == RecordTypeInsert {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Vector)))
		for _, v := range r.Vector {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Metadata)))
		buf = append(buf, r.Metadata...)
	}

	binary.LittleEndian.PutUint32(buf[start:], crc32.ChecksumIEEE(buf[start+4:]))
	return buf
}

// Decode reads a record from r. It returns the number of bytes consumed.
// io.EOF is returned only on a clean record boundary.
func Decode(r io.Reader) (*Record, int64, error) {
	header := make([]byte, recordHeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, int64(n), ErrShortRead
	}

	checksum := binary.LittleEndian.Uint32(header[0:])
	length := binary.LittleEndian.Uint32(header[13:])
	if length > maxRecordPayload {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if m, err := io.ReadFull(r, payload); err != nil {
		return nil, recordHeaderSize + int64(m), ErrShortRead
	}
	consumed := recordHeaderSize + int64(length)

	crc := crc32.NewIEEE()
	_, _ = crc.Write(header[4:])
	_, _ = crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, consumed, ErrInvalidCRC
	}

	rec := &Record{
		Type: RecordType(header[4]),
		LSN:  binary.LittleEndian.Uint64(header[5:]),
	}

	switch rec.Type {
	case RecordTypeInsert:
		err = parseInsert(payload, rec)
	case RecordTypeDelete:
		err = parseDelete(payload, rec)
	default:
		err = ErrInvalidType
	}
	if err != nil {
		return nil, consumed, err
	}
	return rec, consumed, nil
}

func parseInsert(payload []byte, r *Record) error {
	if len(payload) < 12 {
		return ErrShortRead
	}
	r.ID = binary.LittleEndian.Uint64(payload)
	dim := int(binary.LittleEndian.Uint32(payload[8:]))
	off := 12

	if len(payload) < off+dim*4+4 {
		return ErrShortRead
	}
	r.Vector = make([]float32, dim)
	for i := range r.Vector {
		r.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}

	metaLen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if len(payload) < off+metaLen {
		return ErrShortRead
	}
	if metaLen > 0 {
		r.Metadata = make([]byte, metaLen)
		copy(r.Metadata, payload[off:off+metaLen])
	}
	return nil
}

func parseDelete(payload []byte, r *Record) error {
	if len(payload) < 8 {
		return ErrShortRead
	}
	r.ID = binary.LittleEndian.Uint64(payload)
	return nil
}
