package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/metadata"
	"github.com/hupe1980/vecdb/model"
)

// Segment file layout (little endian):
//
//	magic    [8]byte "VDBSEG01"
//	version  uint32
//	compress uint8
//	metric   uint8
//	_        uint16
//	segment  uint64
//	rows     uint32
//	dim      uint32
//	rawLen   uint64
//	dataLen  uint64
//	crc      uint32  // CRC32 (IEEE) of the stored payload
//	payload  [dataLen]byte
//
// The raw payload is ids [rows]u64, lsns [rows]u64, vectors [rows*dim]f32,
// then per row a u32 length and the binary metadata document.
const (
	segmentMagic   = "VDBSEG01"
	segmentVersion = 1
	headerSize     = 8 + 4 + 1 + 1 + 2 + 8 + 4 + 4 + 8 + 8 + 4

	tombMagic      = "VDBTOMB1"
	tombHeaderSize = 8 + 4
)

// Header describes a segment file.
type Header struct {
	Version     uint32
	Compression Compression
	Metric      distance.Metric
	Segment     model.SegmentID
	Rows        uint32
	Dim         uint32
}

// Rows is the columnar form of a segment's records.
type Rows struct {
	Dim      int
	IDs      []model.ID
	LSNs     []uint64
	Vectors  []float32
	Metadata []metadata.Document
}

// NewRows allocates an empty row set with room for n rows.
func NewRows(dim, n int) *Rows {
	return &Rows{
		Dim:      dim,
		IDs:      make([]model.ID, 0, n),
		LSNs:     make([]uint64, 0, n),
		Vectors:  make([]float32, 0, n*dim),
		Metadata: make([]metadata.Document, 0, n),
	}
}

// Len returns the number of rows.
func (r *Rows) Len() int { return len(r.IDs) }

// Append adds a row, copying vec and md.
func (r *Rows) Append(id model.ID, lsn uint64, vec []float32, md metadata.Document) {
	r.IDs = append(r.IDs, id)
	r.LSNs = append(r.LSNs, lsn)
	r.Vectors = append(r.Vectors, vec...)
	r.Metadata = append(r.Metadata, md.Clone())
}

// Vector returns row i's vector without copying.
func (r *Rows) Vector(i int) []float32 {
	return r.Vectors[i*r.Dim : (i+1)*r.Dim]
}

// Encode serializes rows into a segment file.
func Encode(id model.SegmentID, metric distance.Metric, rows *Rows, c Compression) ([]byte, error) {
	n := rows.Len()
	if len(rows.Vectors) != n*rows.Dim || len(rows.LSNs) != n || len(rows.Metadata) != n {
		return nil, fmt.Errorf("segment: inconsistent row columns")
	}

	raw := make([]byte, 0, n*(16+4*rows.Dim+4))
	for _, v := range rows.IDs {
		raw = binary.LittleEndian.AppendUint64(raw, uint64(v))
	}
	for _, v := range rows.LSNs {
		raw = binary.LittleEndian.AppendUint64(raw, v)
	}
	for _, f := range rows.Vectors {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(f))
	}
	var doc []byte
	for _, md := range rows.Metadata {
		var err error
		doc, err = metadata.AppendDocument(doc[:0], md)
		if err != nil {
			return nil, err
		}
		raw = binary.LittleEndian.AppendUint32(raw, uint32(len(doc)))
		raw = append(raw, doc...)
	}

	data, used, err := compress(raw, c)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(data))
	copy(out[0:8], segmentMagic)
	binary.LittleEndian.PutUint32(out[8:], segmentVersion)
	out[12] = byte(used)
	out[13] = byte(metric)
	binary.LittleEndian.PutUint64(out[16:], uint64(id))
	binary.LittleEndian.PutUint32(out[24:], uint32(n))
	binary.LittleEndian.PutUint32(out[28:], uint32(rows.Dim))
	binary.LittleEndian.PutUint64(out[32:], uint64(len(raw)))
	binary.LittleEndian.PutUint64(out[40:], uint64(len(data)))
	binary.LittleEndian.PutUint32(out[48:], crc32.ChecksumIEEE(data))
	return append(out, data...), nil
}

// Decode parses a segment file.
func Decode(data []byte) (Header, *Rows, error) {
	var h Header
	if len(data) < headerSize || string(data[0:8]) != segmentMagic {
		return h, nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	h.Version = binary.LittleEndian.Uint32(data[8:])
	if h.Version != segmentVersion {
		return h, nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	h.Compression = Compression(data[12])
	h.Metric = distance.Metric(data[13])
	h.Segment = model.SegmentID(binary.LittleEndian.Uint64(data[16:]))
	h.Rows = binary.LittleEndian.Uint32(data[24:])
	h.Dim = binary.LittleEndian.Uint32(data[28:])
	rawLen := binary.LittleEndian.Uint64(data[32:])
	dataLen := binary.LittleEndian.Uint64(data[40:])
	sum := binary.LittleEndian.Uint32(data[48:])

	if !h.Metric.Valid() || h.Dim == 0 {
		return h, nil, fmt.Errorf("%w: metric %d dim %d", ErrCorrupt, h.Metric, h.Dim)
	}
	if uint64(len(data)-headerSize) != dataLen || rawLen > math.MaxInt32 {
		return h, nil, fmt.Errorf("%w: payload length", ErrCorrupt)
	}
	payload := data[headerSize:]
	if crc32.ChecksumIEEE(payload) != sum {
		return h, nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	raw, err := decompress(payload, h.Compression, int(rawLen))
	if err != nil {
		return h, nil, err
	}

	n, dim := int(h.Rows), int(h.Dim)
	fixed := n*16 + n*dim*4
	if len(raw) < fixed {
		return h, nil, fmt.Errorf("%w: truncated columns", ErrCorrupt)
	}
	rows := &Rows{
		Dim:      dim,
		IDs:      make([]model.ID, n),
		LSNs:     make([]uint64, n),
		Vectors:  make([]float32, n*dim),
		Metadata: make([]metadata.Document, n),
	}
	off := 0
	for i := range rows.IDs {
		rows.IDs[i] = model.ID(binary.LittleEndian.Uint64(raw[off:]))
		off += 8
	}
	for i := range rows.LSNs {
		rows.LSNs[i] = binary.LittleEndian.Uint64(raw[off:])
		off += 8
	}
	for i := range rows.Vectors {
		rows.Vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
		off += 4
	}
	rest := raw[off:]
	for i := 0; i < n; i++ {
		if len(rest) < 4 {
			return h, nil, fmt.Errorf("%w: truncated metadata", ErrCorrupt)
		}
		l := int(binary.LittleEndian.Uint32(rest))
		rest = rest[4:]
		if len(rest) < l {
			return h, nil, fmt.Errorf("%w: truncated metadata", ErrCorrupt)
		}
		md, tail, err := metadata.ReadDocument(rest[:l])
		if err != nil || len(tail) != 0 {
			return h, nil, fmt.Errorf("%w: metadata row %d", ErrCorrupt, i)
		}
		rows.Metadata[i] = md
		rest = rest[l:]
	}
	if len(rest) != 0 {
		return h, nil, fmt.Errorf("%w: trailing bytes", ErrCorrupt)
	}
	return h, rows, nil
}

// EncodeTombstones serializes deleted rows as a roaring bitmap behind a
// magic and CRC32.
func EncodeTombstones(rb *roaring.Bitmap) ([]byte, error) {
	rb.RunOptimize()
	var body bytes.Buffer
	if _, err := rb.WriteTo(&body); err != nil {
		return nil, err
	}
	out := make([]byte, tombHeaderSize, tombHeaderSize+body.Len())
	copy(out, tombMagic)
	binary.LittleEndian.PutUint32(out[8:], crc32.ChecksumIEEE(body.Bytes()))
	return append(out, body.Bytes()...), nil
}

// DecodeTombstones parses a tombstone file.
func DecodeTombstones(data []byte) (*roaring.Bitmap, error) {
	if len(data) < tombHeaderSize || string(data[:8]) != tombMagic {
		return nil, fmt.Errorf("%w: bad tombstone header", ErrCorrupt)
	}
	body := data[tombHeaderSize:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[8:]) {
		return nil, fmt.Errorf("%w: tombstone checksum mismatch", ErrCorrupt)
	}
	rb := roaring.New()
	if err := rb.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rb, nil
}
