package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/hupe1980/vecdb/distance"
)

const (
	indexMagic   = "VDBHNSW1"
	indexVersion = 1
)

// WriteTo serializes the graph topology. Vectors are not written.
//
// Layout (little endian):
//
//	magic[8] version u32 metric u8 dim u32 M u32 efc u32 nodes u32 entry u32 top u32
//	per node: levels u8, per level: count u32, rows u32...
//	crc32 u32 over everything before it
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	crc := crc32.NewIEEE()
	bw := bufio.NewWriter(io.MultiWriter(w, crc))

	var n int64
	put := func(b []byte) error {
		m, err := bw.Write(b)
		n += int64(m)
		return err
	}

	hdr := make([]byte, 0, 8+4+1+4*6)
	hdr = append(hdr, indexMagic...)
	hdr = binary.LittleEndian.AppendUint32(hdr, indexVersion)
	hdr = append(hdr, byte(g.metric))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(g.vectors.Dim()))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(g.m))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(g.efc))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(g.links)))
	hdr = binary.LittleEndian.AppendUint32(hdr, g.entry)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(g.topLevel))
	if err := put(hdr); err != nil {
		return n, err
	}

	buf := make([]byte, 0, 4*(g.mmax0+1))
	for _, levels := range g.links {
		if err := put([]byte{byte(len(levels))}); err != nil {
			return n, err
		}
		for _, rows := range levels {
			buf = binary.LittleEndian.AppendUint32(buf[:0], uint32(len(rows)))
			for _, r := range rows {
				buf = binary.LittleEndian.AppendUint32(buf, r)
			}
			if err := put(buf); err != nil {
				return n, err
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return n, err
	}

	sum := binary.LittleEndian.AppendUint32(nil, crc.Sum32())
	m, err := w.Write(sum)
	return n + int64(m), err
}

// Read decodes a graph written by WriteTo and attaches it to vecs.
func Read(data []byte, vecs Vectors) (*Graph, error) {
	const hdrSize = 8 + 4 + 1 + 4*6
	if len(data) < hdrSize+4 {
		return nil, fmt.Errorf("%w: short file", ErrCorrupt)
	}
	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[len(data)-4:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if string(body[:8]) != indexMagic {
		return nil, fmt.Errorf("%w: invalid magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(body[8:]); v != indexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}

	metric := distance.Metric(body[12])
	dim := int(binary.LittleEndian.Uint32(body[13:]))
	m := int(binary.LittleEndian.Uint32(body[17:]))
	efc := int(binary.LittleEndian.Uint32(body[21:]))
	nodes := int(binary.LittleEndian.Uint32(body[25:]))
	entry := binary.LittleEndian.Uint32(body[29:])
	top := int(binary.LittleEndian.Uint32(body[33:]))

	if nodes != vecs.Len() || (nodes > 0 && dim != vecs.Dim()) {
		return nil, fmt.Errorf("%w: index covers %d rows of dimension %d, segment has %d of dimension %d",
			ErrCorrupt, nodes, dim, vecs.Len(), vecs.Dim())
	}
	if m < 2 || top > maxLevel || (nodes > 0 && int(entry) >= nodes) {
		return nil, fmt.Errorf("%w: invalid header", ErrCorrupt)
	}
	dist, err := distance.Provider(metric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	g := newGraph(vecs, dist, Options{M: m, EFConstruction: efc, Metric: metric})
	g.entry = entry
	g.topLevel = top
	g.links = make([][][]uint32, nodes)

	p := body[hdrSize:]
	for i := range g.links {
		if len(p) < 1 {
			return nil, fmt.Errorf("%w: truncated node %d", ErrCorrupt, i)
		}
		levels := int(p[0])
		p = p[1:]
		if levels == 0 || levels > maxLevel+1 {
			return nil, fmt.Errorf("%w: node %d has %d levels", ErrCorrupt, i, levels)
		}
		g.links[i] = make([][]uint32, levels)
		for l := 0; l < levels; l++ {
			if len(p) < 4 {
				return nil, fmt.Errorf("%w: truncated node %d", ErrCorrupt, i)
			}
			cnt := int(binary.LittleEndian.Uint32(p))
			p = p[4:]
			if cnt > g.maxNeighbors(l) || len(p) < cnt*4 {
				return nil, fmt.Errorf("%w: node %d level %d", ErrCorrupt, i, l)
			}
			rows := make([]uint32, cnt)
			for j := range rows {
				rows[j] = binary.LittleEndian.Uint32(p)
				if int(rows[j]) >= nodes {
					return nil, fmt.Errorf("%w: node %d links to %d", ErrCorrupt, i, rows[j])
				}
				p = p[4:]
			}
			g.links[i][l] = rows
		}
	}
	if len(p) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorrupt)
	}
	return g, nil
}
