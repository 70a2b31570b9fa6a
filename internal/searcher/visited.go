package searcher

// VisitedSet tracks visited rows using a bitset and a dirty list for fast reset.
type VisitedSet struct {
	bits  []uint64
	dirty []uint32
}

// NewVisitedSet creates a visited set sized for capacity rows.
func NewVisitedSet(capacity int) *VisitedSet {
	return &VisitedSet{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks a row as visited and reports whether it was new.
func (v *VisitedSet) Visit(row uint32) bool {
	word := int(row >> 6)
	mask := uint64(1) << (row & 63)
	if word >= len(v.bits) {
		grown := make([]uint64, max(len(v.bits)*2, word+1))
		copy(grown, v.bits)
		v.bits = grown
	}
	if v.bits[word]&mask != 0 {
		return false
	}
	v.bits[word] |= mask
	v.dirty = append(v.dirty, row)
	return true
}

// Visited returns true if the row has been visited.
func (v *VisitedSet) Visited(row uint32) bool {
	word := int(row >> 6)
	if word >= len(v.bits) {
		return false
	}
	return v.bits[word]&(uint64(1)<<(row&63)) != 0
}

// Reset clears every row visited since the last reset.
func (v *VisitedSet) Reset() {
	for _, row := range v.dirty {
		v.bits[row>>6] &^= uint64(1) << (row & 63)
	}
	v.dirty = v.dirty[:0]
}
