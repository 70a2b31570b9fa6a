package bitset

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	chunkBits  = 16
	chunkSize  = 1 << chunkBits
	chunkMask  = chunkSize - 1
	chunkWords = chunkSize / 64
)

type chunk [chunkWords]atomic.Uint64

// BitSet is a growable bitset. Set, Clear and Test are lock-free; Grow
// takes a mutex and publishes a new chunk table.
type BitSet struct {
	chunks atomic.Pointer[[]*chunk]
	size   atomic.Uint32
	growMu sync.Mutex
}

// New returns a bitset able to hold n bits.
func New(n uint32) *BitSet {
	b := &BitSet{}
	empty := make([]*chunk, 0)
	b.chunks.Store(&empty)
	b.Grow(n)
	return b
}

// Len returns the capacity in bits.
func (b *BitSet) Len() uint32 { return b.size.Load() }

// Grow extends the capacity to at least n bits. Existing bits are kept.
func (b *BitSet) Grow(n uint32) {
	if n <= b.size.Load() {
		return
	}
	b.growMu.Lock()
	defer b.growMu.Unlock()

	if n <= b.size.Load() {
		return
	}
	old := *b.chunks.Load()
	need := int((uint64(n) + chunkSize - 1) >> chunkBits)
	if need > len(old) {
		next := make([]*chunk, need)
		copy(next, old)
		for i := len(old); i < need; i++ {
			next[i] = new(chunk)
		}
		b.chunks.Store(&next)
	}
	b.size.Store(n)
}

func (b *BitSet) word(i uint32) (*atomic.Uint64, uint64, bool) {
	if i >= b.size.Load() {
		return nil, 0, false
	}
	chunks := *b.chunks.Load()
	c := chunks[i>>chunkBits]
	off := i & chunkMask
	return &c[off/64], 1 << (off % 64), true
}

// Set sets bit i and reports whether it was previously clear.
// Out-of-range indexes are ignored.
func (b *BitSet) Set(i uint32) bool {
	w, mask, ok := b.word(i)
	if !ok {
		return false
	}
	return w.Or(mask)&mask == 0
}

// Clear clears bit i.
func (b *BitSet) Clear(i uint32) {
	if w, mask, ok := b.word(i); ok {
		w.And(^mask)
	}
}

// Test reports whether bit i is set.
func (b *BitSet) Test(i uint32) bool {
	w, mask, ok := b.word(i)
	return ok && w.Load()&mask != 0
}

// Count returns the number of set bits.
func (b *BitSet) Count() int {
	n := 0
	b.forWords(func(_ uint32, w uint64) {
		n += bits.OnesCount64(w)
	})
	return n
}

// ForEach calls fn for every set bit in ascending order.
func (b *BitSet) ForEach(fn func(i uint32)) {
	b.forWords(func(base uint32, w uint64) {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			fn(base + uint32(tz))
			w &= w - 1
		}
	})
}

func (b *BitSet) forWords(fn func(base uint32, w uint64)) {
	size := b.size.Load()
	chunks := *b.chunks.Load()
	for ci, c := range chunks {
		for wi := range c {
			base := uint64(ci)<<chunkBits + uint64(wi)*64
			if base >= uint64(size) {
				return
			}
			w := c[wi].Load()
			if rem := uint64(size) - base; rem < 64 {
				w &= (1 << rem) - 1
			}
			if w != 0 {
				fn(uint32(base), w)
			}
		}
	}
}
