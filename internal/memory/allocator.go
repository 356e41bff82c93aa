// Package memory implements the fixed-base free-list heap allocator that
// backs an ArmCore's guest heap window.
package memory

import (
	"fmt"
	"sort"
)

// align4 rounds size up to a 4-byte boundary; guest addresses returned by
// Alloc are always 4-byte aligned.
func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

type block struct {
	addr, size uint32
}

// Allocator is a first-fit free-list allocator over a fixed window
// [base, base+window). It never requests more memory from its owner: the
// window must already be mapped R+W before use.
type Allocator struct {
	base, window uint32
	free         []block // sorted by addr, merged, non-overlapping
	used         map[uint32]uint32
}

// NewAllocator creates an allocator governing [base, base+window), with the
// whole window initially free.
func NewAllocator(base, window uint32) *Allocator {
	return &Allocator{
		base:   base,
		window: window,
		free:   []block{{addr: base, size: window}},
		used:   make(map[uint32]uint32),
	}
}

// Alloc returns a 4-byte-aligned address of at least size bytes from the
// free list, or an error if the window is exhausted.
func (a *Allocator) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		size = 4
	}
	size = align4(size)

	for i, b := range a.free {
		// account for alignment slack at the front of the block
		alignedAddr := align4(b.addr)
		slack := alignedAddr - b.addr
		if b.size < slack+size {
			continue
		}

		remainderAddr := alignedAddr + size
		remainderSize := b.size - slack - size

		a.free = append(a.free[:i], a.free[i+1:]...)
		if slack > 0 {
			a.free = append(a.free, block{addr: b.addr, size: slack})
		}
		if remainderSize > 0 {
			a.free = append(a.free, block{addr: remainderAddr, size: remainderSize})
		}
		a.sortFree()

		a.used[alignedAddr] = size
		return alignedAddr, nil
	}

	return 0, fmt.Errorf("heap exhausted: no %d-byte block available in [%#08x, %#08x)", size, a.base, a.base+a.window)
}

// Free returns [ptr, ptr+size) to the free list, merging with adjacent
// blocks. If ptr was returned by Alloc, the size recorded at Alloc time
// is used instead of size and ptr is removed from the used set;
// otherwise size (rounded up to 4) is freed as given.
func (a *Allocator) Free(ptr, size uint32) {
	if orig, ok := a.used[ptr]; ok {
		size = orig
		delete(a.used, ptr)
	}
	size = align4(size)
	if size == 0 {
		return
	}

	a.free = append(a.free, block{addr: ptr, size: size})
	a.sortFree()
	a.coalesce()
}

func (a *Allocator) sortFree() {
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].addr < a.free[j].addr })
}

func (a *Allocator) coalesce() {
	if len(a.free) < 2 {
		return
	}
	merged := a.free[:1]
	for _, b := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.addr+last.size == b.addr {
			last.size += b.size
		} else {
			merged = append(merged, b)
		}
	}
	a.free = merged
}

// Bytes reports how much of the window is currently allocated.
func (a *Allocator) Bytes() uint32 {
	var used uint32
	for _, n := range a.used {
		used += n
	}
	return used
}
