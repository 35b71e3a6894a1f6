// engine/allocator.go
//
// BlockAllocator manages a fixed pool of equal-size KV block slots over a
// bit-map and hands out contiguous runs as KVHandles. Allocation failure is
// total: either the whole run is reserved or nothing changes.

package engine

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// KVHandle identifies one contiguous block region in the arena.
type KVHandle struct {
	StartBlock int
	NumBlocks  int
}

// InvalidHandle is returned on allocation failure.
var InvalidHandle = KVHandle{StartBlock: -1, NumBlocks: 0}

// Valid reports whether the handle describes a real region.
func (h KVHandle) Valid() bool {
	return h.StartBlock >= 0 && h.NumBlocks > 0
}

// BlockAllocator tracks which block slots are in use. A single mutex
// serializes all operations; counters are derived from the bit-map rather
// than cached.
type BlockAllocator struct {
	mu          sync.Mutex
	used        []bool
	totalBlocks int
}

// NewBlockAllocator creates an allocator with totalBlocks free slots.
func NewBlockAllocator(totalBlocks int) *BlockAllocator {
	if totalBlocks <= 0 {
		panic(fmt.Sprintf("BlockAllocator: totalBlocks must be > 0, got %d", totalBlocks))
	}
	return &BlockAllocator{
		used:        make([]bool, totalBlocks),
		totalBlocks: totalBlocks,
	}
}

// Allocate reserves a contiguous run of n free blocks using a first-fit
// scan and returns its handle. Returns InvalidHandle when n is not positive
// or no run of that size exists; on failure nothing is reserved.
func (a *BlockAllocator) Allocate(n int) KVHandle {
	if n <= 0 {
		return InvalidHandle
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if n > a.totalBlocks {
		return InvalidHandle
	}
	run := 0
	for i := 0; i < a.totalBlocks; i++ {
		if a.used[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				a.used[j] = true
			}
			return KVHandle{StartBlock: start, NumBlocks: n}
		}
	}
	return InvalidHandle
}

// Free releases the handle's block range. Invalid handles are a no-op.
// Freeing a range that is not fully allocated returns ErrDoubleFree and
// leaves the bit-map untouched.
func (a *BlockAllocator) Free(h KVHandle) error {
	if !h.Valid() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	end := h.StartBlock + h.NumBlocks
	if end > a.totalBlocks {
		return fmt.Errorf("%w: handle [%d,%d) exceeds pool size %d",
			ErrDoubleFree, h.StartBlock, end, a.totalBlocks)
	}
	for i := h.StartBlock; i < end; i++ {
		if !a.used[i] {
			logrus.Errorf("BlockAllocator: double free of block %d in handle [%d,%d)", i, h.StartBlock, end)
			return fmt.Errorf("%w: block %d", ErrDoubleFree, i)
		}
	}
	for i := h.StartBlock; i < end; i++ {
		a.used[i] = false
	}
	return nil
}

// FreeBlocks returns the number of free slots.
func (a *BlockAllocator) FreeBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalBlocks - a.countUsedLocked()
}

// UsedBlocks returns the number of allocated slots.
func (a *BlockAllocator) UsedBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countUsedLocked()
}

// TotalBlocks returns the pool size.
func (a *BlockAllocator) TotalBlocks() int {
	return a.totalBlocks
}

// Fragmentation returns 1 - (largest contiguous free run / total free
// blocks), or 0 when no blocks are free.
func (a *BlockAllocator) Fragmentation() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	free, largest := a.freeRunsLocked()
	if free == 0 {
		return 0
	}
	return 1 - float64(largest)/float64(free)
}

// LargestFreeRun returns the length of the longest contiguous free run.
func (a *BlockAllocator) LargestFreeRun() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, largest := a.freeRunsLocked()
	return largest
}

func (a *BlockAllocator) countUsedLocked() int {
	n := 0
	for _, u := range a.used {
		if u {
			n++
		}
	}
	return n
}

func (a *BlockAllocator) freeRunsLocked() (free, largest int) {
	run := 0
	for _, u := range a.used {
		if u {
			run = 0
			continue
		}
		free++
		run++
		if run > largest {
			largest = run
		}
	}
	return free, largest
}

// DumpBlockMap writes a human-readable occupancy map: one summary line, then
// '.'/'X' rows of 64 blocks each.
func (a *BlockAllocator) DumpBlockMap(w io.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used := a.countUsedLocked()
	_, largest := a.freeRunsLocked()
	free := a.totalBlocks - used
	frag := 0.0
	if free > 0 {
		frag = 1 - float64(largest)/float64(free)
	}
	fmt.Fprintf(w, "total_blocks=%d used=%d free=%d fragmentation=%.2f\n",
		a.totalBlocks, used, free, frag)
	for i := 0; i < a.totalBlocks; i += 64 {
		end := min(i+64, a.totalBlocks)
		row := make([]byte, end-i)
		for j := i; j < end; j++ {
			if a.used[j] {
				row[j-i] = 'X'
			} else {
				row[j-i] = '.'
			}
		}
		fmt.Fprintf(w, "%s\n", row)
	}
}
