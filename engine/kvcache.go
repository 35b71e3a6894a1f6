// engine/kvcache.go
//
// KVCache owns the K and V arenas plus the block allocator, and maps each
// active request id to its SequenceKVEntry. Views into the arenas are
// zero-copy; the engine serializes mutation against readers.
//
// Arena layout is [layers, totalBlocks, heads, blockSize, headDim] row-major.
// A sequence's element index is
//
//	layer*(B*H*S*D) + block*(H*S*D) + head*(S*D) + offsetInBlock*D + d
//
// with block = handle.StartBlock + logicalToken/blockSize and
// offsetInBlock = logicalToken % blockSize.

package engine

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
)

// SequenceKVEntry is the per-request cache state. TokensUsed increments by
// exactly one per successful append and never exceeds MaxAllowed.
type SequenceKVEntry struct {
	Handle     KVHandle
	TokensUsed int
	MaxAllowed int
}

// KVCache is the paged KV store for all active sequences.
type KVCache struct {
	mu sync.Mutex

	numLayers   int
	numHeads    int
	headDim     int
	blockSize   int
	totalBlocks int

	alloc     *BlockAllocator
	kArena    []float32
	vArena    []float32
	sequences map[string]*SequenceKVEntry
}

// NewKVCache allocates both arenas up front. No reallocation ever happens.
func NewKVCache(cfg KVCacheConfig) (*KVCache, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	totalBlocks := (cfg.MaxTotalTokens + cfg.BlockSize - 1) / cfg.BlockSize
	arenaLen := cfg.NumLayers * totalBlocks * cfg.NumHeads * cfg.BlockSize * cfg.HeadDim
	c := &KVCache{
		numLayers:   cfg.NumLayers,
		numHeads:    cfg.NumHeads,
		headDim:     cfg.HeadDim,
		blockSize:   cfg.BlockSize,
		totalBlocks: totalBlocks,
		alloc:       NewBlockAllocator(totalBlocks),
		kArena:      make([]float32, arenaLen),
		vArena:      make([]float32, arenaLen),
		sequences:   make(map[string]*SequenceKVEntry),
	}
	logrus.Debugf("KVCache: %d blocks of %d tokens, arena %d floats per side",
		totalBlocks, cfg.BlockSize, arenaLen)
	return c, nil
}

// Warmup touches every OS page of both arenas so the hot path never takes a
// lazy fault. Safe to call once before first use.
func (c *KVCache) Warmup() {
	const floatsPerPage = 4096 / 4
	for i := 0; i < len(c.kArena); i += floatsPerPage {
		c.kArena[i] = 0
		c.vArena[i] = 0
	}
}

// BlockSize returns tokens per block.
func (c *KVCache) BlockSize() int { return c.blockSize }

// TotalBlocks returns the arena capacity in blocks.
func (c *KVCache) TotalBlocks() int { return c.totalBlocks }

// AllocateFor reserves a contiguous region sized for initialTokens and
// records the sequence entry. Returns false when the id is already present
// or the allocator has no contiguous run. initialTokens of zero produces an
// entry with no blocks whose first AppendToken fails.
func (c *KVCache) AllocateFor(requestID string, initialTokens int) bool {
	if initialTokens < 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.sequences[requestID]; exists {
		logrus.Errorf("KVCache: duplicate allocation for request %s", requestID)
		return false
	}
	blocksNeeded := (initialTokens + c.blockSize - 1) / c.blockSize
	handle := InvalidHandle
	if blocksNeeded > 0 {
		handle = c.alloc.Allocate(blocksNeeded)
		if !handle.Valid() {
			logrus.Warnf("KVCache: cannot allocate %d contiguous blocks for request %s", blocksNeeded, requestID)
			return false
		}
	}
	c.sequences[requestID] = &SequenceKVEntry{
		Handle:     handle,
		TokensUsed: initialTokens,
		MaxAllowed: blocksNeeded * c.blockSize,
	}
	return true
}

// FreeFor removes the sequence entry and returns its blocks to the
// allocator. Unknown ids are a no-op, which makes release idempotent.
func (c *KVCache) FreeFor(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sequences[requestID]
	if !ok {
		return
	}
	delete(c.sequences, requestID)
	if err := c.alloc.Free(entry.Handle); err != nil {
		logrus.Errorf("KVCache: freeing request %s: %v", requestID, err)
	}
}

// AppendToken reserves space for one more token in the sequence. Returns
// false on unknown id or capacity exhaustion.
func (c *KVCache) AppendToken(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sequences[requestID]
	if !ok {
		return false
	}
	if entry.TokensUsed >= entry.MaxAllowed {
		return false
	}
	entry.TokensUsed++
	return true
}

// KView returns the zero-copy K view for (requestID, layer).
func (c *KVCache) KView(requestID string, layer int) View {
	return c.view(c.kArena, requestID, layer)
}

// VView returns the zero-copy V view for (requestID, layer).
func (c *KVCache) VView(requestID string, layer int) View {
	return c.view(c.vArena, requestID, layer)
}

func (c *KVCache) view(arena []float32, requestID string, layer int) View {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sequences[requestID]
	if !ok || layer < 0 || layer >= c.numLayers || !entry.Handle.Valid() {
		return View{}
	}
	blockStride := c.numHeads * c.blockSize * c.headDim
	layerStride := c.totalBlocks * blockStride
	offset := layer*layerStride + entry.Handle.StartBlock*blockStride
	length := entry.Handle.NumBlocks * blockStride
	return View{
		Data:  arena[offset : offset+length],
		Shape: [3]int{c.numHeads, entry.TokensUsed, c.headDim},
		Valid: true,
	}
}

// TokenOffsetInBlock returns TokensUsed mod blockSize, or -1 for unknown ids.
func (c *KVCache) TokenOffsetInBlock(requestID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sequences[requestID]
	if !ok {
		return -1
	}
	return entry.TokensUsed % c.blockSize
}

// UsedTokens returns the sequence's token count, or -1 for unknown ids.
func (c *KVCache) UsedTokens(requestID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sequences[requestID]
	if !ok {
		return -1
	}
	return entry.TokensUsed
}

// NumSequences returns the number of live sequence entries.
func (c *KVCache) NumSequences() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sequences)
}

// bytesPerBlock is both arenas' worth of one block.
func (c *KVCache) bytesPerBlock() int {
	return 2 * c.numLayers * c.numHeads * c.blockSize * c.headDim * 4
}

// TotalAllocatedBytes reports bytes held by live sequences across K and V.
func (c *KVCache) TotalAllocatedBytes() int {
	return c.alloc.UsedBlocks() * c.bytesPerBlock()
}

// TotalFreeBytes reports bytes in unallocated blocks across K and V.
func (c *KVCache) TotalFreeBytes() int {
	return c.alloc.FreeBlocks() * c.bytesPerBlock()
}

// IsFull reports whether no free blocks remain.
func (c *KVCache) IsFull() bool {
	return c.alloc.FreeBlocks() == 0
}

// Fragmentation proxies the allocator's fragmentation metric.
func (c *KVCache) Fragmentation() float64 {
	return c.alloc.Fragmentation()
}

// FreeBlocks proxies the allocator's free-slot count.
func (c *KVCache) FreeBlocks() int {
	return c.alloc.FreeBlocks()
}

// DumpCacheStats writes a summary line followed by a per-sequence table,
// ordered by request id for stable output.
func (c *KVCache) DumpCacheStats(w io.Writer) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sequences))
	for id := range c.sequences {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	type row struct {
		id    string
		entry SequenceKVEntry
	}
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, row{id: id, entry: *c.sequences[id]})
	}
	c.mu.Unlock()

	fmt.Fprintf(w, "total_blocks=%d used=%d free=%d fragmentation=%.2f\n",
		c.alloc.TotalBlocks(), c.alloc.UsedBlocks(), c.alloc.FreeBlocks(), c.alloc.Fragmentation())

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "TOKENS_USED", "MAX_ALLOWED", "START_BLOCK", "NUM_BLOCKS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, r := range rows {
		table.Append([]string{
			r.id,
			strconv.Itoa(r.entry.TokensUsed),
			strconv.Itoa(r.entry.MaxAllowed),
			strconv.Itoa(r.entry.Handle.StartBlock),
			strconv.Itoa(r.entry.Handle.NumBlocks),
		})
	}
	table.Render()
}
