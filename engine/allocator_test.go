package engine

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlockAllocator_ZeroBlocks_Panics(t *testing.T) {
	assert.PanicsWithValue(t,
		"BlockAllocator: totalBlocks must be > 0, got 0",
		func() {
			NewBlockAllocator(0)
		})
}

func TestAllocate_ReturnsContiguousRun(t *testing.T) {
	a := NewBlockAllocator(16)

	h := a.Allocate(4)
	require.True(t, h.Valid())
	assert.Equal(t, 0, h.StartBlock)
	assert.Equal(t, 4, h.NumBlocks)
	assert.Equal(t, 4, a.UsedBlocks())
	assert.Equal(t, 12, a.FreeBlocks())
}

func TestAllocate_UsedPlusFreeEqualsTotal(t *testing.T) {
	a := NewBlockAllocator(64)
	handles := []KVHandle{}
	for _, n := range []int{1, 7, 16, 3} {
		h := a.Allocate(n)
		require.True(t, h.Valid())
		handles = append(handles, h)
		assert.Equal(t, 64, a.UsedBlocks()+a.FreeBlocks())
	}
	for _, h := range handles {
		require.NoError(t, a.Free(h))
		assert.Equal(t, 64, a.UsedBlocks()+a.FreeBlocks())
	}
}

func TestAllocate_MoreThanTotal_ReturnsInvalid(t *testing.T) {
	a := NewBlockAllocator(8)
	h := a.Allocate(9)
	assert.False(t, h.Valid())
	assert.Equal(t, 0, a.UsedBlocks())
}

func TestAllocate_NonPositive_ReturnsInvalid(t *testing.T) {
	a := NewBlockAllocator(8)
	assert.False(t, a.Allocate(0).Valid())
	assert.False(t, a.Allocate(-1).Valid())
}

func TestAllocate_FailureIsTotal(t *testing.T) {
	a := NewBlockAllocator(10)
	// Fragment the pool: [used(3)][free(2)][used(3)][free(2)]
	h1 := a.Allocate(3)
	h2 := a.Allocate(2)
	h3 := a.Allocate(3)
	require.True(t, h1.Valid() && h2.Valid() && h3.Valid())
	require.NoError(t, a.Free(h2))

	// 4 free blocks exist but no contiguous run of 4.
	assert.Equal(t, 4, a.FreeBlocks())
	h := a.Allocate(4)
	assert.False(t, h.Valid())
	assert.Equal(t, 4, a.FreeBlocks())
}

func TestFree_RoundTripRestoresCounts(t *testing.T) {
	a := NewBlockAllocator(32)
	beforeUsed, beforeFree := a.UsedBlocks(), a.FreeBlocks()

	h := a.Allocate(5)
	require.True(t, h.Valid())
	require.NoError(t, a.Free(h))

	assert.Equal(t, beforeUsed, a.UsedBlocks())
	assert.Equal(t, beforeFree, a.FreeBlocks())
}

func TestFree_InvalidHandle_IsNoOp(t *testing.T) {
	a := NewBlockAllocator(8)
	assert.NoError(t, a.Free(InvalidHandle))
	assert.Equal(t, 8, a.FreeBlocks())
}

func TestFree_DoubleFree_IsDetected(t *testing.T) {
	a := NewBlockAllocator(8)
	h := a.Allocate(2)
	require.NoError(t, a.Free(h))

	err := a.Free(h)
	assert.ErrorIs(t, err, ErrDoubleFree)
	assert.Equal(t, 8, a.FreeBlocks())
}

func TestFree_OutOfRangeHandle_Errors(t *testing.T) {
	a := NewBlockAllocator(8)
	err := a.Free(KVHandle{StartBlock: 6, NumBlocks: 4})
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestFragmentation_MiddleFree(t *testing.T) {
	a := NewBlockAllocator(1024)
	h1 := a.Allocate(100)
	h2 := a.Allocate(100)
	h3 := a.Allocate(100)
	require.Equal(t, 0, h1.StartBlock)
	require.Equal(t, 100, h2.StartBlock)
	require.Equal(t, 200, h3.StartBlock)

	require.NoError(t, a.Free(h2))

	assert.Equal(t, 824, a.FreeBlocks())
	assert.Equal(t, 724, a.LargestFreeRun())
	assert.InDelta(t, 1.0-724.0/824.0, a.Fragmentation(), 1e-9)
}

func TestFragmentation_EmptyAndFull(t *testing.T) {
	a := NewBlockAllocator(16)
	assert.Equal(t, 0.0, a.Fragmentation())

	h := a.Allocate(16)
	require.True(t, h.Valid())
	// No free blocks: defined as zero.
	assert.Equal(t, 0.0, a.Fragmentation())
}

func TestAllocate_ReusesFreedRun(t *testing.T) {
	a := NewBlockAllocator(10)
	h1 := a.Allocate(4)
	h2 := a.Allocate(4)
	require.NoError(t, a.Free(h1))

	// First-fit lands in the freed hole.
	h3 := a.Allocate(3)
	assert.Equal(t, 0, h3.StartBlock)
	require.NoError(t, a.Free(h2))
	require.NoError(t, a.Free(h3))
}

func TestDumpBlockMap_Format(t *testing.T) {
	a := NewBlockAllocator(130)
	a.Allocate(3)

	var buf bytes.Buffer
	a.DumpBlockMap(&buf)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4) // summary + 64 + 64 + 2
	assert.Contains(t, lines[0], "total_blocks=130")
	assert.Contains(t, lines[0], "used=3")
	assert.True(t, strings.HasPrefix(lines[1], "XXX."))
	assert.Len(t, lines[1], 64)
	assert.Len(t, lines[2], 64)
	assert.Len(t, lines[3], 2)
}
