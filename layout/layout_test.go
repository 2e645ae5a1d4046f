package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRAMRangesBelowGap(t *testing.T) {
	ranges := RAMRanges(256 << 20)

	require := assert.New(t)
	require.Len(ranges, 1)
	require.Equal(uint64(0), ranges[0].Base)
	require.Equal(uint64(256<<20), ranges[0].Size)
}

func TestRAMRangesAboveGap(t *testing.T) {
	memSize := uint64(GapStart + (1 << 30))
	ranges := RAMRanges(memSize)

	require := assert.New(t)
	require.Len(ranges, 2)
	require.Equal(uint64(0), ranges[0].Base)
	require.Equal(uint64(GapStart), ranges[0].Size)
	require.Equal(MemAbove4g.Base, ranges[1].Base)
	require.Equal(memSize-GapStart, ranges[1].Size)

	var sum uint64
	for _, r := range ranges {
		sum += r.Size
	}
	require.Equal(memSize, sum)
}

func TestRAMRangesExactGap(t *testing.T) {
	ranges := RAMRanges(GapStart)

	assert.Len(t, ranges, 1)
	assert.Equal(t, uint64(GapStart), ranges[0].Size)
}
