package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasBlockReflectsValidatedTipAndBitmap(t *testing.T) {
	b := New()
	assert.False(t, b.HasBlock(1))

	b.MarkAvailable(1)
	assert.True(t, b.HasBlock(1))
	assert.False(t, b.HasBlock(2))

	b.MarkValidated(1)
	assert.True(t, b.HasBlock(1), "validation is permanent")
}

func TestMarkAvailableNoopBelowValidatedTip(t *testing.T) {
	b := New()
	b.MarkAvailable(5)
	b.MarkValidated(5)

	// Marking an already-validated height available must not resurface
	// it as a pending bit.
	b.MarkAvailable(3)
	assert.True(t, b.HasBlock(3))
}

func TestFindConsecutiveRangeRequiresFirstBitSet(t *testing.T) {
	b := New()
	_, _, ok := b.FindConsecutiveRange()
	assert.False(t, ok)

	b.MarkAvailable(2) // gap at height 1
	_, _, ok = b.FindConsecutiveRange()
	assert.False(t, ok)
}

func TestFindConsecutiveRangeReturnsContiguousRun(t *testing.T) {
	b := New()
	for _, h := range []uint32{1, 2, 3, 5} {
		b.MarkAvailable(h)
	}

	start, end, ok := b.FindConsecutiveRange()
	assert.True(t, ok)
	assert.Equal(t, uint32(1), start)
	assert.Equal(t, uint32(3), end)
}

func TestFindConsecutiveRangeCanReachHighestStored(t *testing.T) {
	b := New()
	for _, h := range []uint32{1, 2, 3} {
		b.MarkAvailable(h)
	}
	start, end, ok := b.FindConsecutiveRange()
	assert.True(t, ok)
	assert.Equal(t, uint32(1), start)
	assert.Equal(t, uint32(3), end)
}

func TestFindBlockingBlockReportsFirstGap(t *testing.T) {
	b := New()
	b.MarkAvailable(1)
	b.MarkAvailable(2)
	b.MarkAvailable(4)

	assert.Equal(t, uint32(3), b.FindBlockingBlock())
}

func TestFindBlockingBlockWhenFullyContiguous(t *testing.T) {
	b := New()
	b.MarkAvailable(1)
	b.MarkAvailable(2)

	assert.Equal(t, uint32(3), b.FindBlockingBlock())
}

func TestMarkValidatedClearsRangeForReuse(t *testing.T) {
	b := New()
	b.MarkAvailable(1)
	b.MarkAvailable(2)
	b.MarkValidated(2)

	// The bits in (0, 2] are cleared internally, but HasBlock still
	// reports true for them via the validated-tip shortcut.
	assert.True(t, b.HasBlock(1))
	assert.True(t, b.HasBlock(2))
	assert.Equal(t, uint32(2), b.ValidatedTip())
}

func TestAddWorkIdempotenceAtBitmapLevel(t *testing.T) {
	b := New()
	for h := uint32(1); h <= 10; h++ {
		b.MarkAvailable(h)
	}
	b.MarkAvailable(10) // repeat marking must not corrupt state

	assert.True(t, b.HasBlock(10))
	start, end, ok := b.FindConsecutiveRange()
	_ = start
	assert.True(t, ok)
	assert.Equal(t, uint32(10), end)
}
