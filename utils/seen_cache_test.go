package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenCacheEvictsOldest(t *testing.T) {
	c := NewSeenCache[uint64](2)

	assert.True(t, c.Add(1))
	assert.False(t, c.Add(1))
	assert.True(t, c.Add(2))
	assert.True(t, c.Add(3))

	assert.False(t, c.Has(1))
	assert.True(t, c.Has(2))
	assert.True(t, c.Has(3))
	assert.Equal(t, 2, c.Len())

	// 1 was evicted, so it counts as new again and pushes 2 out
	assert.True(t, c.Add(1))
	assert.False(t, c.Has(2))
}
