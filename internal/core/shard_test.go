package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSharder_Index(t *testing.T) {
	s := NewSharder()
	used := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("conn-%d", i)
		idx := s.Index(key)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, ShardCount)
		assert.Equal(t, idx, s.Index(key), "index must be stable")
		used[idx] = true
	}
	assert.Greater(t, len(used), ShardCount/2, "keys should spread across shards")
}
