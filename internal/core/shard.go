package core

import "hash/maphash"

// ShardCount must be a power of 2.
const ShardCount = 32

// Sharder maps string keys to lock shards without allocating.
type Sharder struct {
	seed maphash.Seed
}

func NewSharder() Sharder {
	return Sharder{seed: maphash.MakeSeed()}
}

func (s Sharder) Index(key string) int {
	return int(maphash.String(s.seed, key) & (ShardCount - 1))
}
