package cartgrid

import "github.com/cespare/xxhash/v2"

// PartitionOf maps a record key onto one of n partitions.
func PartitionOf(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
