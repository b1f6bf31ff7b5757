// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"hash"
	"hash/fnv"
	"sync"
)

// Hash pool for partition selection.
var hashPool = sync.Pool{
	New: func() interface{} {
		return fnv.New32a()
	},
}

// PartitionFor returns the partition for a conversation ID. The mapping is
// deterministic: the same conversation always lands on the same partition,
// which is what scopes ordering to a conversation. Changing numPartitions
// invalidates the mapping for un-drained data and must be treated as a
// migration, never a live reconfiguration.
func PartitionFor(conversationID string, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}

	hasher := hashPool.Get().(hash.Hash32)
	defer func() {
		hasher.Reset()
		hashPool.Put(hasher)
	}()

	hasher.Write([]byte(conversationID))
	return int(hasher.Sum32() % uint32(numPartitions))
}
