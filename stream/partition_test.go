// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionForIsDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("conversation-%d", i)
		first := PartitionFor(id, 16)
		for j := 0; j < 10; j++ {
			assert.Equal(t, first, PartitionFor(id, 16))
		}
	}
}

func TestPartitionForInRange(t *testing.T) {
	for _, parts := range []int{1, 2, 7, 16, 64} {
		for i := 0; i < 200; i++ {
			p := PartitionFor(fmt.Sprintf("c-%d", i), parts)
			assert.GreaterOrEqual(t, p, 0)
			assert.Less(t, p, parts)
		}
	}
}

func TestPartitionForSinglePartition(t *testing.T) {
	assert.Equal(t, 0, PartitionFor("anything", 1))
	assert.Equal(t, 0, PartitionFor("anything", 0))
}

func TestPartitionForSpreadsLoad(t *testing.T) {
	const parts = 8
	seen := make(map[int]int)
	for i := 0; i < 1000; i++ {
		seen[PartitionFor(fmt.Sprintf("conv-%d", i), parts)]++
	}

	// Every partition should receive a meaningful share.
	assert.Len(t, seen, parts)
	for p, n := range seen {
		assert.Greater(t, n, 1000/parts/4, "partition %d is starved", p)
	}
}
