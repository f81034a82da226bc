package rpc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable_TakeIsExclusive(t *testing.T) {
	table := newPendingTable()
	id := table.register(newCall(OpGetCitations, "d"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := table.take(id); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 0, table.len())
}

func TestPendingTable_IDsAreUniqueWhilePending(t *testing.T) {
	table := newPendingTable()
	const n = 1000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := table.register(newCall(OpGetTransactions, "d"))
		_, dup := seen[id]
		require.False(t, dup, "id %s issued twice", id)
		seen[id] = struct{}{}
	}
	require.Equal(t, n, table.len())
}

func TestPendingTable_DrainEmptiesTable(t *testing.T) {
	table := newPendingTable()
	table.register(newCall(OpGetTransactions, "d"))
	table.register(newCall(OpGetTransactions, "d"))

	calls := table.drain()
	assert.Len(t, calls, 2)
	assert.Equal(t, 0, table.len())

	_, ok := table.take("anything")
	assert.False(t, ok)
}
