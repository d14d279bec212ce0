// Copyright 2025 The atomik Authors
// This file is part of the atomik settlement processor.
//
// The atomik settlement processor is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// The atomik settlement processor is distributed in the hope that it will be
// useful, but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the atomik settlement processor. If not, see <http://www.gnu.org/licenses/>.

package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reecen9696/atomiq-bet-settlement/engine"
)

func TestPartitionSeparatesOutcomes(t *testing.T) {
	c := testCoordinator(newEngineStub(), newChainStub())
	list := []engine.Settlement{
		pendingLoss(1, 1), pendingWin(2, 1), pendingLoss(3, 1), pendingWin(4, 1), pendingLoss(5, 1),
	}
	batches := c.partition(list)
	require.NotEmpty(t, batches)
	for _, batch := range batches {
		outcome := batch[0].Outcome
		for _, s := range batch {
			require.Equal(t, outcome, s.Outcome)
		}
	}
	var total int
	for _, b := range batches {
		total += len(b)
	}
	require.Equal(t, 5, total)
}

func TestPartitionSkipsExhaustedRetries(t *testing.T) {
	c := testCoordinator(newEngineStub(), newChainStub())
	exhausted := pendingLoss(10, 4)
	exhausted.Status = engine.StatusFailed
	exhausted.RetryCount = 3

	batches := c.partition([]engine.Settlement{exhausted, pendingLoss(11, 1)})
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, uint64(11), batches[0][0].TransactionID)
}

func TestPartitionSkipsNotYetDueRetries(t *testing.T) {
	c := testCoordinator(newEngineStub(), newChainStub())
	future := time.Now().Add(time.Minute).Unix()
	notDue := pendingLoss(20, 3)
	notDue.Status = engine.StatusFailed
	notDue.RetryCount = 1
	notDue.NextRetryAt = &future

	past := time.Now().Add(-time.Minute).Unix()
	due := pendingLoss(21, 3)
	due.Status = engine.StatusFailed
	due.RetryCount = 1
	due.NextRetryAt = &past

	batches := c.partition([]engine.Settlement{notDue, due})
	require.Len(t, batches, 1)
	require.Equal(t, uint64(21), batches[0][0].TransactionID)
}

func TestPartitionSkipsForeignStatuses(t *testing.T) {
	c := testCoordinator(newEngineStub(), newChainStub())
	submitted := pendingLoss(30, 2)
	submitted.Status = engine.StatusSubmitted
	complete := pendingLoss(31, 3)
	complete.Status = engine.StatusComplete

	require.Empty(t, c.partition([]engine.Settlement{submitted, complete}))
}

func TestChunkBatchesBounds(t *testing.T) {
	mk := func(n int) []*engine.Settlement {
		out := make([]*engine.Settlement, n)
		for i := range out {
			out[i] = snapshot(pendingLoss(uint64(i), 1))
		}
		return out
	}

	sizes := func(chunks [][]*engine.Settlement) []int {
		var out []int
		for _, c := range chunks {
			out = append(out, len(c))
		}
		return out
	}

	require.Equal(t, []int{12, 10, 3}, sizes(chunkBatches(mk(25), 3, 12)))
	require.Equal(t, []int{12}, sizes(chunkBatches(mk(12), 3, 12)))
	// A group smaller than the minimum still ships.
	require.Equal(t, []int{2}, sizes(chunkBatches(mk(2), 3, 12)))
	require.Nil(t, chunkBatches(nil, 3, 12))

	// Order survives chunking and rebalancing.
	chunks := chunkBatches(mk(25), 3, 12)
	var seen []uint64
	for _, c := range chunks {
		for _, s := range c {
			seen = append(seen, s.TransactionID)
		}
	}
	for i, id := range seen {
		require.Equal(t, uint64(i), id)
	}
}

func TestDispatchRoundRobinsAcrossWorkers(t *testing.T) {
	eng := newEngineStub()
	c := NewCoordinator(Config{Workers: 2, BatchMin: 1, BatchMax: 1, DispatchBacklog: 10}, eng, newChainStub())

	for i := uint64(0); i < 4; i++ {
		s := pendingLoss(100+i, 1)
		eng.records[s.TransactionID] = snapshot(s)
	}

	// Workers are not running; dispatched batches pile up per channel.
	c.dispatchPending(context.Background())
	require.Equal(t, 2, len(c.taskChs[0]))
	require.Equal(t, 2, len(c.taskChs[1]))
}

func TestDispatchDropsPassWhenChannelsFull(t *testing.T) {
	eng := newEngineStub()
	c := NewCoordinator(Config{Workers: 1, BatchMin: 1, BatchMax: 1, DispatchBacklog: 2}, eng, newChainStub())

	for i := uint64(0); i < 5; i++ {
		s := pendingLoss(200+i, 1)
		eng.records[s.TransactionID] = snapshot(s)
	}

	var dispatched int
	c.dispatchedHook = func(*workerTask) { dispatched++ }
	c.dispatchPending(context.Background())

	// Backlog of two absorbs two batches; the rest of the pass is dropped
	// and the engine will re-list it.
	require.Equal(t, 2, dispatched)
	require.Equal(t, 2, len(c.taskChs[0]))
}

func TestRunDrainsOnShutdown(t *testing.T) {
	listed := pendingLoss(300, 1)
	eng := newEngineStub(listed)
	chain := newChainStub()
	c := NewCoordinator(Config{
		Workers:      1,
		BatchMin:     1,
		BatchMax:     12,
		PollInterval: 20 * time.Millisecond,
		MaxRetries:   3,
	}, eng, chain)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return eng.get(300).Status == engine.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not drain on shutdown")
	}
}
