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

// Package settlement drives pending bets from the gaming engine to a terminal
// status: a central puller partitions work into batches, a pool of workers
// runs the claim/submit/confirm/finalize state machine per batch, and a
// reconciliation job rescues settlements whose confirmation outcome was lost.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/reecen9696/atomiq-bet-settlement/contract"
	"github.com/reecen9696/atomiq-bet-settlement/engine"
)

const (
	// listLimit is how many pending settlements one poll tick fetches.
	listLimit = 200

	// dispatchTimeout is how long one batch send may block on a full worker
	// channel before the whole tick's remaining dispatch is dropped. The
	// engine re-lists whatever was not enqueued.
	dispatchTimeout = 250 * time.Millisecond

	// minPollInterval is the lower bound a user-provided poll interval is
	// sanitized to.
	minPollInterval = time.Second
)

// EngineAPI is the slice of the gaming-engine client the settlement loops
// consume. engine.Client implements it.
type EngineAPI interface {
	ListPending(ctx context.Context, cursor string, limit int) ([]engine.Settlement, string, error)
	ListStuck(ctx context.Context, minAge time.Duration, limit int) ([]engine.Settlement, error)
	UpdateStatus(ctx context.Context, id uint64, status engine.Status, expectedVersion uint64, opts engine.UpdateOpts) (uint64, error)
	UpdateStatusTerminal(ctx context.Context, id uint64, status engine.Status, expectedVersion uint64, opts engine.UpdateOpts) (uint64, error)
}

// ChainClient is the slice of the contract client the settlement loops
// consume. contract.Client implements it.
type ChainClient interface {
	SubmitSettlement(ctx context.Context, s *engine.Settlement) contract.SubmitResult
	SubmitBatch(ctx context.Context, batch []*engine.Settlement) contract.SubmitResult
	CheckSignature(ctx context.Context, sig string) (contract.SignatureReport, error)
	ProcessedBetExists(ctx context.Context, betID string) (bool, error)
}

// Config tunes the coordinator. Zero values are replaced with the documented
// defaults in sanitize.
type Config struct {
	Workers         int
	BatchMin        int
	BatchMax        int
	MaxBetsPerTx    int
	PollInterval    time.Duration
	MaxRetries      uint32
	DispatchBacklog int
	ShutdownGrace   time.Duration
}

func (c *Config) sanitize() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 12
	}
	if c.BatchMin <= 0 {
		c.BatchMin = 3
	}
	if c.BatchMin > c.BatchMax {
		log.Warn("Sanitizing batch bounds", "min", c.BatchMin, "max", c.BatchMax)
		c.BatchMin = c.BatchMax
	}
	if c.MaxBetsPerTx <= 0 {
		c.MaxBetsPerTx = 6
	}
	if c.PollInterval < minPollInterval {
		if c.PollInterval != 0 {
			log.Warn("Sanitizing poll interval", "provided", c.PollInterval, "updated", minPollInterval)
		}
		if c.PollInterval == 0 {
			c.PollInterval = 10 * time.Second
		} else {
			c.PollInterval = minPollInterval
		}
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.DispatchBacklog <= 0 {
		c.DispatchBacklog = 100
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Minute
	}
}

// workerTask is one exclusively-owned batch of settlements, tagged with a
// dispatch id for log correlation.
type workerTask struct {
	id          uuid.UUID
	settlements []*engine.Settlement
	createdAt   time.Time
}

// Coordinator owns the poll-dispatch loop and the worker pool. One instance
// runs per process; cross-process safety comes entirely from the engine's
// versioned compare-and-set.
type Coordinator struct {
	cfg   Config
	eng   EngineAPI
	chain ChainClient

	taskChs    []chan *workerTask
	nextWorker int

	wg sync.WaitGroup

	// Test hooks
	dispatchedHook func(*workerTask) // called after a batch is enqueued
}

// NewCoordinator wires the coordinator with its worker channels.
func NewCoordinator(cfg Config, eng EngineAPI, chain ChainClient) *Coordinator {
	cfg.sanitize()
	c := &Coordinator{
		cfg:   cfg,
		eng:   eng,
		chain: chain,
	}
	c.taskChs = make([]chan *workerTask, cfg.Workers)
	for i := range c.taskChs {
		c.taskChs[i] = make(chan *workerTask, cfg.DispatchBacklog)
	}
	return c
}

// Run starts the poll loop and the workers and blocks until ctx is cancelled
// and every worker has drained its in-flight settlement. Terminal status
// writes survive cancellation for up to ShutdownGrace.
func (c *Coordinator) Run(ctx context.Context) error {
	finalizeCtx, cancelFinalize := context.WithCancel(context.Background())
	defer cancelFinalize()

	for i, ch := range c.taskChs {
		c.wg.Add(1)
		go c.workerLoop(ctx, finalizeCtx, i, ch)
	}
	c.wg.Add(1)
	go c.pollLoop(ctx)

	<-ctx.Done()
	log.Info("Settlement coordinator shutting down", "grace", c.cfg.ShutdownGrace)

	// Give in-flight terminal writes a bounded grace window, then pull the plug.
	graceTimer := time.AfterFunc(c.cfg.ShutdownGrace, cancelFinalize)
	defer graceTimer.Stop()
	c.wg.Wait()
	log.Info("Settlement coordinator stopped")
	return nil
}

// pollLoop is a standalone goroutine that fetches pending settlements every
// PollInterval and dispatches them. A new fetch never starts before the
// previous dispatch finished enqueueing: that is the single-writer guarantee
// against double dispatch within one tick.
func (c *Coordinator) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	// One immediate pass so a restart does not sit idle for a full interval.
	c.dispatchPending(ctx)
	for {
		select {
		case <-ticker.C:
			c.dispatchPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// dispatchPending runs one list-partition-dispatch pass.
func (c *Coordinator) dispatchPending(ctx context.Context) {
	settlements, _, err := c.eng.ListPending(ctx, "", listLimit)
	if err != nil {
		log.Warn("Failed to list pending settlements", "err", err)
		return
	}
	if len(settlements) == 0 {
		return
	}
	batches := c.partition(settlements)
	log.Debug("Dispatching settlement batches", "settlements", len(settlements), "batches", len(batches))
	for i, batch := range batches {
		task := &workerTask{id: uuid.New(), settlements: batch, createdAt: time.Now()}
		ch := c.taskChs[c.nextWorker%len(c.taskChs)]
		c.nextWorker++
		select {
		case ch <- task:
			if c.dispatchedHook != nil {
				c.dispatchedHook(task)
			}
		case <-time.After(dispatchTimeout):
			// Back-pressure: the engine retains everything not enqueued and
			// re-lists it next tick.
			log.Warn("Worker channels full, dropping dispatch pass", "enqueued", i, "dropped", len(batches)-i)
			return
		case <-ctx.Done():
			return
		}
	}
}

// partition filters the snapshot down to actionable settlements, splits wins
// from losses (different instruction families must not share a packed
// transaction) and chunks each group into contiguous batches within the
// configured bounds.
func (c *Coordinator) partition(settlements []engine.Settlement) [][]*engine.Settlement {
	now := time.Now().Unix()
	var wins, losses []*engine.Settlement
	for i := range settlements {
		s := &settlements[i]
		if s.Status != engine.StatusPending && s.Status != engine.StatusFailed {
			continue
		}
		if s.RetryCount >= c.cfg.MaxRetries {
			continue
		}
		if s.NextRetryAt != nil && *s.NextRetryAt > now {
			continue
		}
		if s.Outcome == engine.OutcomeWin {
			wins = append(wins, s)
		} else {
			losses = append(losses, s)
		}
	}
	batches := chunkBatches(wins, c.cfg.BatchMin, c.cfg.BatchMax)
	return append(batches, chunkBatches(losses, c.cfg.BatchMin, c.cfg.BatchMax)...)
}

// chunkBatches splits items into contiguous chunks of at most max elements,
// rebalancing the tail so no chunk falls below min when the group is large
// enough to allow it. A group smaller than min still ships as one batch.
func chunkBatches(items []*engine.Settlement, min, max int) [][]*engine.Settlement {
	if len(items) == 0 {
		return nil
	}
	var chunks [][]*engine.Settlement
	for start := 0; start < len(items); start += max {
		end := start + max
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	if n := len(chunks); n > 1 {
		last := chunks[n-1]
		prev := chunks[n-2]
		if len(last) < min {
			deficit := min - len(last)
			if len(prev)-deficit >= min {
				cut := len(prev) - deficit
				chunks[n-1] = append(append([]*engine.Settlement{}, prev[cut:]...), last...)
				chunks[n-2] = prev[:cut]
			}
		}
	}
	return chunks
}
