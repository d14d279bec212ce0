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
	"fmt"
	"sync"
	"time"

	"github.com/reecen9696/atomiq-bet-settlement/contract"
	"github.com/reecen9696/atomiq-bet-settlement/engine"
)

// engineStub is an in-memory gaming engine with real compare-and-set
// semantics, so the tests exercise the same races production sees.
type engineStub struct {
	mu      sync.Mutex
	records map[uint64]*engine.Settlement
	stuck   []engine.Settlement

	// claimErr, when set, fails the next UpdateStatus for the given id with a
	// transport-style error.
	claimErr map[uint64]error
}

func newEngineStub(settlements ...engine.Settlement) *engineStub {
	e := &engineStub{records: make(map[uint64]*engine.Settlement), claimErr: make(map[uint64]error)}
	for i := range settlements {
		s := settlements[i]
		e.records[s.TransactionID] = &s
	}
	return e
}

func (e *engineStub) get(id uint64) engine.Settlement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.records[id]
}

func (e *engineStub) ListPending(ctx context.Context, cursor string, limit int) ([]engine.Settlement, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engine.Settlement
	for _, rec := range e.records {
		if rec.Status == engine.StatusPending || rec.Status == engine.StatusFailed {
			out = append(out, *rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, "", nil
}

func (e *engineStub) ListStuck(ctx context.Context, minAge time.Duration, limit int) ([]engine.Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Settlement{}, e.stuck...), nil
}

func (e *engineStub) UpdateStatus(ctx context.Context, id uint64, status engine.Status, expectedVersion uint64, opts engine.UpdateOpts) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.claimErr[id]; ok {
		delete(e.claimErr, id)
		return 0, err
	}
	rec, ok := e.records[id]
	if !ok {
		return 0, engine.ErrNotFound
	}
	if rec.Status.Terminal() || rec.Version != expectedVersion {
		return 0, &engine.VersionConflictError{Current: rec.Version, Expected: expectedVersion}
	}
	rec.Status = status
	rec.Version++
	if opts.SolanaTxID != "" {
		sig := opts.SolanaTxID
		rec.SolanaTxID = &sig
	}
	if opts.ErrorMessage != "" {
		msg := opts.ErrorMessage
		rec.ErrorMessage = &msg
	}
	if opts.RetryCount != nil {
		rec.RetryCount = *opts.RetryCount
	}
	if opts.NextRetryAt != nil {
		at := *opts.NextRetryAt
		rec.NextRetryAt = &at
	}
	return rec.Version, nil
}

func (e *engineStub) UpdateStatusTerminal(ctx context.Context, id uint64, status engine.Status, expectedVersion uint64, opts engine.UpdateOpts) (uint64, error) {
	v, err := e.UpdateStatus(ctx, id, status, expectedVersion, opts)
	if vc, ok := engine.IsVersionConflict(err); ok {
		return vc.Current, nil
	}
	return v, err
}

// chainStub fakes the contract client. The default submit behavior confirms
// with a per-settlement signature; tests override the function fields.
type chainStub struct {
	mu          sync.Mutex
	submits     []uint64   // individually submitted transaction ids
	batches     [][]uint64 // packed submissions
	submitFn    func(s *engine.Settlement) contract.SubmitResult
	batchFn     func(batch []*engine.Settlement) contract.SubmitResult
	sigReports  map[string]contract.SignatureReport
	witnesses   map[string]bool
	witnessErrs map[string]error
}

func newChainStub() *chainStub {
	return &chainStub{
		sigReports:  make(map[string]contract.SignatureReport),
		witnesses:   make(map[string]bool),
		witnessErrs: make(map[string]error),
	}
}

func sigFor(id uint64) string { return fmt.Sprintf("sig-%d", id) }

func (c *chainStub) SubmitSettlement(ctx context.Context, s *engine.Settlement) contract.SubmitResult {
	c.mu.Lock()
	c.submits = append(c.submits, s.TransactionID)
	c.mu.Unlock()
	if c.submitFn != nil {
		return c.submitFn(s)
	}
	return contract.SubmitResult{Outcome: contract.OutcomeConfirmed, Signature: sigFor(s.TransactionID)}
}

func (c *chainStub) SubmitBatch(ctx context.Context, batch []*engine.Settlement) contract.SubmitResult {
	ids := make([]uint64, len(batch))
	for i, s := range batch {
		ids[i] = s.TransactionID
	}
	c.mu.Lock()
	c.batches = append(c.batches, ids)
	c.mu.Unlock()
	if c.batchFn != nil {
		return c.batchFn(batch)
	}
	return contract.SubmitResult{Outcome: contract.OutcomeConfirmed, Signature: sigFor(ids[0])}
}

func (c *chainStub) CheckSignature(ctx context.Context, sig string) (contract.SignatureReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rep, ok := c.sigReports[sig]; ok {
		return rep, nil
	}
	return contract.SignatureReport{Status: contract.SigUnknown}, nil
}

func (c *chainStub) ProcessedBetExists(ctx context.Context, betID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.witnessErrs[betID]; ok {
		return false, err
	}
	return c.witnesses[betID], nil
}

// pendingLoss builds a fresh listed snapshot of a loss settlement.
func pendingLoss(id uint64, version uint64) engine.Settlement {
	return engine.Settlement{
		TransactionID: id,
		PlayerAddress: "4Nd1mY5JZ8xW8p4cN9oyKq3m2HCrFtDdBD29dkEcu2cF",
		GameType:      "coinflip",
		BetAmount:     100_000_000,
		Token:         engine.Token{Symbol: "SOL"},
		Outcome:       engine.OutcomeLoss,
		Status:        engine.StatusPending,
		Version:       version,
	}
}

// pendingWin builds a fresh listed snapshot of a win settlement.
func pendingWin(id uint64, version uint64) engine.Settlement {
	s := pendingLoss(id, version)
	s.Outcome = engine.OutcomeWin
	s.Payout = 200_000_000
	return s
}

// snapshot returns a dispatch-time copy the way the coordinator hands
// settlements to workers.
func snapshot(s engine.Settlement) *engine.Settlement {
	cp := s
	return &cp
}

func testCoordinator(eng EngineAPI, chain ChainClient) *Coordinator {
	return NewCoordinator(Config{
		Workers:      2,
		BatchMin:     1,
		BatchMax:     12,
		MaxBetsPerTx: 6,
		MaxRetries:   3,
	}, eng, chain)
}
