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
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/reecen9696/atomiq-bet-settlement/contract"
	"github.com/reecen9696/atomiq-bet-settlement/engine"
)

// claimed is a settlement this worker won the claim race for, together with
// the version the claim produced, which every later transition must present.
type claimed struct {
	s         *engine.Settlement
	version   uint64
	claimedAt time.Time
}

// workerLoop is a standalone goroutine consuming batches from one channel.
// The channel is owned exclusively by this worker; a shutdown aborts between
// settlements, never between chain-accept and status write.
func (c *Coordinator) workerLoop(ctx, finalizeCtx context.Context, idx int, taskCh chan *workerTask) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-taskCh:
			c.processTask(ctx, finalizeCtx, idx, task)
		}
	}
}

// processTask runs the full state machine for one batch. A panic anywhere in
// here is an internal error: it is logged, the settlements in flight stay in
// SubmittedToSolana for reconciliation, and the worker survives to take the
// next batch.
func (c *Coordinator) processTask(ctx, finalizeCtx context.Context, idx int, task *workerTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Settlement worker panic, leaving batch to reconciliation", "worker", idx, "dispatch", task.id, "panic", r)
		}
	}()

	log.Debug("Processing settlement batch", "worker", idx, "dispatch", task.id, "size", len(task.settlements), "queued", time.Since(task.createdAt))

	claims := c.claimBatch(ctx, task)
	if len(claims) == 0 {
		return
	}

	// One packed transaction when the whole claimed set can share it;
	// otherwise, or after a permanent pack failure, one at a time.
	if len(claims) > 1 && len(claims) <= c.cfg.MaxBetsPerTx && sameOutcome(claims) {
		res := c.chain.SubmitBatch(ctx, claimedSettlements(claims))
		switch res.Outcome {
		case contract.OutcomeConfirmed, contract.OutcomeDuplicate:
			for _, cl := range claims {
				c.finalizeComplete(finalizeCtx, cl, res.Signature)
			}
			return
		case contract.OutcomeTransient:
			// The pack is invalidated as a whole; every member retries
			// individually on its own schedule.
			log.Warn("Packed settlement transaction failed, scheduling retries", "dispatch", task.id, "err", res.Cause)
			for _, cl := range claims {
				c.failSettlement(ctx, cl, res.Cause, false)
			}
			return
		case contract.OutcomePermanent:
			log.Warn("Packed settlement transaction rejected, retrying members individually", "dispatch", task.id, "err", res.Cause)
		}
	}

	for _, cl := range claims {
		select {
		case <-ctx.Done():
			// Safe point: nothing submitted yet for the remaining members;
			// their claims will be rescued by reconciliation.
			log.Info("Shutdown between settlements, leaving remainder to reconciliation", "worker", idx, "dispatch", task.id)
			return
		default:
		}
		c.settleOne(ctx, finalizeCtx, cl)
	}
}

// claimBatch runs step one of the state machine for every batch member: a
// compare-and-set to SubmittedToSolana at the listed version. Losing the race
// or a vanished record skips the member; a transport error abandons it to the
// next poll tick.
func (c *Coordinator) claimBatch(ctx context.Context, task *workerTask) []claimed {
	claims := make([]claimed, 0, len(task.settlements))
	for _, s := range task.settlements {
		select {
		case <-ctx.Done():
			return claims
		default:
		}
		newVersion, err := c.eng.UpdateStatus(ctx, s.TransactionID, engine.StatusSubmitted, s.Version, engine.UpdateOpts{})
		if err != nil {
			if _, conflict := engine.IsVersionConflict(err); conflict {
				log.Debug("Lost claim race", "id", s.TransactionID, "dispatch", task.id)
				continue
			}
			if errors.Is(err, engine.ErrNotFound) {
				continue
			}
			log.Warn("Claim failed, abandoning settlement this pass", "id", s.TransactionID, "err", err)
			continue
		}
		settlementsAttempted.Inc()
		claims = append(claims, claimed{s: s, version: newVersion, claimedAt: time.Now()})
	}
	return claims
}

// settleOne runs steps two through five for a single settlement.
func (c *Coordinator) settleOne(ctx, finalizeCtx context.Context, cl claimed) {
	res := c.chain.SubmitSettlement(ctx, cl.s)
	switch res.Outcome {
	case contract.OutcomeConfirmed, contract.OutcomeDuplicate:
		c.finalizeComplete(finalizeCtx, cl, res.Signature)
	case contract.OutcomeTransient:
		c.failSettlement(ctx, cl, res.Cause, false)
	case contract.OutcomePermanent:
		c.failSettlement(ctx, cl, res.Cause, true)
	}
}

// finalizeComplete drives a chain-accepted settlement to SettlementComplete.
// Funds have moved, so this write retries until it lands or the process'
// grace window closes; a version conflict means another actor already did it.
func (c *Coordinator) finalizeComplete(finalizeCtx context.Context, cl claimed, sig string) {
	_, err := c.eng.UpdateStatusTerminal(finalizeCtx, cl.s.TransactionID, engine.StatusComplete, cl.version, engine.UpdateOpts{
		SolanaTxID: sig,
	})
	if err != nil {
		log.Error("Failed to record settlement completion, reconciliation will retry", "id", cl.s.TransactionID, "sig", sig, "err", err)
		return
	}
	settlementsConfirmed.Inc()
	settlementLatency.Observe(time.Since(cl.claimedAt).Seconds())
	log.Info("Settlement complete", "id", cl.s.TransactionID, "outcome", cl.s.Outcome, "sig", sig)
}

// failSettlement writes the failure transition for one claimed settlement:
// SettlementFailed with a backoff for retryable causes, FailedPermanent when
// the cause is permanent or the retry budget is spent.
func (c *Coordinator) failSettlement(ctx context.Context, cl claimed, cause error, permanent bool) {
	writeFailure(ctx, c.eng, c.cfg.MaxRetries, cl.s, cl.version, cause, permanent)
}

// writeFailure is the shared failure transition, also used by reconciliation.
func writeFailure(ctx context.Context, eng EngineAPI, maxRetries uint32, s *engine.Settlement, expectedVersion uint64, cause error, permanent bool) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	retries := s.RetryCount + 1
	if permanent || retries >= maxRetries {
		settlementsFailed.WithLabelValues(failClassPermanent).Inc()
		_, err := eng.UpdateStatus(ctx, s.TransactionID, engine.StatusFailedPermanent, expectedVersion, engine.UpdateOpts{
			ErrorMessage: msg,
			RetryCount:   &retries,
		})
		if err != nil && !tolerableUpdateError(err) {
			log.Error("Failed to record permanent settlement failure", "id", s.TransactionID, "err", err)
		}
		log.Warn("Settlement failed permanently", "id", s.TransactionID, "retries", retries, "cause", msg)
		return
	}
	settlementsFailed.WithLabelValues(failClassRetryable).Inc()
	next := time.Now().Add(retryBackoff(retries)).Unix()
	_, err := eng.UpdateStatus(ctx, s.TransactionID, engine.StatusFailed, expectedVersion, engine.UpdateOpts{
		ErrorMessage: msg,
		RetryCount:   &retries,
		NextRetryAt:  &next,
	})
	if err != nil && !tolerableUpdateError(err) {
		log.Error("Failed to record settlement failure", "id", s.TransactionID, "err", err)
	}
	log.Warn("Settlement failed, scheduled for retry", "id", s.TransactionID, "retry", retries, "cause", msg)
}

// tolerableUpdateError reports whether a failure-transition write error can
// be left for reconciliation: a lost race means someone else already moved
// the record, a vanished record needs no transition at all.
func tolerableUpdateError(err error) bool {
	if _, conflict := engine.IsVersionConflict(err); conflict {
		return true
	}
	return errors.Is(err, engine.ErrNotFound)
}

// sameOutcome reports whether every claimed settlement shares one outcome
// class. Win and loss instructions must not share a packed transaction.
func sameOutcome(claims []claimed) bool {
	for _, cl := range claims[1:] {
		if cl.s.Outcome != claims[0].s.Outcome {
			return false
		}
	}
	return true
}

// claimedSettlements projects the claimed set back to its settlements.
func claimedSettlements(claims []claimed) []*engine.Settlement {
	out := make([]*engine.Settlement, len(claims))
	for i, cl := range claims {
		out[i] = cl.s
	}
	return out
}
