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

const reconListLimit = 200

// ReconcilerConfig tunes the reconciliation sweep.
type ReconcilerConfig struct {
	Interval   time.Duration
	MinAge     time.Duration
	MaxRetries uint32
}

func (c *ReconcilerConfig) sanitize() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.MinAge <= 0 {
		c.MinAge = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Reconciler rescues settlements stranded in SubmittedToSolana: a worker that
// crashed between chain-accept and status write, or a submission whose
// confirmation outcome was lost on the wire. The chain of record decides:
// signature status first, the processed-bet witness as the last word.
type Reconciler struct {
	cfg   ReconcilerConfig
	eng   EngineAPI
	chain ChainClient
}

// NewReconciler wires the reconciliation job.
func NewReconciler(cfg ReconcilerConfig, eng EngineAPI, chain ChainClient) *Reconciler {
	cfg.sanitize()
	return &Reconciler{cfg: cfg, eng: eng, chain: chain}
}

// Run ticks until ctx is cancelled. A sweep in progress stops before its next
// settlement once ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce sweeps one page of stuck settlements.
func (r *Reconciler) reconcileOnce(ctx context.Context) {
	stuck, err := r.eng.ListStuck(ctx, r.cfg.MinAge, reconListLimit)
	if err != nil {
		log.Warn("Failed to list stuck settlements", "err", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	log.Info("Reconciling stuck settlements", "count", len(stuck))
	for i := range stuck {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.reconcile(ctx, &stuck[i])
	}
}

func (r *Reconciler) reconcile(ctx context.Context, s *engine.Settlement) {
	if s.SolanaTxID != nil && *s.SolanaTxID != "" {
		r.reconcileWithSignature(ctx, s, *s.SolanaTxID)
		return
	}
	// Claim succeeded but the submission outcome is unknown; the witness PDA
	// is the only evidence left.
	r.reconcileByWitness(ctx, s, "")
}

func (r *Reconciler) reconcileWithSignature(ctx context.Context, s *engine.Settlement, sig string) {
	report, err := r.chain.CheckSignature(ctx, sig)
	if err != nil {
		log.Warn("Signature check failed, revisiting next tick", "id", s.TransactionID, "sig", sig, "err", err)
		return
	}
	switch report.Status {
	case contract.SigConfirmed:
		r.driveComplete(ctx, s, sig)
	case contract.SigFailed:
		writeFailure(ctx, r.eng, r.cfg.MaxRetries, s, s.Version, report.Cause, report.Permanent)
	case contract.SigPending:
		// Still in flight; leave it for the next sweep.
	case contract.SigUnknown:
		// The signature may have expired from cluster history after landing.
		// Only the witness PDA can say the transaction was never accepted.
		r.reconcileByWitness(ctx, s, sig)
	}
}

func (r *Reconciler) reconcileByWitness(ctx context.Context, s *engine.Settlement, sig string) {
	exists, err := r.chain.ProcessedBetExists(ctx, s.BetID())
	if err != nil {
		log.Warn("Processed-bet probe failed, revisiting next tick", "id", s.TransactionID, "err", err)
		return
	}
	if exists {
		r.driveComplete(ctx, s, sig)
		return
	}
	writeFailure(ctx, r.eng, r.cfg.MaxRetries, s, s.Version, errors.New("submission not accepted by chain"), false)
}

func (r *Reconciler) driveComplete(ctx context.Context, s *engine.Settlement, sig string) {
	_, err := r.eng.UpdateStatusTerminal(ctx, s.TransactionID, engine.StatusComplete, s.Version, engine.UpdateOpts{
		SolanaTxID: sig,
	})
	if err != nil {
		log.Error("Failed to complete rescued settlement", "id", s.TransactionID, "err", err)
		return
	}
	reconciliationRescued.Inc()
	settlementsConfirmed.Inc()
	log.Info("Rescued settlement to complete", "id", s.TransactionID, "sig", sig)
}
