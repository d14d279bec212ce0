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

// Package contract turns settlement records into signed, submitted and
// confirmed transactions against the on-chain vault program.
package contract

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/reecen9696/atomiq-bet-settlement/engine"
	"github.com/reecen9696/atomiq-bet-settlement/rpcpool"
)

const (
	// defaultConfirmTimeout bounds the post-send confirmation poll.
	defaultConfirmTimeout = 30 * time.Second
	// statusPollInterval is the cadence of getSignatureStatuses polling.
	statusPollInterval = 500 * time.Millisecond
)

// SigStatus is the cluster-side status of a previously sent signature.
type SigStatus int

const (
	// SigConfirmed means the signature reached confirmed commitment.
	SigConfirmed SigStatus = iota
	// SigPending means the cluster knows the signature but it has not
	// reached confirmed commitment yet.
	SigPending
	// SigFailed means the transaction executed and failed.
	SigFailed
	// SigUnknown means the cluster has no record of the signature.
	SigUnknown
)

// Config carries the immutable identity and limits of the contract client.
type Config struct {
	ProgramID      solana.PublicKey
	Processor      solana.PrivateKey
	MinBetLamports uint64
	MaxBetsPerTx   int
	ConfirmTimeout time.Duration
}

// Client signs with one processor identity loaded at startup and never
// mutated. All network traffic goes through the endpoint pool.
type Client struct {
	pool *rpcpool.Pool

	program      solana.PublicKey
	casino       solana.PublicKey
	casinoVault  solana.PublicKey
	processor    solana.PrivateKey
	processorPub solana.PublicKey

	minBet         uint64
	maxBetsPerTx   int
	confirmTimeout time.Duration
}

// NewClient derives the program's fixed PDAs and returns a ready client.
func NewClient(pool *rpcpool.Pool, cfg Config) (*Client, error) {
	casino, err := DeriveCasino(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("deriving casino pda: %w", err)
	}
	casinoVault, err := DeriveCasinoVault(cfg.ProgramID, casino)
	if err != nil {
		return nil, fmt.Errorf("deriving casino vault pda: %w", err)
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	return &Client{
		pool:           pool,
		program:        cfg.ProgramID,
		casino:         casino,
		casinoVault:    casinoVault,
		processor:      cfg.Processor,
		processorPub:   cfg.Processor.PublicKey(),
		minBet:         cfg.MinBetLamports,
		maxBetsPerTx:   cfg.MaxBetsPerTx,
		confirmTimeout: confirmTimeout,
	}, nil
}

// Casino returns the derived casino PDA, so startup can cross-check it
// against the configured pubkey.
func (c *Client) Casino() solana.PublicKey { return c.casino }

// SubmitSettlement submits a single settlement.
func (c *Client) SubmitSettlement(ctx context.Context, s *engine.Settlement) SubmitResult {
	return c.SubmitBatch(ctx, []*engine.Settlement{s})
}

// SubmitBatch packs up to MaxBetsPerTx same-outcome settlements into one
// transaction. Each settlement keeps its own bet_id and processed-bet PDA; a
// transient failure invalidates the whole pack and callers re-submit the
// members individually on retry.
func (c *Client) SubmitBatch(ctx context.Context, batch []*engine.Settlement) SubmitResult {
	if err := c.validateBatch(batch); err != nil {
		return permanent("", err)
	}
	lease, err := c.pool.Acquire()
	if err != nil {
		return transient("", fmt.Errorf("rpc unavailable: %w", err))
	}
	result := c.submitOnce(ctx, lease.Client(), batch)
	if result.Outcome == OutcomeTransient {
		lease.Failure(rpcpool.FailureTransient)
	} else {
		lease.Success()
	}
	return result
}

// validateBatch rejects locally everything the chain would reject anyway,
// before a single byte goes over the wire.
func (c *Client) validateBatch(batch []*engine.Settlement) error {
	if len(batch) == 0 {
		return errors.New("empty batch")
	}
	if len(batch) > c.maxBetsPerTx {
		return errBatchTooLarge
	}
	outcome := batch[0].Outcome
	for _, s := range batch {
		if s.Outcome != outcome {
			return errMixedOutcomes
		}
		if len(s.BetID()) > maxBetIDLen {
			return fmt.Errorf("%w: bet %d", errBetIDTooLong, s.TransactionID)
		}
		if movedAmount(s) < c.minBet {
			return fmt.Errorf("%w: bet %d moves %d", errAmountBelowMin, s.TransactionID, movedAmount(s))
		}
	}
	return nil
}

// movedAmount is the lamport amount the settlement moves on chain.
func movedAmount(s *engine.Settlement) uint64 {
	if s.Outcome == engine.OutcomeWin {
		return s.Payout
	}
	return s.BetAmount
}

func (c *Client) submitOnce(ctx context.Context, cl *rpc.Client, batch []*engine.Settlement) SubmitResult {
	ixs, err := c.buildInstructions(ctx, cl, batch)
	if err != nil {
		if errors.Is(err, errAllowanceMissing) || errors.Is(err, errBetIDTooLong) {
			return permanent("", err)
		}
		var perm *validationError
		if errors.As(err, &perm) {
			return permanent("", err)
		}
		return transient("", err)
	}

	recent, err := cl.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return transient("", fmt.Errorf("fetching blockhash: %w", err))
	}
	sig, sendErr := c.signAndSend(ctx, cl, ixs, recent.Value.Blockhash)
	if sendErr != nil {
		if isBlockhashNotFound(sendErr) {
			// One fresh-blockhash retry before escalating.
			recent, err = cl.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
			if err != nil {
				return transient("", fmt.Errorf("refetching blockhash: %w", err))
			}
			sig, sendErr = c.signAndSend(ctx, cl, ixs, recent.Value.Blockhash)
		}
		if sendErr != nil {
			return classifySendError(sendErr)
		}
	}
	log.Debug("Submitted settlement transaction", "sig", sig, "bets", len(batch))
	return c.awaitConfirmation(ctx, cl, sig)
}

// validationError marks a locally detected permanent input problem.
type validationError struct{ err error }

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

// buildInstructions assembles the memo plus one settlement instruction per
// batch member. Loss settlements need one registry read each to locate the
// active allowance.
func (c *Client) buildInstructions(ctx context.Context, cl *rpc.Client, batch []*engine.Settlement) ([]solana.Instruction, error) {
	ixs := make([]solana.Instruction, 0, len(batch)+1)
	ixs = append(ixs, newMemoInstruction(uniqueMemo()))
	for _, s := range batch {
		user, err := solana.PublicKeyFromBase58(s.PlayerAddress)
		if err != nil {
			return nil, &validationError{fmt.Errorf("malformed player address %q: %w", s.PlayerAddress, err)}
		}
		userVault, err := DeriveUserVault(c.program, c.casino, user)
		if err != nil {
			return nil, &validationError{err}
		}
		processedBet, err := DeriveProcessedBet(c.program, s.BetID())
		if err != nil {
			return nil, &validationError{err}
		}
		var ix solana.Instruction
		switch s.Outcome {
		case engine.OutcomeWin:
			ix, err = NewPayoutInstruction(c.program, s.Payout, s.BetID(), PayoutAccounts{
				CasinoVault:  c.casinoVault,
				UserVault:    userVault,
				ProcessedBet: processedBet,
				Processor:    c.processorPub,
				Casino:       c.casino,
			})
		default:
			var allowance solana.PublicKey
			allowance, err = c.activeAllowance(ctx, cl, user)
			if err != nil {
				return nil, err
			}
			ix, err = NewSpendFromAllowanceInstruction(c.program, s.BetAmount, s.BetID(), SpendAccounts{
				UserVault:    userVault,
				CasinoVault:  c.casinoVault,
				Allowance:    allowance,
				ProcessedBet: processedBet,
				Processor:    c.processorPub,
				Casino:       c.casino,
			})
		}
		if err != nil {
			return nil, &validationError{err}
		}
		ixs = append(ixs, ix)
	}
	return ixs, nil
}

// activeAllowance reads the player's nonce registry and derives the live
// allowance PDA from it.
func (c *Client) activeAllowance(ctx context.Context, cl *rpc.Client, user solana.PublicKey) (solana.PublicKey, error) {
	registry, err := DeriveAllowanceNonceRegistry(c.program, user, c.casino)
	if err != nil {
		return solana.PublicKey{}, &validationError{err}
	}
	info, err := cl.GetAccountInfo(ctx, registry)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return solana.PublicKey{}, errAllowanceMissing
		}
		return solana.PublicKey{}, fmt.Errorf("reading allowance registry: %w", err)
	}
	data := info.Value.Data.GetBinary()
	if len(data) < 16 {
		return solana.PublicKey{}, &validationError{fmt.Errorf("allowance registry account too short: %d bytes", len(data))}
	}
	// Anchor account layout: 8-byte discriminator, then the u64 nonce.
	nonce := binary.LittleEndian.Uint64(data[8:16])
	allowance, err := DeriveAllowance(c.program, user, c.casino, nonce)
	if err != nil {
		return solana.PublicKey{}, &validationError{err}
	}
	return allowance, nil
}

func (c *Client) signAndSend(ctx context.Context, cl *rpc.Client, ixs []solana.Instruction, blockhash solana.Hash) (solana.Signature, error) {
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(c.processorPub))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("building transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.processorPub) {
			return &c.processor
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("signing transaction: %w", err)
	}
	return cl.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
}

// awaitConfirmation polls signature status until confirmed commitment, an
// execution failure, or the confirmation timeout. A processed status alone is
// never treated as success.
func (c *Client) awaitConfirmation(ctx context.Context, cl *rpc.Client, sig solana.Signature) SubmitResult {
	deadline := time.NewTimer(c.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return transient(sig.String(), ctx.Err())
		case <-deadline.C:
			return transient(sig.String(), errConfirmTimeout)
		case <-ticker.C:
			out, err := cl.GetSignatureStatuses(ctx, false, sig)
			if err != nil {
				log.Debug("Signature status poll failed", "sig", sig, "err", err)
				continue
			}
			if len(out.Value) == 0 || out.Value[0] == nil {
				continue
			}
			st := out.Value[0]
			if st.Err != nil {
				return classifyTxError(sig.String(), st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return confirmed(sig.String())
			}
		}
	}
}

// SignatureReport is the outcome of a cluster-history lookup. Cause and
// Permanent are set only for SigFailed and carry the classified execution
// error and its retryability class.
type SignatureReport struct {
	Status    SigStatus
	Cause     error
	Permanent bool
}

// CheckSignature looks a signature up in cluster history. SigUnknown means
// the cluster has no record of it at all; callers must consult the
// processed-bet witness before treating that as "not accepted".
func (c *Client) CheckSignature(ctx context.Context, sigStr string) (SignatureReport, error) {
	sig, err := solana.SignatureFromBase58(sigStr)
	if err != nil {
		return SignatureReport{Status: SigUnknown}, nil
	}
	lease, err := c.pool.Acquire()
	if err != nil {
		return SignatureReport{}, fmt.Errorf("rpc unavailable: %w", err)
	}
	out, err := lease.Client().GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		lease.Failure(rpcpool.FailureTransient)
		return SignatureReport{}, fmt.Errorf("signature status: %w", err)
	}
	lease.Success()
	if len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureReport{Status: SigUnknown}, nil
	}
	st := out.Value[0]
	if st.Err != nil {
		res := classifyTxError(sigStr, st.Err)
		if res.Outcome == OutcomeDuplicate {
			return SignatureReport{Status: SigConfirmed}, nil
		}
		return SignatureReport{Status: SigFailed, Cause: res.Cause, Permanent: res.Outcome == OutcomePermanent}, nil
	}
	if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
		return SignatureReport{Status: SigConfirmed}, nil
	}
	return SignatureReport{Status: SigPending}, nil
}

// ProcessedBetExists probes the idempotency witness PDA for a bet id.
func (c *Client) ProcessedBetExists(ctx context.Context, betID string) (bool, error) {
	pda, err := DeriveProcessedBet(c.program, betID)
	if err != nil {
		return false, err
	}
	lease, err := c.pool.Acquire()
	if err != nil {
		return false, fmt.Errorf("rpc unavailable: %w", err)
	}
	info, err := lease.Client().GetAccountInfo(ctx, pda)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			lease.Success()
			return false, nil
		}
		lease.Failure(rpcpool.FailureTransient)
		return false, fmt.Errorf("probing processed bet: %w", err)
	}
	lease.Success()
	return info.Value != nil, nil
}
