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

package engine

import "strconv"

// Status is the settlement lifecycle state as stored by the gaming engine.
// The engine rejects any non-monotone transition, so the coordinator never
// needs to guard against rewinds on its side.
type Status string

const (
	StatusPending         Status = "PendingSettlement"
	StatusSubmitted       Status = "SubmittedToSolana"
	StatusComplete        Status = "SettlementComplete"
	StatusFailed          Status = "SettlementFailed"
	StatusFailedPermanent Status = "SettlementFailedPermanent"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailedPermanent
}

// Outcome is the resolved result of a game round.
type Outcome string

const (
	OutcomeWin  Outcome = "Win"
	OutcomeLoss Outcome = "Loss"
)

// Token describes the wagered asset. Mint is empty for native SOL.
type Token struct {
	Symbol string `json:"symbol"`
	Mint   string `json:"mint,omitempty"`
}

// Settlement is the coordinator's working copy of an engine-owned record.
// The engine is authoritative; every mutation goes through the versioned
// status API and Version is the optimistic-lock token.
type Settlement struct {
	TransactionID uint64  `json:"transaction_id"`
	PlayerAddress string  `json:"player_address"`
	GameType      string  `json:"game_type"`
	BetAmount     uint64  `json:"bet_amount"`
	Token         Token   `json:"token"`
	Outcome       Outcome `json:"outcome"`
	Payout        uint64  `json:"payout"`
	BlockHeight   uint64  `json:"block_height"`
	BlockHash     string  `json:"block_hash"`
	Status        Status  `json:"settlement_status"`
	Version       uint64  `json:"version"`
	RetryCount    uint32  `json:"retry_count"`
	NextRetryAt   *int64  `json:"next_retry_after,omitempty"`
	SolanaTxID    *string `json:"solana_tx_id,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// BetID returns the on-chain bet identifier for the settlement, the decimal
// rendering of the transaction id. The vault program caps it at 32 bytes.
func (s *Settlement) BetID() string {
	return strconv.FormatUint(s.TransactionID, 10)
}
