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

package contract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// errBetIDTooLong is returned before any I/O when the stringified
	// transaction id exceeds the program's 32-byte bet_id limit.
	errBetIDTooLong = errors.New("bet id exceeds 32 bytes")
	// errAmountBelowMin is returned before any I/O when the moved amount is
	// below the configured minimum bet.
	errAmountBelowMin = errors.New("amount below minimum bet lamports")
	// errMixedOutcomes is returned when a batch mixes Win and Loss
	// settlements; they use different instruction families.
	errMixedOutcomes = errors.New("batch mixes win and loss settlements")
	// errBatchTooLarge is returned when a batch exceeds the per-transaction
	// packing limit.
	errBatchTooLarge = errors.New("batch exceeds max bets per transaction")
	// errAllowanceMissing is returned when the player's allowance nonce
	// registry does not exist on chain.
	errAllowanceMissing = errors.New("allowance nonce registry not found")
	// errConfirmTimeout is returned when a submitted signature did not reach
	// confirmed commitment within the configured window.
	errConfirmTimeout = errors.New("confirmation timed out")
)

// Vault program error codes, anchor custom errors in declaration order.
const (
	codeInvalidBetID = 6000 + iota
	codeAllowanceExpired
	codeAllowanceRevoked
	codeInsufficientBalance
	codeProcessedBetAlreadyExists
	codeUnauthorized
)

// programErrorNames maps vault custom error codes to their program names.
var programErrorNames = map[int]string{
	codeInvalidBetID:              "InvalidBetId",
	codeAllowanceExpired:          "AllowanceExpired",
	codeAllowanceRevoked:          "AllowanceRevoked",
	codeInsufficientBalance:       "InsufficientBalance",
	codeProcessedBetAlreadyExists: "ProcessedBetAlreadyExists",
	codeUnauthorized:              "Unauthorized",
}

// ProgramError is a custom error returned by the vault program.
type ProgramError struct {
	Code int
}

func (e *ProgramError) Error() string {
	if name, ok := programErrorNames[e.Code]; ok {
		return name
	}
	return fmt.Sprintf("program error %d", e.Code)
}

// duplicate reports whether the error proves the bet was already settled.
func (e *ProgramError) duplicate() bool {
	return e.Code == codeProcessedBetAlreadyExists
}

// Outcome classifies a submission attempt for the settlement state machine.
type Outcome int

const (
	// OutcomeConfirmed means the transaction reached confirmed commitment.
	OutcomeConfirmed Outcome = iota
	// OutcomeDuplicate means the chain proved this bet was settled before;
	// callers treat it as success.
	OutcomeDuplicate
	// OutcomeTransient means the attempt failed in a way a retry can fix.
	OutcomeTransient
	// OutcomePermanent means no retry will help.
	OutcomePermanent
)

// SubmitResult is the terminal report of one submission attempt.
type SubmitResult struct {
	Outcome   Outcome
	Signature string // set when the transaction was signed and sent
	Cause     error  // set for Transient and Permanent
}

func confirmed(sig string) SubmitResult {
	return SubmitResult{Outcome: OutcomeConfirmed, Signature: sig}
}

func duplicate(sig string) SubmitResult {
	return SubmitResult{Outcome: OutcomeDuplicate, Signature: sig}
}

func transient(sig string, cause error) SubmitResult {
	return SubmitResult{Outcome: OutcomeTransient, Signature: sig, Cause: cause}
}

func permanent(sig string, cause error) SubmitResult {
	return SubmitResult{Outcome: OutcomePermanent, Signature: sig, Cause: cause}
}

// extractCustomCode digs the anchor custom error code out of a transaction
// error as returned by getSignatureStatuses / preflight simulation. The wire
// shape is {"InstructionError": [index, {"Custom": code}]}.
func extractCustomCode(v interface{}) (int, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return 0, false
	}
	ie, ok := m["InstructionError"]
	if !ok {
		return 0, false
	}
	parts, ok := ie.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, false
	}
	inner, ok := parts[1].(map[string]interface{})
	if !ok {
		return 0, false
	}
	code, ok := inner["Custom"]
	if !ok {
		return 0, false
	}
	switch n := code.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// parseCustomCode scans a send/preflight error string for the runtime's
// "custom program error: 0x1770" rendering.
func parseCustomCode(msg string) (int, bool) {
	const marker = "custom program error: 0x"
	i := strings.Index(msg, marker)
	if i < 0 {
		return 0, false
	}
	hex := msg[i+len(marker):]
	for j := 0; j < len(hex); j++ {
		c := hex[j]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			hex = hex[:j]
			break
		}
	}
	code, err := strconv.ParseInt(hex, 16, 32)
	if err != nil {
		return 0, false
	}
	return int(code), true
}

// classifyTxError maps an on-chain transaction error to a submission result.
// The processed-bet account is created with init, so a duplicate submission
// surfaces either as the program's own ProcessedBetAlreadyExists or as the
// runtime's account-already-in-use failure; both prove the spend landed once.
func classifyTxError(sig string, txErr interface{}) SubmitResult {
	if code, ok := extractCustomCode(txErr); ok {
		perr := &ProgramError{Code: code}
		if perr.duplicate() {
			return duplicate(sig)
		}
		return permanent(sig, perr)
	}
	rendered := fmt.Sprintf("%v", txErr)
	if strings.Contains(rendered, "AlreadyInUse") || strings.Contains(rendered, "already in use") {
		return duplicate(sig)
	}
	if strings.Contains(rendered, "BlockhashNotFound") {
		return transient(sig, fmt.Errorf("transaction error: %v", txErr))
	}
	return permanent(sig, fmt.Errorf("transaction error: %v", txErr))
}

// isBlockhashNotFound reports whether a send error is the stale-blockhash
// rejection that warrants one re-sign with a fresh blockhash.
func isBlockhashNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "BlockhashNotFound") || strings.Contains(msg, "Blockhash not found")
}

// classifySendError maps an RPC send failure to a submission result. Custom
// program errors arrive through preflight simulation; everything else on this
// path is transport-level and retryable.
func classifySendError(err error) SubmitResult {
	if code, ok := parseCustomCode(err.Error()); ok {
		perr := &ProgramError{Code: code}
		if perr.duplicate() {
			return duplicate("")
		}
		return permanent("", perr)
	}
	msg := err.Error()
	if strings.Contains(msg, "already in use") || strings.Contains(msg, "already been processed") {
		// Signature-cache hit or replayed init: the earlier submission landed.
		return duplicate("")
	}
	return transient("", err)
}
