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
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// PDA seed prefixes of the vault program.
const (
	seedCasino         = "casino"
	seedVault          = "vault"
	seedCasinoVault    = "casino-vault"
	seedAllowanceNonce = "allowance-nonce"
	seedAllowance      = "allowance"
	seedProcessedBet   = "processed-bet"
)

// maxBetIDLen is the program-side cap on the bet_id string.
const maxBetIDLen = 32

// DeriveCasino derives the singleton casino PDA.
func DeriveCasino(program solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedCasino)}, program)
	return pda, err
}

// DeriveUserVault derives the per-player vault PDA.
func DeriveUserVault(program, casino, user solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedVault), casino.Bytes(), user.Bytes()}, program)
	return pda, err
}

// DeriveCasinoVault derives the house vault PDA.
func DeriveCasinoVault(program, casino solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedCasinoVault), casino.Bytes()}, program)
	return pda, err
}

// DeriveAllowanceNonceRegistry derives the per-player registry holding the
// active allowance nonce.
func DeriveAllowanceNonceRegistry(program, user, casino solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedAllowanceNonce), user.Bytes(), casino.Bytes()}, program)
	return pda, err
}

// DeriveAllowance derives the nonce-seeded allowance PDA.
func DeriveAllowance(program, user, casino solana.PublicKey, nonce uint64) (solana.PublicKey, error) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], nonce)
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedAllowance), user.Bytes(), casino.Bytes(), le[:]}, program)
	return pda, err
}

// DeriveLegacyAllowance derives the deprecated timestamp-seeded allowance PDA.
// Deployments that still carry pre-nonce allowances look it up by the
// creation timestamp recorded at grant time.
func DeriveLegacyAllowance(program, user, casino solana.PublicKey, createdAt uint64) (solana.PublicKey, error) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], createdAt)
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedAllowance), user.Bytes(), casino.Bytes(), le[:]}, program)
	return pda, err
}

// DeriveProcessedBet derives the idempotency witness PDA for a bet id. Its
// creation is atomic with the debit, so existence proves the settlement was
// accepted exactly once.
func DeriveProcessedBet(program solana.PublicKey, betID string) (solana.PublicKey, error) {
	if len(betID) > maxBetIDLen {
		return solana.PublicKey{}, errBetIDTooLong
	}
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte(seedProcessedBet), []byte(betID)}, program)
	return pda, err
}
