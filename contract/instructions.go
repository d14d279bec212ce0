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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// memoProgramID is the SPL memo program.
var memoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// anchorDiscriminator returns the 8-byte instruction tag, the sha256 prefix
// of "global:<name>".
func anchorDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

var (
	spendDiscriminator  = anchorDiscriminator("spend_from_allowance")
	payoutDiscriminator = anchorDiscriminator("payout")
)

// settleArgs is the borsh argument layout shared by both settlement
// instructions: the moved amount and the bet identifier.
type settleArgs struct {
	Amount uint64
	BetID  string
}

func encodeArgs(discriminator []byte, amount uint64, betID string) ([]byte, error) {
	if len(betID) > maxBetIDLen {
		return nil, errBetIDTooLong
	}
	body, err := bin.MarshalBorsh(&settleArgs{Amount: amount, BetID: betID})
	if err != nil {
		return nil, fmt.Errorf("encoding instruction args: %w", err)
	}
	return append(append([]byte{}, discriminator...), body...), nil
}

// SpendAccounts are the accounts of a spend_from_allowance instruction.
type SpendAccounts struct {
	UserVault    solana.PublicKey
	CasinoVault  solana.PublicKey
	Allowance    solana.PublicKey
	ProcessedBet solana.PublicKey
	Processor    solana.PublicKey
	Casino       solana.PublicKey
}

// NewSpendFromAllowanceInstruction debits a loss from the player's active
// allowance and creates the processed-bet witness in the same instruction.
func NewSpendFromAllowanceInstruction(program solana.PublicKey, amount uint64, betID string, accs SpendAccounts) (solana.Instruction, error) {
	data, err := encodeArgs(spendDiscriminator, amount, betID)
	if err != nil {
		return nil, err
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(accs.UserVault).WRITE(),
		solana.Meta(accs.CasinoVault).WRITE(),
		solana.Meta(accs.Allowance).WRITE(),
		solana.Meta(accs.ProcessedBet).WRITE(),
		solana.Meta(accs.Processor).SIGNER(),
		solana.Meta(accs.Casino),
		solana.Meta(solana.SysVarClockPubkey),
		solana.Meta(solana.SystemProgramID),
	}
	return solana.NewInstruction(program, metas, data), nil
}

// PayoutAccounts are the accounts of a payout instruction.
type PayoutAccounts struct {
	CasinoVault  solana.PublicKey
	UserVault    solana.PublicKey
	ProcessedBet solana.PublicKey
	Processor    solana.PublicKey
	Casino       solana.PublicKey
}

// NewPayoutInstruction pays a win from the house vault to the player's vault.
// The processed-bet witness is created here just as in the spend path, so a
// payout can be accepted at most once per bet id.
func NewPayoutInstruction(program solana.PublicKey, amount uint64, betID string, accs PayoutAccounts) (solana.Instruction, error) {
	data, err := encodeArgs(payoutDiscriminator, amount, betID)
	if err != nil {
		return nil, err
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(accs.CasinoVault).WRITE(),
		solana.Meta(accs.UserVault).WRITE(),
		solana.Meta(accs.ProcessedBet).WRITE(),
		solana.Meta(accs.Processor).SIGNER(),
		solana.Meta(accs.Casino),
		solana.Meta(solana.SystemProgramID),
	}
	return solana.NewInstruction(program, metas, data), nil
}

// newMemoInstruction builds the uniqueness memo. The cluster deduplicates by
// signed-transaction hash, so a byte-identical retry after wire loss would be
// silently swallowed without it.
func newMemoInstruction(memo string) solana.Instruction {
	return solana.NewInstruction(memoProgramID, solana.AccountMetaSlice{}, []byte(memo))
}

// uniqueMemo returns an "atomik-<epoch_ms>-<random>" marker.
func uniqueMemo() string {
	var nonce [4]byte
	rand.Read(nonce[:])
	return fmt.Sprintf("atomik-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(nonce[:]))
}
