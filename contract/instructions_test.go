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
	"strings"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func testSpendAccounts() SpendAccounts {
	return SpendAccounts{
		UserVault:    solana.NewWallet().PublicKey(),
		CasinoVault:  solana.NewWallet().PublicKey(),
		Allowance:    solana.NewWallet().PublicKey(),
		ProcessedBet: solana.NewWallet().PublicKey(),
		Processor:    solana.NewWallet().PublicKey(),
		Casino:       solana.NewWallet().PublicKey(),
	}
}

func TestSpendInstructionLayout(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	accs := testSpendAccounts()

	ix, err := NewSpendFromAllowanceInstruction(program, 100_000_000, "12345", accs)
	require.NoError(t, err)
	require.Equal(t, program, ix.ProgramID())

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, anchorDiscriminator("spend_from_allowance"), data[:8])

	var args settleArgs
	require.NoError(t, bin.UnmarshalBorsh(&args, data[8:]))
	require.Equal(t, uint64(100_000_000), args.Amount)
	require.Equal(t, "12345", args.BetID)

	metas := ix.Accounts()
	require.Len(t, metas, 8)
	require.Equal(t, accs.UserVault, metas[0].PublicKey)
	require.True(t, metas[0].IsWritable)
	require.True(t, metas[3].IsWritable) // processed_bet is created here
	require.Equal(t, accs.Processor, metas[4].PublicKey)
	require.True(t, metas[4].IsSigner)
	require.Equal(t, solana.SysVarClockPubkey, metas[6].PublicKey)
	require.Equal(t, solana.SystemProgramID, metas[7].PublicKey)
}

func TestPayoutInstructionLayout(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	accs := PayoutAccounts{
		CasinoVault:  solana.NewWallet().PublicKey(),
		UserVault:    solana.NewWallet().PublicKey(),
		ProcessedBet: solana.NewWallet().PublicKey(),
		Processor:    solana.NewWallet().PublicKey(),
		Casino:       solana.NewWallet().PublicKey(),
	}

	ix, err := NewPayoutInstruction(program, 200_000_000, "67890", accs)
	require.NoError(t, err)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, anchorDiscriminator("payout"), data[:8])

	var args settleArgs
	require.NoError(t, bin.UnmarshalBorsh(&args, data[8:]))
	require.Equal(t, uint64(200_000_000), args.Amount)
	require.Equal(t, "67890", args.BetID)

	metas := ix.Accounts()
	require.Len(t, metas, 6)
	require.Equal(t, accs.CasinoVault, metas[0].PublicKey)
	require.True(t, metas[0].IsWritable)
	require.Equal(t, accs.ProcessedBet, metas[2].PublicKey)
	require.True(t, metas[2].IsWritable)
	require.True(t, metas[3].IsSigner)
	require.Equal(t, solana.SystemProgramID, metas[5].PublicKey)
}

func TestBetIDLengthEnforcedBeforeEncoding(t *testing.T) {
	program := solana.NewWallet().PublicKey()

	_, err := NewSpendFromAllowanceInstruction(program, 1, strings.Repeat("1", 33), testSpendAccounts())
	require.ErrorIs(t, err, errBetIDTooLong)

	_, err = NewSpendFromAllowanceInstruction(program, 1, strings.Repeat("1", 32), testSpendAccounts())
	require.NoError(t, err)
}

func TestUniqueMemoNeverRepeats(t *testing.T) {
	a := uniqueMemo()
	b := uniqueMemo()
	require.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(a, "atomik-"))

	ix := newMemoInstruction(a)
	require.Equal(t, memoProgramID, ix.ProgramID())
	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, a, string(data))
}
