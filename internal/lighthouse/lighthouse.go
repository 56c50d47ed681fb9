// Package lighthouse appends a Lighthouse balance assertion instruction to
// an outgoing transaction, guaranteeing on-chain that the fee payer's SOL
// balance never drops below the amount Kora expects to retain after paying
// the network fee — a defense against a transaction that spends more than
// estimated slipping through policy and payment checks.
package lighthouse

import (
	"encoding/binary"
	"fmt"

	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/gagliardetto/solana-go"
)

// ProgramID is Lighthouse's deployed mainnet program address.
var ProgramID = solana.MustPublicKeyFromBase58("L2TExMFKdjpN9kozasaurPirfHy9P8sbXoAN1qA3S95")

// MaxTransactionSize is Solana's hard transaction size limit in bytes.
const MaxTransactionSize = 1232

// maxAccountKeys caps how many distinct accounts a legacy (u8-indexed)
// message can reference; appending the assertion's accounts must stay
// under this.
const maxAccountKeys = 256

const (
	assertAccountInfoDiscriminator = 5
	logLevelSilent                 = 0
	accountInfoAssertionLamports   = 0
	integerOperatorGTE             = 4
)

// buildAssertAccountInfoData encodes the 12-byte AssertAccountInfo
// instruction payload: discriminator, log level, assertion variant, the
// minimum lamports threshold (LE u64), and the comparison operator.
func buildAssertAccountInfoData(minLamports uint64) []byte {
	data := make([]byte, 12)
	data[0] = assertAccountInfoDiscriminator
	data[1] = logLevelSilent
	data[2] = accountInfoAssertionLamports
	binary.LittleEndian.PutUint64(data[3:11], minLamports)
	data[11] = integerOperatorGTE
	return data
}

// BuildFeePayerAssertion builds the Lighthouse instruction asserting that
// feePayer's lamport balance is >= minLamports at the end of the
// transaction.
func BuildFeePayerAssertion(feePayer solana.PublicKey, minLamports uint64) solana.Instruction {
	return solana.NewInstruction(
		ProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(feePayer, false, false)},
		buildAssertAccountInfoData(minLamports),
	)
}

// findOrAddAccount returns the index of pubkey within keys, appending it if
// absent. Fails once the account key list would exceed the legacy
// message's 256-account (u8 index) ceiling.
func findOrAddAccount(keys *[]solana.PublicKey, pubkey solana.PublicKey) (uint8, error) {
	for i, k := range *keys {
		if k.Equals(pubkey) {
			return uint8(i), nil
		}
	}
	if len(*keys) >= maxAccountKeys {
		return 0, kerr.ValidationError("transaction has too many accounts (max 256)")
	}
	index := uint8(len(*keys))
	*keys = append(*keys, pubkey)
	return index, nil
}

// AppendAssertion appends a Lighthouse assertion instruction to tx,
// deduplicating against existing account keys. It clones the transaction's
// account key and instruction lists before mutating, so a size-overflow
// rejection leaves tx untouched. Mutates tx in place and returns
// whether the assertion was actually applied (false when skipped due to
// size overflow with fail_if_transaction_size_overflow disabled).
func AppendAssertion(tx *solana.Transaction, assertionIx solana.Instruction, cfg config.LighthouseConfig) (bool, error) {
	if !cfg.Enabled {
		return false, nil
	}

	keys := make([]solana.PublicKey, len(tx.Message.AccountKeys))
	copy(keys, tx.Message.AccountKeys)
	instructions := make([]solana.CompiledInstruction, len(tx.Message.Instructions))
	copy(instructions, tx.Message.Instructions)

	programIdx, err := findOrAddAccount(&keys, assertionIx.ProgramID())
	if err != nil {
		return false, err
	}

	accounts, err := assertionIx.Accounts()
	if err != nil {
		return false, kerr.Wrap(kerr.ErrCodeInternalServerError, fmt.Errorf("read assertion instruction accounts: %w", err))
	}
	accountIndexes := make([]uint16, len(accounts))
	for i, acct := range accounts {
		idx, err := findOrAddAccount(&keys, acct.PublicKey)
		if err != nil {
			return false, err
		}
		accountIndexes[i] = uint16(idx)
	}

	data, err := assertionIx.Data()
	if err != nil {
		return false, kerr.Wrap(kerr.ErrCodeInternalServerError, fmt.Errorf("read assertion instruction data: %w", err))
	}

	instructions = append(instructions, solana.CompiledInstruction{
		ProgramIDIndex: uint16(programIdx),
		Accounts:       accountIndexes,
		Data:           data,
	})

	candidate := *tx
	candidate.Message.AccountKeys = keys
	candidate.Message.Instructions = instructions

	serialized, err := candidate.MarshalBinary()
	if err != nil {
		return false, kerr.Wrap(kerr.ErrCodeSerializationError, fmt.Errorf("serialize transaction with assertion: %w", err))
	}

	if len(serialized) > MaxTransactionSize {
		if cfg.FailIfTransactionSizeOverflow {
			return false, kerr.ValidationError(fmt.Sprintf("adding lighthouse assertion would exceed transaction size limit (%d > %d)", len(serialized), MaxTransactionSize))
		}
		return false, nil
	}

	*tx = candidate
	return true, nil
}

// AssertFeePayerBalance is the end-to-end helper: given the fee payer's
// current lamport balance and the estimated fee, builds and appends a
// balance assertion guaranteeing the payer retains at least
// (currentBalance - estimatedFee) lamports.
func AssertFeePayerBalance(tx *solana.Transaction, feePayer solana.PublicKey, currentBalance, estimatedFee uint64, cfg config.LighthouseConfig) (bool, error) {
	minExpected := currentBalance
	if estimatedFee < currentBalance {
		minExpected = currentBalance - estimatedFee
	} else {
		minExpected = 0
	}
	assertionIx := BuildFeePayerAssertion(feePayer, minExpected)
	return AppendAssertion(tx, assertionIx, cfg)
}
