// Package payment detects SPL Token and Token-2022 transfers that pay
// Kora's collected fee: top-level transfers to the configured payment
// destination, accumulated and priced against the pricing oracle to decide
// whether a transaction has paid enough to be signed
// (signTransactionIfPaid).
package payment

import (
	"context"
	"encoding/binary"

	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/oracle"
	"github.com/CedrosPay/kora-server/internal/resolver"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// Token2022ProgramID is the SPL Token-2022 program's deployed address.
// gagliardetto/solana-go only ships a typed package for the original Token
// program; Token-2022 shares its instruction layout for Transfer and
// TransferChecked, so it's referenced here as a raw constant.
var Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpjL2")

const (
	instructionTransfer        = 3
	instructionTransferChecked = 12

	tokenAccountMintOffset  = 0
	tokenAccountOwnerOffset = 32
	tokenAccountDataMinSize = 165
)

// AccountFetcher is the subset of the cache/RPC facade payment verification
// needs: reading token accounts and mints.
type AccountFetcher interface {
	GetAccount(ctx context.Context, pubkey solana.PublicKey) (*rpc.Account, error)
}

// Result is the outcome of scanning a transaction for fee payment.
type Result struct {
	Sufficient    bool
	TotalLamports uint64
	TransferCount int
}

// Verifier detects and prices SPL token transfers paid to Kora's configured
// destination account.
type Verifier struct {
	accounts        AccountFetcher
	prices          oracle.PriceOracle
	paymentAddress  solana.PublicKey
	acceptedMints   map[solana.PublicKey]bool
}

// New builds a Verifier. paymentOwner is the expected owner of the
// destination token account (a signer's own pubkey when
// TokensConfig.PaymentAddress is empty).
func New(accounts AccountFetcher, prices oracle.PriceOracle, paymentOwner solana.PublicKey, tokens config.TokensConfig) (*Verifier, error) {
	accepted := make(map[solana.PublicKey]bool, len(tokens.AcceptedMints))
	for _, t := range tokens.AcceptedMints {
		mint, err := solana.PublicKeyFromBase58(t.Mint)
		if err != nil {
			return nil, kerr.ValidationError("invalid accepted mint in config: " + t.Mint)
		}
		accepted[mint] = true
	}
	return &Verifier{
		accounts:       accounts,
		prices:         prices,
		paymentAddress: paymentOwner,
		acceptedMints:  accepted,
	}, nil
}

// VerifyPayment scans a resolved transaction's top-level instructions for
// SPL Token / Token-2022 transfers to the configured payment destination,
// accumulates their lamport-equivalent value, and compares against
// requiredLamports.
func (v *Verifier) VerifyPayment(ctx context.Context, resolved *resolver.Resolved, requiredLamports uint64) (Result, error) {
	var total uint64
	var count int

	for _, ix := range resolved.Instructions {
		lamports, matched, err := v.valueIfPayment(ctx, resolved, ix)
		if err != nil {
			return Result{}, err
		}
		if !matched {
			continue
		}
		sum, overflowed := checkedAddUint64(total, lamports)
		if overflowed {
			return Result{}, kerr.ValidationError("fee payment accumulation overflow")
		}
		total = sum
		count++
	}

	return Result{
		Sufficient:    total >= requiredLamports,
		TotalLamports: total,
		TransferCount: count,
	}, nil
}

// valueIfPayment decodes ix as an SPL token transfer if possible, checks it
// pays into Kora's destination account with an accepted mint, and returns
// its lamport-equivalent value.
func (v *Verifier) valueIfPayment(ctx context.Context, resolved *resolver.Resolved, ix solana.CompiledInstruction) (uint64, bool, error) {
	programID, err := resolved.InstructionProgramID(ix)
	if err != nil {
		return 0, false, err
	}
	if !programID.Equals(token.ProgramID) && !programID.Equals(Token2022ProgramID) {
		return 0, false, nil
	}

	accounts, err := resolved.InstructionAccounts(ix)
	if err != nil {
		return 0, false, nil
	}

	destination, amount, ok := decodeTransfer(ix.Data, accounts)
	if !ok {
		return 0, false, nil
	}

	destAccount, err := v.accounts.GetAccount(ctx, destination)
	if err != nil {
		// Destination doesn't exist yet: can't be a valid payment.
		return 0, false, nil
	}

	owner, mint, err := unpackTokenAccountOwnerMint(destAccount.Data.GetBinary())
	if err != nil {
		return 0, false, nil
	}
	if !owner.Equals(v.paymentAddress) {
		return 0, false, nil
	}
	if len(v.acceptedMints) > 0 && !v.acceptedMints[mint] {
		return 0, false, nil
	}

	decimals, err := v.mintDecimals(ctx, mint)
	if err != nil {
		return 0, false, err
	}

	lamports, err := oracle.LamportValue(ctx, v.prices, mint.String(), amount, decimals)
	if err != nil {
		return 0, false, err
	}
	return lamports, true, nil
}

// decodeTransfer extracts the destination account and raw token amount from
// an SPL Token Transfer (discriminant 3) or TransferChecked (discriminant
// 12) instruction. Returns ok=false for anything else.
func decodeTransfer(data []byte, accounts []solana.PublicKey) (destination solana.PublicKey, amount uint64, ok bool) {
	if len(data) < 1 {
		return solana.PublicKey{}, 0, false
	}
	switch data[0] {
	case instructionTransfer:
		if len(data) < 9 || len(accounts) < 2 {
			return solana.PublicKey{}, 0, false
		}
		return accounts[1], binary.LittleEndian.Uint64(data[1:9]), true
	case instructionTransferChecked:
		if len(data) < 10 || len(accounts) < 3 {
			return solana.PublicKey{}, 0, false
		}
		// Accounts: [0] source, [1] mint, [2] destination, [3] authority.
		return accounts[2], binary.LittleEndian.Uint64(data[1:9]), true
	default:
		return solana.PublicKey{}, 0, false
	}
}

// unpackTokenAccountOwnerMint reads the mint and owner fields from a packed
// SPL token account's base layout (mint[0:32], owner[32:64], ...). The
// layout is identical for Token and Token-2022 base accounts; Token-2022
// extensions are appended after the fixed 165-byte base and don't affect
// these offsets.
func unpackTokenAccountOwnerMint(data []byte) (owner, mint solana.PublicKey, err error) {
	if len(data) < tokenAccountDataMinSize {
		return solana.PublicKey{}, solana.PublicKey{}, kerr.InvalidTransaction("token account data too short")
	}
	copy(mint[:], data[tokenAccountMintOffset:tokenAccountMintOffset+32])
	copy(owner[:], data[tokenAccountOwnerOffset:tokenAccountOwnerOffset+32])
	return owner, mint, nil
}

// mintDecimalsOffset is the byte offset of the decimals field within a
// packed SPL mint account (after COption<Pubkey> mint_authority and the
// u64 supply field).
const mintDecimalsOffset = 44

func (v *Verifier) mintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	return MintDecimals(ctx, v.accounts, mint)
}

// MintDecimals reads an SPL mint account's decimals field. Exported so
// callers outside the verifier (fee-in-token quoting in the JSON-RPC layer)
// can convert between atomic token amounts and lamports without duplicating
// the account layout.
func MintDecimals(ctx context.Context, accounts AccountFetcher, mint solana.PublicKey) (uint8, error) {
	account, err := accounts.GetAccount(ctx, mint)
	if err != nil {
		return 0, kerr.RPC(err)
	}
	data := account.Data.GetBinary()
	if len(data) <= mintDecimalsOffset {
		return 0, kerr.InvalidTransaction("mint account data too short")
	}
	return data[mintDecimalsOffset], nil
}

// checkedAddUint64 adds a and b, reporting overflow rather than wrapping.
func checkedAddUint64(a, b uint64) (sum uint64, overflowed bool) {
	sum = a + b
	return sum, sum < a
}
