// Package policy runs the ordered set of gateway-level checks every
// transaction must pass before Kora will sign it: fee-payer protection,
// program allow-listing, signature-count limits, account blocklisting,
// fee-payer outflow caps, and Token-2022 extension blocklisting.
package policy

import (
	"context"
	"fmt"

	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/resolver"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// token2022ProgramID is the SPL Token-2022 program's deployed address.
// gagliardetto/solana-go only ships a typed package for the original Token
// program; Token-2022 shares its instruction layout for the instructions
// policed here, so it's referenced as a raw constant, same as payment.go.
var token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpjL2")

// SPL Token / Token-2022 instruction discriminants and the account index
// holding the signing authority, for the instruction types that can move
// value or reassign ownership out from under the fee payer.
const (
	splInstructionTransfer        = 3
	splInstructionApprove         = 4
	splInstructionBurn            = 8
	splInstructionCloseAccount    = 9
	splInstructionTransferChecked = 12

	splAuthorityIndexTransfer        = 2
	splAuthorityIndexApprove         = 2
	splAuthorityIndexBurn            = 2
	splAuthorityIndexCloseAccount    = 2
	splAuthorityIndexTransferChecked = 3

	systemInstructionAssign    = 1
	systemAssignAccountIndex   = 0
)

// Validator holds the configured policy a transaction is checked against.
// Constructed once at startup from config.ValidationConfig and reused
// across requests; it carries no per-request state.
type Validator struct {
	feePayer            solana.PublicKey
	maxAllowedLamports  uint64
	maxSignatures       int
	allowedPrograms     map[solana.PublicKey]bool // nil = allow all
	disallowedAccounts  map[solana.PublicKey]bool
	allowSOLTransfers   bool
	allowAssign         bool
	allowSPLTransfers   bool
	allowToken2022      bool
	disallowedMintExt   map[string]bool
	disallowedAcctExt   map[string]bool
}

// New builds a Validator from the configured policy. feePayer is the pool's
// active fee payer pubkey at construction time; for pools with multiple
// signers the caller re-validates per selected signer via WithFeePayer.
func New(feePayer solana.PublicKey, cfg config.ValidationConfig) (*Validator, error) {
	v := &Validator{
		feePayer:           feePayer,
		maxAllowedLamports: cfg.MaxAllowedLamports,
		maxSignatures:      cfg.MaxSignatures,
		allowSOLTransfers:  cfg.AllowSOLTransfers,
		allowAssign:        cfg.AllowAssign,
		allowSPLTransfers:  cfg.AllowSPLTransfers,
		allowToken2022:     cfg.AllowToken2022Transfers,
	}

	if len(cfg.AllowedPrograms) > 0 {
		v.allowedPrograms = make(map[solana.PublicKey]bool, len(cfg.AllowedPrograms))
		for _, addr := range cfg.AllowedPrograms {
			pk, err := solana.PublicKeyFromBase58(addr)
			if err != nil {
				return nil, kerr.Wrap(kerr.ErrCodeInternalServerError, fmt.Errorf("invalid allowed_programs entry %q: %w", addr, err))
			}
			v.allowedPrograms[pk] = true
		}
	}

	if len(cfg.DisallowedAccounts) > 0 {
		v.disallowedAccounts = make(map[solana.PublicKey]bool, len(cfg.DisallowedAccounts))
		for _, addr := range cfg.DisallowedAccounts {
			pk, err := solana.PublicKeyFromBase58(addr)
			if err != nil {
				return nil, kerr.Wrap(kerr.ErrCodeInternalServerError, fmt.Errorf("invalid disallowed_accounts entry %q: %w", addr, err))
			}
			v.disallowedAccounts[pk] = true
		}
	}

	v.disallowedMintExt = toSet(cfg.DisallowedMintExtensions)
	v.disallowedAcctExt = toSet(cfg.DisallowedAccountExtensions)

	return v, nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// WithFeePayer returns a shallow copy of the validator pinned to a
// different fee payer, used when the signer pool selects a signer other
// than the one the validator was originally constructed with.
func (v *Validator) WithFeePayer(feePayer solana.PublicKey) *Validator {
	clone := *v
	clone.feePayer = feePayer
	return &clone
}

// MaxAllowedLamports returns the configured fee-payer outflow / maximum
// estimated fee ceiling, so callers outside this package (the pipeline and
// bundle processors) can apply the same cap to a computed fee estimate.
func (v *Validator) MaxAllowedLamports() uint64 {
	return v.maxAllowedLamports
}

// AccountExtensions reports Token-2022 extensions present on a mint or
// token account, keyed by extension name (e.g. "MemoTransfer",
// "InterestBearingConfig"). Supplied by the caller since extension
// decoding depends on fetched account data from the cache/RPC facade.
type AccountExtensions interface {
	MintExtensions(ctx context.Context, mint solana.PublicKey) ([]string, error)
	TokenAccountExtensions(ctx context.Context, account solana.PublicKey) ([]string, error)
}

// Validate runs every ordered check against a resolved transaction. ext may
// be nil when the transaction contains no SPL/Token-2022 instructions to
// inspect (checks 6 and 7 are skipped in that case).
func (v *Validator) Validate(ctx context.Context, resolved *resolver.Resolved, ext AccountExtensions) error {
	if err := v.checkFeePayerFirst(resolved); err != nil {
		return err
	}
	if err := v.checkAllowedPrograms(resolved); err != nil {
		return err
	}
	if err := v.checkSignatureCount(resolved); err != nil {
		return err
	}
	if err := v.checkDisallowedAccounts(resolved); err != nil {
		return err
	}
	if err := v.checkFeePayerOutflow(resolved); err != nil {
		return err
	}
	if err := v.checkFeePayerAsSource(resolved); err != nil {
		return err
	}
	if ext != nil {
		if err := v.checkMemoTransferExtension(ctx, resolved, ext); err != nil {
			return err
		}
		if err := v.checkMintExtensions(ctx, resolved, ext); err != nil {
			return err
		}
	}
	return nil
}

// 1. fee-payer protection: the fee payer must be the first account key.
func (v *Validator) checkFeePayerFirst(resolved *resolver.Resolved) error {
	if len(resolved.AccountKeys) == 0 {
		return kerr.InvalidTransaction("transaction contains no account keys")
	}
	if !resolved.AccountKeys[0].Equals(v.feePayer) {
		return kerr.InvalidTransaction("fee payer must be the first account")
	}
	return nil
}

// 2. every instruction's program must be in the allow-list (empty list
// means no allow-list restriction is configured).
func (v *Validator) checkAllowedPrograms(resolved *resolver.Resolved) error {
	if v.allowedPrograms == nil {
		return nil
	}
	for _, ix := range resolved.Instructions {
		programID, err := resolved.InstructionProgramID(ix)
		if err != nil {
			return err
		}
		if !v.allowedPrograms[programID] {
			return kerr.InvalidTransaction(fmt.Sprintf("program %s is not in the allowed list", programID))
		}
	}
	return nil
}

// 3. required signature count must not exceed the configured maximum.
func (v *Validator) checkSignatureCount(resolved *resolver.Resolved) error {
	n := len(resolved.Signers)
	if n == 0 {
		return kerr.InvalidTransaction("transaction requires no signatures")
	}
	if v.maxSignatures > 0 && n > v.maxSignatures {
		return kerr.InvalidTransaction(fmt.Sprintf("too many required signatures: %d > %d", n, v.maxSignatures))
	}
	return nil
}

// 4. no top-level or inner (CPI) instruction may reference a disallowed
// (blocklisted) account.
func (v *Validator) checkDisallowedAccounts(resolved *resolver.Resolved) error {
	if v.disallowedAccounts == nil {
		return nil
	}
	return resolved.EachInstruction(func(ix solana.CompiledInstruction) error {
		accounts, err := resolved.InstructionAccounts(ix)
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			if v.disallowedAccounts[acct] {
				return kerr.InvalidTransaction(fmt.Sprintf("account %s is not allowed", acct))
			}
		}
		return nil
	})
}

// 5. total System Transfer outflow sourced from the fee payer must not
// exceed max_allowed_lamports. Uses checked addition so a maliciously
// crafted set of instructions can't wrap a uint64 counter to bypass the
// cap.
func (v *Validator) checkFeePayerOutflow(resolved *resolver.Resolved) error {
	var total uint64
	for _, ix := range resolved.Instructions {
		programID, err := resolved.InstructionProgramID(ix)
		if err != nil {
			return err
		}
		if !programID.Equals(system.ProgramID) {
			continue
		}

		lamports, from, ok := decodeSystemTransfer(ix)
		if !ok {
			continue
		}

		accounts, err := resolved.InstructionAccounts(ix)
		if err != nil {
			return err
		}
		if int(from) >= len(accounts) || !accounts[from].Equals(v.feePayer) {
			continue
		}
		if !v.allowSOLTransfers && lamports > 0 {
			return kerr.ValidationError("SOL transfers from the fee payer are not allowed")
		}

		sum, overflowed := checkedAddUint64(total, lamports)
		if overflowed {
			return kerr.ValidationError("total fee payer outflow overflows")
		}
		total = sum
	}

	if total > v.maxAllowedLamports {
		return kerr.ValidationError(fmt.Sprintf("total transfer amount %d exceeds maximum allowed %d", total, v.maxAllowedLamports))
	}
	return nil
}

// decodeSystemTransfer extracts the lamport amount and source-account index
// (always account 0 for a System Transfer) from a compiled instruction,
// returning ok=false if the instruction isn't a Transfer.
func decodeSystemTransfer(ix solana.CompiledInstruction) (lamports uint64, fromIndex uint16, ok bool) {
	// System program instruction layout: a little-endian u32 discriminant
	// followed by the instruction's fields. Transfer's discriminant is 2,
	// followed by an 8-byte little-endian lamports amount.
	const transferDiscriminant = 2
	if len(ix.Data) < 12 {
		return 0, 0, false
	}
	discriminant := uint32(ix.Data[0]) | uint32(ix.Data[1])<<8 | uint32(ix.Data[2])<<16 | uint32(ix.Data[3])<<24
	if discriminant != transferDiscriminant {
		return 0, 0, false
	}
	lamports = 0
	for i := 0; i < 8; i++ {
		lamports |= uint64(ix.Data[4+i]) << (8 * i)
	}
	if len(ix.Accounts) == 0 {
		return 0, 0, false
	}
	return lamports, ix.Accounts[0], true
}

// checkedAddUint64 adds two uint64s, reporting overflow instead of
// silently wrapping.
func checkedAddUint64(a, b uint64) (sum uint64, overflowed bool) {
	sum = a + b
	return sum, sum < a
}

// checkFeePayerAsSource rejects, unless explicitly allowed, any top-level or
// inner (CPI) instruction that uses the fee payer as the signing authority
// of an SPL/Token-2022 Transfer, TransferChecked, Burn, CloseAccount, or
// Approve, or as the account being reassigned by a System Assign. Kora
// signs the fee payer's transfer; it must never also become the implicit
// authority moving or reassigning a user's own funds.
func (v *Validator) checkFeePayerAsSource(resolved *resolver.Resolved) error {
	return resolved.EachInstruction(func(ix solana.CompiledInstruction) error {
		programID, err := resolved.InstructionProgramID(ix)
		if err != nil {
			return err
		}

		switch {
		case programID.Equals(system.ProgramID):
			account, ok := decodeSystemAssign(ix)
			if !ok {
				return nil
			}
			accounts, err := resolved.InstructionAccounts(ix)
			if err != nil {
				return err
			}
			if int(account) < len(accounts) && accounts[account].Equals(v.feePayer) && !v.allowAssign {
				return kerr.ValidationError("fee payer cannot be used as source account")
			}

		case programID.Equals(token.ProgramID):
			if v.allowSPLTransfers {
				return nil
			}
			return v.checkSPLAuthority(resolved, ix)

		case programID.Equals(token2022ProgramID):
			if v.allowToken2022 {
				return nil
			}
			return v.checkSPLAuthority(resolved, ix)
		}
		return nil
	})
}

// checkSPLAuthority rejects a Transfer/TransferChecked/Burn/CloseAccount/
// Approve whose signing authority is the fee payer.
func (v *Validator) checkSPLAuthority(resolved *resolver.Resolved, ix solana.CompiledInstruction) error {
	authorityIndex, ok := splAuthorityIndex(ix)
	if !ok {
		return nil
	}
	accounts, err := resolved.InstructionAccounts(ix)
	if err != nil {
		return err
	}
	if int(authorityIndex) >= len(accounts) {
		return nil
	}
	if accounts[authorityIndex].Equals(v.feePayer) {
		return kerr.ValidationError("fee payer cannot be used as source account")
	}
	return nil
}

// splAuthorityIndex returns the account index holding the signing authority
// for the SPL/Token-2022 instructions policy cares about, or ok=false for
// any other instruction.
func splAuthorityIndex(ix solana.CompiledInstruction) (index uint16, ok bool) {
	if len(ix.Data) == 0 {
		return 0, false
	}
	switch ix.Data[0] {
	case splInstructionTransfer:
		return splAuthorityIndexTransfer, true
	case splInstructionApprove:
		return splAuthorityIndexApprove, true
	case splInstructionBurn:
		return splAuthorityIndexBurn, true
	case splInstructionCloseAccount:
		return splAuthorityIndexCloseAccount, true
	case splInstructionTransferChecked:
		return splAuthorityIndexTransferChecked, true
	default:
		return 0, false
	}
}

// decodeSystemAssign extracts the account index being reassigned (always
// account 0) from a System Assign instruction, returning ok=false if the
// instruction isn't an Assign.
func decodeSystemAssign(ix solana.CompiledInstruction) (accountIndex uint16, ok bool) {
	if len(ix.Data) < 4 {
		return 0, false
	}
	discriminant := uint32(ix.Data[0]) | uint32(ix.Data[1])<<8 | uint32(ix.Data[2])<<16 | uint32(ix.Data[3])<<24
	if discriminant != systemInstructionAssign {
		return 0, false
	}
	if len(ix.Accounts) == 0 {
		return 0, false
	}
	return ix.Accounts[systemAssignAccountIndex], true
}

// 6. source token accounts referenced by SPL/Token-2022 instructions may
// not carry the MemoTransfer extension, which would force an associated
// memo Kora cannot satisfy on the payer's behalf.
func (v *Validator) checkMemoTransferExtension(ctx context.Context, resolved *resolver.Resolved, ext AccountExtensions) error {
	if v.disallowedAcctExt == nil {
		return nil
	}
	return resolved.EachInstruction(func(ix solana.CompiledInstruction) error {
		accounts, err := resolved.InstructionAccounts(ix)
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			exts, err := ext.TokenAccountExtensions(ctx, acct)
			if err != nil {
				continue // account isn't a token account; not our concern here
			}
			for _, e := range exts {
				if v.disallowedAcctExt[e] {
					return kerr.ValidationError(fmt.Sprintf("token account %s carries disallowed extension %s", acct, e))
				}
			}
		}
		return nil
	})
}

// 7. token mints referenced by SPL/Token-2022 instructions may not carry a
// blocklisted mint extension (e.g. InterestBearingConfig), which would
// make the fee value non-deterministic at sign time.
func (v *Validator) checkMintExtensions(ctx context.Context, resolved *resolver.Resolved, ext AccountExtensions) error {
	return resolved.EachInstruction(func(ix solana.CompiledInstruction) error {
		accounts, err := resolved.InstructionAccounts(ix)
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			exts, err := ext.MintExtensions(ctx, acct)
			if err != nil {
				continue // account isn't a mint; not our concern here
			}
			for _, e := range exts {
				if v.disallowedMintExt[e] {
					return kerr.ValidationError(fmt.Sprintf("mint %s carries disallowed extension %s", acct, e))
				}
			}
		}
		return nil
	})
}
