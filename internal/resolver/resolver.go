// Package resolver decodes an incoming transaction (base58 or base64,
// legacy or v0 message) and expands it into a fully resolved account/
// instruction view: address lookup tables are fetched and flattened into
// the account key list in the canonical order
// static_keys ++ resolved_writable_lookups ++ resolved_readonly_lookups,
// so every downstream module (policy, payment, fee, lighthouse) can work
// against a single flat AccountKeys slice without re-deriving ALT state.
package resolver

import (
	"context"
	"encoding/base64"
	"fmt"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
)

// maxAccountKeys is the maximum number of distinct account keys a
// transaction may reference after address-lookup-table resolution.
const maxAccountKeys = 256

// AddressLookupResolver fetches and caches address lookup table contents.
// Implemented by the cache/RPC facade.
type AddressLookupResolver interface {
	GetAddressLookupTable(ctx context.Context, table solana.PublicKey) (writable, readonly []solana.PublicKey, err error)
}

// Resolved is the fully expanded view of a decoded transaction: account
// keys in canonical order, the instruction list, and metadata needed by
// policy/payment/fee checks.
type Resolved struct {
	Transaction    *solana.Transaction
	AccountKeys    []solana.PublicKey
	StaticKeyCount int
	IsVersioned    bool
	Instructions   []solana.CompiledInstruction
	Signers        []solana.PublicKey

	// InnerInstructions holds the CPI-originated instructions surfaced by
	// simulation (SimulateInner), grouped by the ordinal of the top-level
	// instruction that invoked them. Empty until simulation has run.
	InnerInstructions []InnerInstructionGroup
}

// InnerInstructionGroup is the set of CPI instructions a single top-level
// instruction invoked, as surfaced by simulateTransaction.
type InnerInstructionGroup struct {
	OuterIndex   uint16
	Instructions []solana.CompiledInstruction
}

// EachInstruction invokes fn for every top-level instruction and, once
// simulation has populated InnerInstructions, every inner (CPI)
// instruction too — fee-payer-source and disallowed-account checks apply
// equally to both per policy rules.
func (r *Resolved) EachInstruction(fn func(ix solana.CompiledInstruction) error) error {
	for _, ix := range r.Instructions {
		if err := fn(ix); err != nil {
			return err
		}
	}
	for _, group := range r.InnerInstructions {
		for _, ix := range group.Instructions {
			if err := fn(ix); err != nil {
				return err
			}
		}
	}
	return nil
}

// Decode parses a base58 or base64 encoded transaction. Kora accepts
// whichever encoding the caller used; base64 is tried first since it's the
// more common wire format for versioned transactions, falling back to
// base58 for legacy callers.
func Decode(raw string) (*solana.Transaction, error) {
	if raw == "" {
		return nil, kerr.InvalidRequest("transaction is empty")
	}

	if data, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if tx, txErr := solana.TransactionFromBytes(data); txErr == nil {
			return tx, nil
		}
	}

	data, err := base58.Decode(raw)
	if err != nil {
		return nil, kerr.Wrap(kerr.ErrCodeSerializationError, fmt.Errorf("decode transaction: not valid base58 or base64: %w", err))
	}
	tx, err := solana.TransactionFromBytes(data)
	if err != nil {
		return nil, kerr.Wrap(kerr.ErrCodeInvalidTransaction, fmt.Errorf("deserialize transaction: %w", err))
	}
	return tx, nil
}

// Resolve expands a decoded transaction's account keys by fetching any
// referenced address lookup tables, in the canonical Solana v0 order:
// static account keys, then resolved writable lookup addresses, then
// resolved readonly lookup addresses.
func Resolve(ctx context.Context, tx *solana.Transaction, alr AddressLookupResolver) (*Resolved, error) {
	if tx == nil {
		return nil, kerr.InvalidTransaction("nil transaction")
	}

	staticKeys := tx.Message.AccountKeys
	accountKeys := make([]solana.PublicKey, len(staticKeys))
	copy(accountKeys, staticKeys)

	isVersioned := tx.Message.IsVersioned()
	if isVersioned {
		type lookupResult struct {
			writable, readonly []solana.PublicKey
		}
		resolved := make([]lookupResult, len(tx.Message.AddressTableLookups))
		for i, lookup := range tx.Message.AddressTableLookups {
			writable, readonly, err := alr.GetAddressLookupTable(ctx, lookup.AccountKey)
			if err != nil {
				return nil, kerr.Wrap(kerr.ErrCodeAccountNotFound, fmt.Errorf("resolve address lookup table %s: %w", lookup.AccountKey, err))
			}
			resolved[i] = lookupResult{writable: writable, readonly: readonly}
		}

		// Canonical v0 order: all resolved writable addresses first, across
		// every referenced table, then all resolved readonly addresses.
		for i, lookup := range tx.Message.AddressTableLookups {
			for _, idx := range lookup.WritableIndexes {
				if int(idx) >= len(resolved[i].writable) {
					return nil, kerr.InvalidTransaction(fmt.Sprintf("address lookup table %s: writable index %d out of range", lookup.AccountKey, idx))
				}
				accountKeys = append(accountKeys, resolved[i].writable[idx])
			}
		}
		for i, lookup := range tx.Message.AddressTableLookups {
			for _, idx := range lookup.ReadonlyIndexes {
				if int(idx) >= len(resolved[i].readonly) {
					return nil, kerr.InvalidTransaction(fmt.Sprintf("address lookup table %s: readonly index %d out of range", lookup.AccountKey, idx))
				}
				accountKeys = append(accountKeys, resolved[i].readonly[idx])
			}
		}
	}

	if len(accountKeys) > maxAccountKeys {
		return nil, kerr.InvalidTransaction(fmt.Sprintf("transaction references %d account keys after resolution, exceeding the maximum of %d", len(accountKeys), maxAccountKeys))
	}

	signers := make([]solana.PublicKey, 0, tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures) && i < len(accountKeys); i++ {
		signers = append(signers, accountKeys[i])
	}

	return &Resolved{
		Transaction:    tx,
		AccountKeys:    accountKeys,
		StaticKeyCount: len(staticKeys),
		IsVersioned:    isVersioned,
		Instructions:   tx.Message.Instructions,
		Signers:        signers,
	}, nil
}

// FindSignerPosition returns the index of pubkey within the signer slice of
// the account keys, or -1 if it is not a required signer. Used to locate
// the slot the fee payer's signature must occupy (always index 0) and to
// check whether a candidate fee-payer pubkey is even eligible to sign.
func (r *Resolved) FindSignerPosition(pubkey solana.PublicKey) int {
	for i, s := range r.Signers {
		if s.Equals(pubkey) {
			return i
		}
	}
	return -1
}

// FeePayer returns the first required signer, which Solana always treats as
// the transaction's fee payer.
func (r *Resolved) FeePayer() (solana.PublicKey, error) {
	if len(r.Signers) == 0 {
		return solana.PublicKey{}, kerr.InvalidTransaction("transaction has no signers")
	}
	return r.Signers[0], nil
}

// InstructionProgramID resolves a compiled instruction's program ID using
// the flattened account key list.
func (r *Resolved) InstructionProgramID(ix solana.CompiledInstruction) (solana.PublicKey, error) {
	if int(ix.ProgramIDIndex) >= len(r.AccountKeys) {
		return solana.PublicKey{}, kerr.InvalidTransaction("instruction program id index out of range")
	}
	return r.AccountKeys[ix.ProgramIDIndex], nil
}

// InstructionAccounts resolves a compiled instruction's account indexes
// into public keys using the flattened account key list.
func (r *Resolved) InstructionAccounts(ix solana.CompiledInstruction) ([]solana.PublicKey, error) {
	accounts := make([]solana.PublicKey, 0, len(ix.Accounts))
	for _, idx := range ix.Accounts {
		if int(idx) >= len(r.AccountKeys) {
			return nil, kerr.InvalidTransaction("instruction account index out of range")
		}
		accounts = append(accounts, r.AccountKeys[idx])
	}
	return accounts, nil
}

// Simulator runs a dry-run simulateTransaction call. Implemented by
// gagliardetto/solana-go's *rpc.Client.
type Simulator interface {
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
}

// SimulateInner runs a simulateTransaction dry run requesting inner
// instruction recording and populates r.InnerInstructions with whatever
// CPI-originated instructions the simulation observed. A v0 (versioned)
// transaction is required for the RPC node to record inner instructions;
// legacy transactions leave InnerInstructions empty without error, since
// a legacy message carries no address-lookup-table CPI surface to police
// beyond what's already in Instructions.
func SimulateInner(ctx context.Context, sim Simulator, r *Resolved) error {
	if r == nil || r.Transaction == nil || sim == nil {
		return nil
	}
	if !r.IsVersioned {
		return nil
	}

	resp, err := sim.SimulateTransactionWithOpts(ctx, r.Transaction, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: true,
		Commitment:             rpc.CommitmentProcessed,
		InnerInstructions:      true,
	})
	if err != nil {
		return kerr.RPC(fmt.Errorf("simulate transaction for inner instructions: %w", err))
	}
	if resp == nil || resp.Value == nil {
		return nil
	}

	groups := make([]InnerInstructionGroup, 0, len(resp.Value.InnerInstructions))
	for _, inner := range resp.Value.InnerInstructions {
		groups = append(groups, InnerInstructionGroup{
			OuterIndex:   inner.Index,
			Instructions: inner.Instructions,
		})
	}
	r.InnerInstructions = groups
	return nil
}
