// Package fee estimates the network fee Kora must collect before signing a
// transaction: the base per-signature fee, any priority fee observed on
// recent blocks, rent for associated token accounts the transaction will
// create, and the overhead of the lighthouse balance assertion appended at
// send time.
package fee

import (
	"context"

	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/lighthouse"
	"github.com/CedrosPay/kora-server/internal/metrics"
	"github.com/CedrosPay/kora-server/internal/resolver"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/rpc"
)

// ataAccountSize is the fixed size of a standard (non-Token-2022)
// associated token account.
const ataAccountSize = 165

// RPC is the subset of the Solana RPC surface the fee estimator needs,
// beyond the cached account/blockhash lookups in internal/cacherpc.
type RPC interface {
	GetFeeForMessage(ctx context.Context, message *solana.Message, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error)
	GetRecentPrioritizationFees(ctx context.Context, accounts []solana.PublicKey) (rpc.GetRecentPrioritizationFeesResult, error)
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, size uint64, commitment rpc.CommitmentType) (uint64, error)
	GetAccount(ctx context.Context, pubkey solana.PublicKey) (*rpc.Account, error)
}

// Estimator computes the lamport fee a transaction will cost.
type Estimator struct {
	rpc     RPC
	metrics *metrics.Metrics
}

// New constructs a fee Estimator.
func New(client RPC, m *metrics.Metrics) *Estimator {
	return &Estimator{rpc: client, metrics: m}
}

// Estimate computes the total lamport fee for a resolved transaction: base
// fee, priority fee, and ATA-creation rent for legacy messages; simulated
// compute cost plus a per-account-key/per-lookup surcharge for v0 messages.
func (e *Estimator) Estimate(ctx context.Context, resolved *resolver.Resolved) (uint64, error) {
	var (
		baseFee uint64
		err     error
	)

	if resolved.IsVersioned {
		baseFee, err = e.estimateV0(ctx, resolved)
	} else {
		baseFee, err = e.estimateLegacy(ctx, resolved)
	}
	if err != nil {
		return 0, err
	}

	priorityFee, err := e.priorityFee(ctx)
	if err != nil {
		return 0, err
	}

	if e.metrics != nil {
		version := "legacy"
		if resolved.IsVersioned {
			version = "v0"
		}
		e.metrics.ObserveFeeEstimate(version)
	}

	return baseFee + priorityFee, nil
}

func (e *Estimator) estimateLegacy(ctx context.Context, resolved *resolver.Resolved) (uint64, error) {
	result, err := e.rpc.GetFeeForMessage(ctx, &resolved.Transaction.Message, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, kerr.RPC(err)
	}
	baseFee := uint64(0)
	if result != nil && result.Value != nil {
		baseFee = *result.Value
	}

	ataFee, err := e.ataCreationFee(ctx, resolved)
	if err != nil {
		return 0, err
	}
	return baseFee + ataFee, nil
}

func (e *Estimator) estimateV0(ctx context.Context, resolved *resolver.Resolved) (uint64, error) {
	simResult, err := e.rpc.SimulateTransactionWithOpts(ctx, resolved.Transaction, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: true,
		Commitment:             rpc.CommitmentProcessed,
	})
	if err != nil {
		return 0, kerr.Wrap(kerr.ErrCodeRPCError, err)
	}
	if simResult == nil || simResult.Value == nil || simResult.Value.UnitsConsumed == nil {
		return 0, kerr.InvalidTransaction("failed to simulate transaction for fee estimation")
	}
	unitsConsumed := *simResult.Value.UnitsConsumed

	feeResult, err := e.rpc.GetFeeForMessage(ctx, &resolved.Transaction.Message, rpc.CommitmentFinalized)
	if err != nil {
		return 0, kerr.RPC(err)
	}
	lamportsPerSignature := uint64(5000)
	if feeResult != nil && feeResult.Value != nil && len(resolved.Signers) > 0 {
		lamportsPerSignature = *feeResult.Value / uint64(len(resolved.Signers))
	}

	numSignatures := uint64(len(resolved.Signers))
	numAccountKeys := uint64(len(resolved.AccountKeys))
	numLookups := uint64(len(resolved.Transaction.Message.AddressTableLookups))

	baseFee := lamportsPerSignature * numSignatures
	additionalFee := unitsConsumed + numAccountKeys*10 + numLookups*20

	return baseFee + additionalFee, nil
}

func (e *Estimator) priorityFee(ctx context.Context) (uint64, error) {
	stats, err := e.rpc.GetRecentPrioritizationFees(ctx, nil)
	if err != nil {
		return 0, kerr.RPC(err)
	}
	var max uint64
	for _, s := range stats {
		if s.PrioritizationFee > max {
			max = s.PrioritizationFee
		}
	}
	return max, nil
}

// ataCreationFee scans a legacy transaction's instructions for associated
// token account creation calls, checks which target accounts don't exist
// yet, and returns the rent-exemption cost for the ones that will actually
// be created.
func (e *Estimator) ataCreationFee(ctx context.Context, resolved *resolver.Resolved) (uint64, error) {
	var ataCount uint64

	for _, ix := range resolved.Instructions {
		programID, err := resolved.InstructionProgramID(ix)
		if err != nil {
			return 0, err
		}
		if !programID.Equals(associatedtokenaccount.ProgramID) {
			continue
		}
		accounts, err := resolved.InstructionAccounts(ix)
		if err != nil || len(accounts) < 4 {
			continue
		}
		ata, owner, mint := accounts[1], accounts[2], accounts[3]

		expectedATA, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		if err != nil || !ata.Equals(expectedATA) {
			continue
		}

		if _, err := e.rpc.GetAccount(ctx, ata); err != nil {
			ataCount++
		}
	}

	if ataCount == 0 {
		return 0, nil
	}

	rentExempt, err := e.rpc.GetMinimumBalanceForRentExemption(ctx, ataAccountSize, rpc.CommitmentFinalized)
	if err != nil {
		return 0, kerr.RPC(err)
	}
	return rentExempt * ataCount, nil
}

// WithLighthouseOverhead re-estimates the fee against a transaction clone
// carrying a lighthouse balance assertion: legacy per-signature fees don't
// move, but v0's simulated compute cost and account-key surcharge do, so the
// estimate must be recomputed rather than padded by a constant. Returns the
// original estimate unchanged when lighthouse is disabled or the assertion
// doesn't fit and fail_if_transaction_size_overflow is off; with it on, the
// overflow error is returned. The clone's account keys and instructions are already fully
// expanded by the resolver that produced resolved, so the post-assertion
// view is built directly rather than re-running address lookup resolution.
func (e *Estimator) WithLighthouseOverhead(ctx context.Context, resolved *resolver.Resolved, feePayer solana.PublicKey, baseEstimate uint64, lhCfg config.LighthouseConfig) (uint64, error) {
	if !lhCfg.Enabled {
		return baseEstimate, nil
	}

	clone := *resolved.Transaction
	applied, err := lighthouse.AppendAssertion(&clone, lighthouse.BuildFeePayerAssertion(feePayer, 0), lhCfg)
	if err != nil {
		return 0, err
	}
	if !applied {
		return baseEstimate, nil
	}

	// The assertion is appended as new static account keys, which
	// AppendAssertion places at the end of the static key range; the
	// already-resolved lookup addresses keep their positions after it.
	accountKeys := make([]solana.PublicKey, 0, len(clone.Message.AccountKeys)+len(resolved.AccountKeys)-resolved.StaticKeyCount)
	accountKeys = append(accountKeys, clone.Message.AccountKeys...)
	accountKeys = append(accountKeys, resolved.AccountKeys[resolved.StaticKeyCount:]...)

	withAssertion := &resolver.Resolved{
		Transaction:    &clone,
		AccountKeys:    accountKeys,
		StaticKeyCount: len(clone.Message.AccountKeys),
		IsVersioned:    resolved.IsVersioned,
		Instructions:   clone.Message.Instructions,
		Signers:        resolved.Signers,
	}
	return e.Estimate(ctx, withAssertion)
}
