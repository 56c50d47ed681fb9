// Package pipeline implements the single-transaction request pipeline
// shared by every signing JSON-RPC method: decode and resolve, select a
// signer, enforce the usage limiter, validate against policy pinned to the
// drawn signer, estimate the fee (including lighthouse overhead), verify
// payment when required, commit the lighthouse assertion, and sign. Bundle
// requests run the same per-transaction steps through internal/bundle
// instead, which shares one signer and blockhash across every member.
package pipeline

import (
	"context"
	"time"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/fee"
	"github.com/CedrosPay/kora-server/internal/lighthouse"
	"github.com/CedrosPay/kora-server/internal/oracle"
	"github.com/CedrosPay/kora-server/internal/payment"
	"github.com/CedrosPay/kora-server/internal/policy"
	"github.com/CedrosPay/kora-server/internal/resolver"
	"github.com/CedrosPay/kora-server/internal/signerpool"
	"github.com/CedrosPay/kora-server/internal/usagelimit"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/CedrosPay/kora-server/internal/config"
)

// AccountSource is the subset of the cache/RPC facade the pipeline needs to
// read fee-payer balances and mint metadata directly (payment verification
// and fee estimation take their own narrower subsets).
type AccountSource interface {
	GetAccount(ctx context.Context, pubkey solana.PublicKey) (*rpc.Account, error)
}

// Options controls which optional pipeline stages run, since the JSON-RPC
// methods sharing this pipeline differ in exactly which side effects they're
// allowed to have (estimateTransactionFee must not touch the usage limiter
// or commit a lighthouse assertion; signTransactionIfPaid must reject when
// payment is insufficient rather than merely reporting it).
type Options struct {
	CheckUsageLimit  bool
	VerifyPayment    bool
	RequirePayment   bool
	CommitLighthouse bool
}

// Result is a fully prepared, policy-compliant transaction ready to sign.
type Result struct {
	Resolved       *resolver.Resolved
	FeeLamports    uint64
	Payment        payment.Result
	PaymentChecked bool
	PaymentAddress solana.PublicKey
	Signer         *signerpool.SignerWithMetadata
}

// Processor runs the pipeline against a configured policy, fee estimator,
// payment pricing, usage limiter, and signer pool.
type Processor struct {
	alr        resolver.AddressLookupResolver
	validator  *policy.Validator
	ext        policy.AccountExtensions
	estimator  *fee.Estimator
	accounts   AccountSource
	prices     oracle.PriceOracle
	tokens     config.TokensConfig
	usage      *usagelimit.Limiter
	lighthouse config.LighthouseConfig
	signers    *signerpool.Pool
	simulator  resolver.Simulator
	privacy    config.PrivacyConfig
}

// New builds a Processor. usage may be nil when usage limiting is disabled.
// simulator may be nil, in which case inner-instruction (CPI) discovery and
// privacy-mode CPI payment checking are both skipped.
func New(
	alr resolver.AddressLookupResolver,
	validator *policy.Validator,
	ext policy.AccountExtensions,
	estimator *fee.Estimator,
	accounts AccountSource,
	prices oracle.PriceOracle,
	tokens config.TokensConfig,
	usage *usagelimit.Limiter,
	lighthouseCfg config.LighthouseConfig,
	signers *signerpool.Pool,
	simulator resolver.Simulator,
	privacy config.PrivacyConfig,
) *Processor {
	return &Processor{
		alr:        alr,
		validator:  validator,
		ext:        ext,
		estimator:  estimator,
		accounts:   accounts,
		prices:     prices,
		tokens:     tokens,
		usage:      usage,
		lighthouse: lighthouseCfg,
		signers:    signers,
		simulator:  simulator,
		privacy:    privacy,
	}
}

// Prepare runs every stage of the pipeline up to (but not including)
// signing: decode, resolve, select signer, usage-limit check, policy
// validate, fee estimate, payment verify, lighthouse commit.
func (p *Processor) Prepare(ctx context.Context, raw string, signerKey *solana.PublicKey, opts Options) (*Result, error) {
	tx, err := resolver.Decode(raw)
	if err != nil {
		return nil, err
	}
	resolved, err := resolver.Resolve(ctx, tx, p.alr)
	if err != nil {
		return nil, err
	}
	if err := resolver.SimulateInner(ctx, p.simulator, resolved); err != nil {
		return nil, err
	}

	signer, err := p.selectSigner(signerKey)
	if err != nil {
		return nil, err
	}
	feePayer := signer.Signer.PublicKey()
	pinned := p.validator.WithFeePayer(feePayer)

	if opts.CheckUsageLimit && p.usage != nil {
		if err := p.usage.Check(ctx, resolved, time.Now()); err != nil {
			return nil, err
		}
	}

	if err := pinned.Validate(ctx, resolved, p.ext); err != nil {
		return nil, err
	}

	estimate, err := p.estimator.Estimate(ctx, resolved)
	if err != nil {
		return nil, err
	}
	estimate, err = p.estimator.WithLighthouseOverhead(ctx, resolved, feePayer, estimate, p.lighthouse)
	if err != nil {
		return nil, err
	}
	if max := pinned.MaxAllowedLamports(); max > 0 && estimate > max {
		return nil, kerr.Newf(kerr.ErrCodeValidationError, "estimated fee %d lamports exceeds maximum allowed %d", estimate, max)
	}

	paymentAddr := p.paymentAddress(feePayer)

	var payResult payment.Result
	if opts.VerifyPayment {
		verifier, err := payment.New(p.accounts, p.prices, paymentAddr, p.tokens)
		if err != nil {
			return nil, err
		}
		payResult, err = verifier.VerifyPayment(ctx, resolved, estimate)
		if err != nil {
			return nil, err
		}

		if len(resolved.InnerInstructions) > 0 {
			cpiVerifier, err := payment.NewCPIVerifier(verifier, p.privacy)
			if err != nil {
				return nil, err
			}
			if cpiVerifier.IsActive() {
				cpiResult, err := cpiVerifier.VerifyCPIPayment(ctx, resolved, resolved.InnerInstructions, estimate)
				if err != nil {
					return nil, err
				}
				sum, overflowed := checkedAddUint64(payResult.TotalLamports, cpiResult.TotalLamports)
				if overflowed {
					return nil, kerr.ValidationError("payment accumulation overflow")
				}
				payResult = payment.Result{
					Sufficient:    sum >= estimate,
					TotalLamports: sum,
					TransferCount: payResult.TransferCount + cpiResult.TransferCount,
				}
			}
		}

		if opts.RequirePayment && !payResult.Sufficient {
			return nil, kerr.Newf(kerr.ErrCodeInsufficientFunds, "payment of %d lamports is less than required %d", payResult.TotalLamports, estimate)
		}
	}

	if opts.CommitLighthouse && p.lighthouse.Enabled {
		account, err := p.accounts.GetAccount(ctx, feePayer)
		if err != nil {
			return nil, err
		}
		if _, err := lighthouse.AssertFeePayerBalance(resolved.Transaction, feePayer, account.Lamports, estimate, p.lighthouse); err != nil {
			return nil, err
		}
	}

	return &Result{
		Resolved:       resolved,
		FeeLamports:    estimate,
		Payment:        payResult,
		PaymentChecked: opts.VerifyPayment,
		PaymentAddress: paymentAddr,
		Signer:         signer,
	}, nil
}

// checkedAddUint64 adds two uint64s, reporting overflow instead of
// silently wrapping.
func checkedAddUint64(a, b uint64) (sum uint64, overflowed bool) {
	sum = a + b
	return sum, sum < a
}

func (p *Processor) selectSigner(signerKey *solana.PublicKey) (*signerpool.SignerWithMetadata, error) {
	if signerKey != nil {
		return p.signers.ByPublicKey(*signerKey)
	}
	return p.signers.Select()
}

// paymentAddress resolves the destination a payment must land in: the
// configured address, or the drawn signer's own pubkey when none is set.
func (p *Processor) paymentAddress(feePayer solana.PublicKey) solana.PublicKey {
	if p.tokens.PaymentAddress != "" {
		if addr, err := solana.PublicKeyFromBase58(p.tokens.PaymentAddress); err == nil {
			return addr
		}
	}
	return feePayer
}

// Sign places signer's signature in result's transaction at the fee payer's
// required-signature slot, located via FindSignerPosition rather than
// assumed to be zero so a caller can detect a misconfigured signer pool
// before broadcasting.
func Sign(ctx context.Context, result *Result, signer *signerpool.SignerWithMetadata) (*solana.Transaction, solana.Signature, error) {
	tx := result.Resolved.Transaction
	feePayer := signer.Signer.PublicKey()

	pos := result.Resolved.FindSignerPosition(feePayer)
	if pos < 0 {
		return nil, solana.Signature{}, kerr.InvalidTransaction("fee payer is not a required signer of this transaction")
	}

	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, solana.Signature{}, kerr.Serialization(err)
	}

	sig, err := signer.Signer.Sign(ctx, messageBytes)
	if err != nil {
		return nil, solana.Signature{}, kerr.Signing(err)
	}

	if len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	}
	tx.Signatures[pos] = sig
	return tx, sig, nil
}
