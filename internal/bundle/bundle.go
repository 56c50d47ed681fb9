// Package bundle processes groups of 1-5 transactions as one atomic unit
// for landing together as a Jito bundle: every member is resolved and
// policy-validated independently, fee estimates are summed into a single
// required-payment figure, and the aggregate payment is checked across the
// whole set before any member is signed. All members share one recent
// blockhash and are signed by exactly one signer drawn once from the pool.
package bundle

import (
	"context"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/fee"
	"github.com/CedrosPay/kora-server/internal/payment"
	"github.com/CedrosPay/kora-server/internal/policy"
	"github.com/CedrosPay/kora-server/internal/resolver"
	"github.com/CedrosPay/kora-server/internal/signerpool"
	"github.com/gagliardetto/solana-go"
)

// MinSize and MaxSize bound a bundle request; outside this range the whole
// bundle is rejected before any member is touched.
const (
	MinSize = 1
	MaxSize = 5
)

// BlockhashSource supplies the one recent blockhash shared by every
// transaction in a bundle. Implemented by the cache/RPC facade.
type BlockhashSource interface {
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// Member is one transaction's resolved, fee-estimated state within a
// bundle, prior to signing.
type Member struct {
	Resolved    *resolver.Resolved
	FeeLamports uint64
}

// Context is the outcome of processing a bundle: every member resolved and
// validated, the shared blockhash, the selected fee payer, and the summed
// fee requirement the aggregate payment was checked against. Lives for the
// duration of one bundle request.
type Context struct {
	Members               []*Member
	SharedBlockhash       solana.Hash
	FeePayer              solana.PublicKey
	TotalRequiredLamports uint64
}

// Processor resolves, validates, fee-estimates, and signs bundles against a
// configured policy, fee estimator, and signer pool.
type Processor struct {
	alr       resolver.AddressLookupResolver
	validator *policy.Validator
	ext       policy.AccountExtensions
	estimator *fee.Estimator
	payments  *payment.Verifier
	blockhash BlockhashSource
	signers   *signerpool.Pool
	simulator resolver.Simulator
}

// New builds a Processor. payments may be nil when the deployment doesn't
// require fee payment verification (signBundle/signAndSendBundle without a
// token payment requirement configured). simulator may be nil, in which
// case inner-instruction (CPI) discovery is skipped for every member.
func New(alr resolver.AddressLookupResolver, validator *policy.Validator, ext policy.AccountExtensions, estimator *fee.Estimator, payments *payment.Verifier, blockhash BlockhashSource, signers *signerpool.Pool, simulator resolver.Simulator) *Processor {
	return &Processor{
		alr:       alr,
		validator: validator,
		ext:       ext,
		estimator: estimator,
		payments:  payments,
		blockhash: blockhash,
		signers:   signers,
		simulator: simulator,
	}
}

// Process runs the bundle contract: validates bundle size, draws one signer
// from the pool (pinned to signerKey if given), fetches one shared
// blockhash, then for every member in order resolves it, overwrites its
// blockhash to the shared one, runs policy pinned to the drawn signer, and
// estimates its fee. Finally verifies the aggregate payment across every
// member against the summed fee requirement. Returns the built Context
// together with the signer that must sign it; Sign is a separate step so a
// caller can inspect estimates before committing to signing.
func (p *Processor) Process(ctx context.Context, rawTxs []string, signerKey *solana.PublicKey) (*Context, *signerpool.SignerWithMetadata, error) {
	if len(rawTxs) < MinSize {
		return nil, nil, kerr.InvalidTransaction("bundle must contain at least one transaction")
	}
	if len(rawTxs) > MaxSize {
		return nil, nil, kerr.Newf(kerr.ErrCodeInvalidTransaction, "bundle exceeds maximum size of %d transactions", MaxSize)
	}

	signer, err := p.selectSigner(signerKey)
	if err != nil {
		return nil, nil, err
	}
	feePayer := signer.Signer.PublicKey()
	pinned := p.validator.WithFeePayer(feePayer)

	blockhash, err := p.blockhash.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, nil, err
	}

	members := make([]*Member, 0, len(rawTxs))
	var totalRequired uint64
	for i, raw := range rawTxs {
		member, err := p.resolveMember(ctx, raw, blockhash, pinned)
		if err != nil {
			return nil, nil, wrapMemberError(i, err)
		}

		var overflowed bool
		totalRequired, overflowed = checkedAddUint64(totalRequired, member.FeeLamports)
		if overflowed {
			return nil, nil, kerr.ValidationError("bundle fee total overflows")
		}
		members = append(members, member)
	}

	if err := p.verifyAggregatePayment(ctx, members, totalRequired); err != nil {
		return nil, nil, err
	}

	return &Context{
		Members:               members,
		SharedBlockhash:       blockhash,
		FeePayer:              feePayer,
		TotalRequiredLamports: totalRequired,
	}, signer, nil
}

func (p *Processor) selectSigner(signerKey *solana.PublicKey) (*signerpool.SignerWithMetadata, error) {
	if signerKey != nil {
		return p.signers.ByPublicKey(*signerKey)
	}
	return p.signers.Select()
}

// resolveMember decodes and resolves one bundle transaction, assigns it the
// bundle's shared blockhash, runs policy against the pinned validator, and
// estimates its fee.
func (p *Processor) resolveMember(ctx context.Context, raw string, blockhash solana.Hash, pinned *policy.Validator) (*Member, error) {
	tx, err := resolver.Decode(raw)
	if err != nil {
		return nil, err
	}
	tx.Message.RecentBlockhash = blockhash

	resolved, err := resolver.Resolve(ctx, tx, p.alr)
	if err != nil {
		return nil, err
	}
	if err := resolver.SimulateInner(ctx, p.simulator, resolved); err != nil {
		return nil, err
	}
	if err := pinned.Validate(ctx, resolved, p.ext); err != nil {
		return nil, err
	}

	estimate, err := p.estimator.Estimate(ctx, resolved)
	if err != nil {
		return nil, err
	}
	if max := pinned.MaxAllowedLamports(); max > 0 && estimate > max {
		return nil, kerr.Newf(kerr.ErrCodeValidationError, "estimated fee %d lamports exceeds maximum allowed %d", estimate, max)
	}
	return &Member{Resolved: resolved, FeeLamports: estimate}, nil
}

// verifyAggregatePayment sums each member's payment (scanned independently,
// required lamports per call left at zero so partial members don't fail on
// their own) and compares the total against totalRequired: payment may be
// concentrated in any one transaction of the bundle.
func (p *Processor) verifyAggregatePayment(ctx context.Context, members []*Member, totalRequired uint64) error {
	if p.payments == nil {
		return nil
	}

	var totalPaid uint64
	for _, m := range members {
		result, err := p.payments.VerifyPayment(ctx, m.Resolved, 0)
		if err != nil {
			return err
		}
		var overflowed bool
		totalPaid, overflowed = checkedAddUint64(totalPaid, result.TotalLamports)
		if overflowed {
			return kerr.ValidationError("bundle payment total overflows")
		}
	}

	if totalPaid < totalRequired {
		return kerr.Newf(kerr.ErrCodeInsufficientFunds, "bundle payment %d lamports is less than required %d", totalPaid, totalRequired)
	}
	return nil
}

func wrapMemberError(index int, cause error) error {
	if kErr, ok := kerr.As(cause); ok {
		return kerr.Newf(kErr.Code, "transaction %d: %s", index, kErr.Message)
	}
	return cause
}

// Sign serializes, signs, and places the signature in the fee-payer slot
// (always signer index 0, enforced by policy's fee-payer-first check) for
// every member of ctx, using the single signer drawn during Process.
// Running Sign again against the same Context and signer reproduces the
// identical signatures: Ed25519 signing is deterministic and each call
// simply overwrites the same slot.
func Sign(ctx context.Context, bundleCtx *Context, signer *signerpool.SignerWithMetadata) ([]*solana.Transaction, error) {
	signed := make([]*solana.Transaction, 0, len(bundleCtx.Members))
	for i, member := range bundleCtx.Members {
		tx := member.Resolved.Transaction

		messageBytes, err := tx.Message.MarshalBinary()
		if err != nil {
			return nil, wrapMemberError(i, kerr.Serialization(err))
		}

		sig, err := signer.Signer.Sign(ctx, messageBytes)
		if err != nil {
			return nil, wrapMemberError(i, kerr.Signing(err))
		}

		if len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
			tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
		}
		tx.Signatures[0] = sig
		signed = append(signed, tx)
	}
	return signed, nil
}

func checkedAddUint64(a, b uint64) (sum uint64, overflowed bool) {
	sum = a + b
	return sum, sum < a
}
