package payment

import (
	"context"

	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/resolver"
	"github.com/gagliardetto/solana-go"
)

// CPIVerifier detects fee payments made via cross-program invocation from
// an allow-listed privacy pool program, surfaced only in simulated inner
// instructions. Standard top-level transfers are handled by Verifier; this
// extends that to transfers a privacy-preserving program makes on a user's
// behalf.
type CPIVerifier struct {
	base            *Verifier
	enabled         bool
	allowedPrograms map[solana.PublicKey]bool
}

// NewCPIVerifier builds a CPIVerifier. Returns a verifier that's always
// inactive when privacy mode is disabled or no programs are configured,
// matching CpiPaymentValidator::is_active.
func NewCPIVerifier(base *Verifier, cfg config.PrivacyConfig) (*CPIVerifier, error) {
	allowed := make(map[solana.PublicKey]bool, len(cfg.AllowedFeePaymentPrograms))
	for _, p := range cfg.AllowedFeePaymentPrograms {
		pubkey, err := solana.PublicKeyFromBase58(p)
		if err != nil {
			return nil, kerr.ValidationError("invalid allowed_fee_payment_programs entry: " + p)
		}
		allowed[pubkey] = true
	}
	return &CPIVerifier{
		base:            base,
		enabled:         cfg.Enabled && len(allowed) > 0,
		allowedPrograms: allowed,
	}, nil
}

// IsActive reports whether privacy-mode CPI payment checking should run at
// all.
func (v *CPIVerifier) IsActive() bool {
	return v.enabled
}

// VerifyCPIPayment scans inner instructions produced by simulating
// resolved's transaction for SPL token transfers that originated (via CPI)
// from an allow-listed program, paying into the configured destination. It
// does not replace VerifyPayment: callers that enable privacy mode should
// sum both results before comparing against the required fee.
func (v *CPIVerifier) VerifyCPIPayment(ctx context.Context, resolved *resolver.Resolved, innerGroups []resolver.InnerInstructionGroup, requiredLamports uint64) (Result, error) {
	if !v.enabled || len(innerGroups) == 0 {
		return Result{}, nil
	}

	var total uint64
	var count int

	for _, group := range innerGroups {
		if !v.outerInstructionFromAllowedProgram(resolved, group.OuterIndex) {
			continue
		}
		for _, ix := range group.Instructions {
			lamports, matched, err := v.base.valueIfPayment(ctx, resolved, ix)
			if err != nil {
				return Result{}, err
			}
			if !matched {
				continue
			}
			sum, overflowed := checkedAddUint64(total, lamports)
			if overflowed {
				return Result{}, kerr.ValidationError("CPI payment accumulation overflow")
			}
			total = sum
			count++
		}
	}

	return Result{
		Sufficient:    total >= requiredLamports,
		TotalLamports: total,
		TransferCount: count,
	}, nil
}

func (v *CPIVerifier) outerInstructionFromAllowedProgram(resolved *resolver.Resolved, outerIndex uint16) bool {
	if int(outerIndex) >= len(resolved.Instructions) {
		return false
	}
	programID, err := resolved.InstructionProgramID(resolved.Instructions[outerIndex])
	if err != nil {
		return false
	}
	return v.allowedPrograms[programID]
}
