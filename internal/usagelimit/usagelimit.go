// Package usagelimit enforces per-wallet usage limits: an overall
// transaction-count cap and optional per-instruction caps, each either
// lifetime or fixed-window (bucketed by floor(unixSeconds / windowSeconds)). Counters are stored in the cache/RPC facade's
// in-memory key-value store rather than a database.
package usagelimit

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/metrics"
	"github.com/CedrosPay/kora-server/internal/resolver"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
)

const (
	walletKeyPrefix = "kora:usage_limit"
	ixKeyPrefix     = "kora:ix"
)

// CounterStore is the backing key-value increment primitive. Implemented by
// internal/cacherpc.Facade.
type CounterStore interface {
	IncrementCounter(ctx context.Context, key string) (uint64, error)
}

// Limiter enforces the configured transaction and instruction usage rules
// against a resolved transaction's user signer.
type Limiter struct {
	store          CounterStore
	cfg            config.UsageLimitConfig
	instructions   []compiledInstructionRule
	koraSigners    map[solana.PublicKey]bool
	metrics        *metrics.Metrics
}

type compiledInstructionRule struct {
	program       solana.PublicKey
	instruction   string
	max           uint64
	windowSeconds uint64
}

// New compiles a Limiter from configuration. koraSigners identifies which
// account keys are Kora's own fee payers, used to exclude them when
// determining the transaction's user signer and to recognize
// Kora-subsidized System.CreateAccount calls.
func New(store CounterStore, cfg config.UsageLimitConfig, koraSigners []solana.PublicKey, m *metrics.Metrics) (*Limiter, error) {
	signers := make(map[solana.PublicKey]bool, len(koraSigners))
	for _, s := range koraSigners {
		signers[s] = true
	}

	rules := make([]compiledInstructionRule, 0, len(cfg.Instructions))
	for _, r := range cfg.Instructions {
		program, err := solana.PublicKeyFromBase58(r.Program)
		if err != nil {
			return nil, kerr.ValidationError("invalid program in usage limit instruction rule: " + r.Program)
		}
		rules = append(rules, compiledInstructionRule{
			program:       program,
			instruction:   strings.ToLower(r.Instruction),
			max:           r.Max,
			windowSeconds: r.WindowSeconds,
		})
	}

	return &Limiter{store: store, cfg: cfg, instructions: rules, koraSigners: signers, metrics: m}, nil
}

// Check enforces every configured rule for resolved's user signer,
// incrementing counters along the way. now is passed in rather than read
// internally so window bucketing is deterministic in tests.
func (l *Limiter) Check(ctx context.Context, resolved *resolver.Resolved, now time.Time) error {
	if !l.cfg.Enabled {
		return nil
	}

	userID, err := l.extractUserSigner(resolved)
	if err != nil {
		return err
	}

	if err := l.checkTransactionRule(ctx, userID, now); err != nil {
		return err
	}
	if err := l.checkInstructionRules(ctx, resolved, userID, now); err != nil {
		return err
	}
	return nil
}

// extractUserSigner returns the first required signer that isn't one of
// Kora's own fee payers; usage limits are attributed to the user, never to
// Kora itself.
func (l *Limiter) extractUserSigner(resolved *resolver.Resolved) (solana.PublicKey, error) {
	for _, signer := range resolved.Signers {
		if !l.koraSigners[signer] {
			return signer, nil
		}
	}
	return solana.PublicKey{}, kerr.InvalidTransaction("no user signer found (all signers are Kora fee payers)")
}

func (l *Limiter) checkTransactionRule(ctx context.Context, userID solana.PublicKey, now time.Time) error {
	if l.cfg.Transaction == nil || l.cfg.Transaction.Max == 0 {
		return nil
	}

	key := walletKeyPrefix + ":" + userID.String()
	if w := l.cfg.Transaction.WindowSeconds; w > 0 {
		key += ":" + uintToString(uint64(now.Unix())/w)
	}
	count, err := l.store.IncrementCounter(ctx, key)
	if err != nil {
		return l.handleStoreUnavailable(err)
	}

	if count > l.cfg.Transaction.Max {
		if l.metrics != nil {
			l.metrics.ObserveUsageLimitRejection("transaction")
		}
		return kerr.UsageLimitExceeded("wallet exceeded transaction usage limit")
	}
	return nil
}

func (l *Limiter) checkInstructionRules(ctx context.Context, resolved *resolver.Resolved, userID solana.PublicKey, now time.Time) error {
	for _, rule := range l.instructions {
		matchCount := l.countMatchingInstructions(resolved, rule)
		for i := uint64(0); i < matchCount; i++ {
			key := rule.storageKey(userID.String(), now)
			count, err := l.store.IncrementCounter(ctx, key)
			if err != nil {
				return l.handleStoreUnavailable(err)
			}
			if count > rule.max {
				if l.metrics != nil {
					l.metrics.ObserveUsageLimitRejection("instruction:" + rule.instruction)
				}
				return kerr.UsageLimitExceeded("wallet exceeded usage limit for " + rule.instruction + " on " + rule.program.String())
			}
		}
	}
	return nil
}

// countMatchingInstructions counts instructions in the transaction matching
// rule's program and instruction kind. System.CreateAccount only counts
// when Kora is the payer, tracking subsidized account creation; all other
// matched instruction kinds count unconditionally.
func (l *Limiter) countMatchingInstructions(resolved *resolver.Resolved, rule compiledInstructionRule) uint64 {
	var count uint64
	for _, ix := range resolved.Instructions {
		programID, err := resolved.InstructionProgramID(ix)
		if err != nil || !programID.Equals(rule.program) {
			continue
		}
		kind, ok := identifyInstruction(programID, ix.Data)
		if !ok || kind != rule.instruction {
			continue
		}
		if programID.Equals(system.ProgramID) && kind == "createaccount" {
			accounts, err := resolved.InstructionAccounts(ix)
			if err != nil || len(accounts) == 0 || !l.koraSigners[accounts[0]] {
				continue
			}
		}
		count++
	}
	return count
}

func (l *Limiter) handleStoreUnavailable(cause error) error {
	if l.cfg.FallbackIfUnavailable {
		return nil
	}
	return kerr.Wrap(kerr.ErrCodeInternalServerError, cause)
}

// storageKey builds the counter key for an instruction rule: lifetime keys
// never change; windowed keys bucket by floor(unixSeconds / windowSeconds).
func (r compiledInstructionRule) storageKey(userID string, now time.Time) string {
	base := ixKeyPrefix + ":" + userID + ":" + r.program.String() + ":" + r.instruction
	if r.windowSeconds == 0 {
		return base
	}
	bucket := uint64(now.Unix()) / r.windowSeconds
	return base + ":" + uintToString(bucket)
}

func uintToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// identifyInstruction classifies a System or Associated-Token-Account
// instruction by its discriminant. Other programs aren't recognized since
// Kora only subsidizes account-creation style operations today.
func identifyInstruction(programID solana.PublicKey, data []byte) (string, bool) {
	switch {
	case programID.Equals(system.ProgramID):
		if len(data) < 4 {
			return "", false
		}
		switch binary.LittleEndian.Uint32(data[:4]) {
		case 0:
			return "createaccount", true
		case 3:
			return "createaccountwithseed", true
		default:
			return "", false
		}
	case programID.Equals(associatedtokenaccount.ProgramID):
		if len(data) == 0 {
			return "create", true
		}
		switch data[0] {
		case 0:
			return "create", true
		case 1:
			return "createidempotent", true
		default:
			return "", false
		}
	default:
		return "", false
	}
}
