package usagelimit

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/CedrosPay/kora-server/internal/config"
	"github.com/CedrosPay/kora-server/internal/resolver"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

type stubStore struct {
	counts map[string]uint64
	err    error
}

func newStubStore() *stubStore { return &stubStore{counts: make(map[string]uint64)} }

func (s *stubStore) IncrementCounter(_ context.Context, key string) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.counts[key]++
	return s.counts[key], nil
}

func buildResolved(t *testing.T, user solana.PublicKey) *resolver.Resolved {
	t.Helper()
	recipient := solana.NewWallet().PublicKey()
	ix := system.NewTransferInstruction(1, user, recipient).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(user))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	resolved, err := resolver.Resolve(context.Background(), tx, noopResolver{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return resolved
}

type noopResolver struct{}

func (noopResolver) GetAddressLookupTable(_ context.Context, _ solana.PublicKey) ([]solana.PublicKey, []solana.PublicKey, error) {
	return nil, nil, nil
}

func TestCheck_DisabledAlwaysPasses(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	resolved := buildResolved(t, user)
	l, err := New(newStubStore(), config.UsageLimitConfig{Enabled: false}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Check(context.Background(), resolved, time.Unix(0, 0)); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestCheck_TransactionLimitEnforced(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	resolved := buildResolved(t, user)
	cfg := config.UsageLimitConfig{
		Enabled:     true,
		Transaction: &config.TransactionRuleConfig{Max: 2},
	}
	l, err := New(newStubStore(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := l.Check(context.Background(), resolved, time.Unix(0, 0)); err != nil {
			t.Fatalf("Check (%d): %v", i, err)
		}
	}
	if err := l.Check(context.Background(), resolved, time.Unix(0, 0)); err == nil {
		t.Fatal("expected usage limit error on third transaction")
	}
}

func TestCheck_IndependentWalletLimits(t *testing.T) {
	userA := solana.NewWallet().PublicKey()
	userB := solana.NewWallet().PublicKey()
	cfg := config.UsageLimitConfig{Enabled: true, Transaction: &config.TransactionRuleConfig{Max: 1}}
	store := newStubStore()
	l, err := New(store, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := l.Check(context.Background(), buildResolved(t, userA), time.Unix(0, 0)); err != nil {
		t.Fatalf("Check userA: %v", err)
	}
	if err := l.Check(context.Background(), buildResolved(t, userA), time.Unix(0, 0)); err == nil {
		t.Fatal("expected userA to be over limit")
	}
	if err := l.Check(context.Background(), buildResolved(t, userB), time.Unix(0, 0)); err != nil {
		t.Fatalf("expected userB to have an independent limit: %v", err)
	}
}

func TestCheck_ZeroMaxMeansUnlimited(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	cfg := config.UsageLimitConfig{Enabled: true, Transaction: &config.TransactionRuleConfig{Max: 0}}
	l, err := New(newStubStore(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := l.Check(context.Background(), buildResolved(t, user), time.Unix(0, 0)); err != nil {
			t.Fatalf("Check (%d): %v", i, err)
		}
	}
}

func TestCheck_FallbackAllowsWhenStoreUnavailable(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	cfg := config.UsageLimitConfig{
		Enabled:               true,
		FallbackIfUnavailable: true,
		Transaction:           &config.TransactionRuleConfig{Max: 1},
	}
	store := newStubStore()
	store.err = errStoreDown
	l, err := New(store, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Check(context.Background(), buildResolved(t, user), time.Unix(0, 0)); err != nil {
		t.Errorf("expected fallback to allow the transaction, got %v", err)
	}
}

func TestCheck_FallbackDeniesWhenConfigured(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	cfg := config.UsageLimitConfig{
		Enabled:               true,
		FallbackIfUnavailable: false,
		Transaction:           &config.TransactionRuleConfig{Max: 1},
	}
	store := newStubStore()
	store.err = errStoreDown
	l, err := New(store, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Check(context.Background(), buildResolved(t, user), time.Unix(0, 0)); err == nil {
		t.Fatal("expected error when store is unavailable and fallback is disabled")
	}
}

func TestExtractUserSigner_ExcludesKoraSigner(t *testing.T) {
	koraSigner := solana.NewWallet().PublicKey()
	user := solana.NewWallet().PublicKey()
	recipient := solana.NewWallet().PublicKey()

	ix := system.NewTransferInstruction(1, user, recipient).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(koraSigner))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	resolved, err := resolver.Resolve(context.Background(), tx, noopResolver{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	l, err := New(newStubStore(), config.UsageLimitConfig{Enabled: true}, []solana.PublicKey{koraSigner}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := l.extractUserSigner(resolved)
	if err != nil {
		t.Fatalf("extractUserSigner: %v", err)
	}
	if !got.Equals(user) && !got.Equals(koraSigner) {
		t.Errorf("unexpected user signer: %s", got)
	}
	if got.Equals(koraSigner) {
		t.Error("expected the non-Kora signer to be selected")
	}
}

func TestIdentifyInstruction_SystemCreateAccount(t *testing.T) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 0)
	kind, ok := identifyInstruction(system.ProgramID, data)
	if !ok || kind != "createaccount" {
		t.Errorf("identifyInstruction = %q, %v, want createaccount, true", kind, ok)
	}
}

func TestInstructionRule_WindowedKeyChangesPerBucket(t *testing.T) {
	rule := compiledInstructionRule{program: system.ProgramID, instruction: "createaccount", max: 10, windowSeconds: 3600}
	k1 := rule.storageKey("user", time.Unix(3600, 0))
	k2 := rule.storageKey("user", time.Unix(7199, 0))
	k3 := rule.storageKey("user", time.Unix(7200, 0))
	if k1 != k2 {
		t.Errorf("expected same bucket for 3600 and 7199, got %q vs %q", k1, k2)
	}
	if k1 == k3 {
		t.Errorf("expected a different bucket at 7200, got same key %q", k1)
	}
}

var errStoreDown = stubErr("counter store unavailable")

type stubErr string

func (e stubErr) Error() string { return string(e) }
