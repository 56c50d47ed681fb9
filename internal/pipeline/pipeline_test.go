package pipeline

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/CedrosPay/kora-server/internal/config"
	"github.com/CedrosPay/kora-server/internal/fee"
	"github.com/CedrosPay/kora-server/internal/oracle"
	"github.com/CedrosPay/kora-server/internal/policy"
	"github.com/CedrosPay/kora-server/internal/signerpool"
	"github.com/CedrosPay/kora-server/internal/usagelimit"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

type noopALR struct{}

func (noopALR) GetAddressLookupTable(_ context.Context, _ solana.PublicKey) ([]solana.PublicKey, []solana.PublicKey, error) {
	return nil, nil, nil
}

const (
	tokenAccountDataMinSize = 165
	mintDecimalsOffset      = 44
)

func buildTokenAccountData(mint, owner solana.PublicKey) []byte {
	data := make([]byte, tokenAccountDataMinSize)
	copy(data[0:], mint[:])
	copy(data[32:], owner[:])
	return data
}

func buildMintData(decimals uint8) []byte {
	data := make([]byte, mintDecimalsOffset+1)
	data[mintDecimalsOffset] = decimals
	return data
}

var errNotFound = stubErr("account not found")

type stubErr string

func (e stubErr) Error() string { return string(e) }

// stubAccounts answers GetAccount for both fee-payer balance lookups
// (lighthouse commit) and payment-detection lookups, keyed by pubkey.
type stubAccounts struct {
	balances map[solana.PublicKey]uint64
	data     map[solana.PublicKey][]byte
}

func (s *stubAccounts) GetAccount(_ context.Context, pubkey solana.PublicKey) (*rpc.Account, error) {
	if data, ok := s.data[pubkey]; ok {
		return &rpc.Account{Lamports: s.balances[pubkey], Data: rpc.DataBytesOrJSONFromBytes(data)}, nil
	}
	if lamports, ok := s.balances[pubkey]; ok {
		return &rpc.Account{Lamports: lamports}, nil
	}
	return nil, errNotFound
}

type stubFeeRPC struct {
	feeForMessage uint64
	accounts      *stubAccounts
}

func (s *stubFeeRPC) GetFeeForMessage(_ context.Context, _ *solana.Message, _ rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error) {
	f := s.feeForMessage
	return &rpc.GetFeeForMessageResult{Value: &f}, nil
}

func (s *stubFeeRPC) GetRecentPrioritizationFees(_ context.Context, _ []solana.PublicKey) (rpc.GetRecentPrioritizationFeesResult, error) {
	return nil, nil
}

func (s *stubFeeRPC) SimulateTransactionWithOpts(_ context.Context, _ *solana.Transaction, _ *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	units := uint64(0)
	return &rpc.SimulateTransactionResponse{Value: &rpc.SimulateTransactionResult{UnitsConsumed: &units}}, nil
}

func (s *stubFeeRPC) GetMinimumBalanceForRentExemption(_ context.Context, _ uint64, _ rpc.CommitmentType) (uint64, error) {
	return 0, nil
}

func (s *stubFeeRPC) GetAccount(ctx context.Context, pubkey solana.PublicKey) (*rpc.Account, error) {
	if s.accounts != nil {
		return s.accounts.GetAccount(ctx, pubkey)
	}
	return nil, errNotFound
}

func newTestPool(t *testing.T) (*signerpool.Pool, solana.PublicKey) {
	t.Helper()
	wallet := solana.NewWallet()
	cfg := config.SignersConfig{
		Strategy: "round_robin",
		Signers:  []config.SignerEntryConfig{{Name: "primary", Backend: "memory"}},
	}
	pool, err := signerpool.New(cfg, func(config.SignerEntryConfig) (signerpool.Signer, error) {
		return signerpool.NewMemorySigner(wallet.PrivateKey), nil
	})
	if err != nil {
		t.Fatalf("signerpool.New: %v", err)
	}
	return pool, wallet.PublicKey()
}

func newTestValidator(t *testing.T, feePayer solana.PublicKey) *policy.Validator {
	t.Helper()
	v, err := policy.New(feePayer, config.ValidationConfig{
		MaxAllowedLamports: 1_000_000_000,
		MaxSignatures:      10,
		AllowSOLTransfers:  true,
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return v
}

func buildTransferRaw(t *testing.T, payer, recipient solana.PublicKey, lamports uint64, blockhash solana.Hash) string {
	t.Helper()
	ix := system.NewTransferInstruction(lamports, payer, recipient).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	raw, err := tx.ToBase64()
	if err != nil {
		t.Fatalf("ToBase64: %v", err)
	}
	return raw
}

func buildTokenTransferRaw(t *testing.T, payer, source, destination, authority solana.PublicKey, amount uint64, blockhash solana.Hash) string {
	t.Helper()
	data := make([]byte, 9)
	data[0] = 3 // SPL Token Transfer discriminant
	binary.LittleEndian.PutUint64(data[1:], amount)
	ix := solana.NewInstruction(token.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(source, true, false),
		solana.NewAccountMeta(destination, true, false),
		solana.NewAccountMeta(authority, false, true),
	}, data)
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	raw, err := tx.ToBase64()
	if err != nil {
		t.Fatalf("ToBase64: %v", err)
	}
	return raw
}

func newTestProcessor(t *testing.T, feePayer solana.PublicKey, pool *signerpool.Pool, accounts *stubAccounts, tokens config.TokensConfig, usage *usagelimit.Limiter, lhCfg config.LighthouseConfig) *Processor {
	t.Helper()
	validator := newTestValidator(t, feePayer)
	estimator := fee.New(&stubFeeRPC{feeForMessage: 5000, accounts: accounts}, nil)
	return New(noopALR{}, validator, nil, estimator, accounts, oracle.NewMock(nil), tokens, usage, lhCfg, pool, nil, config.PrivacyConfig{})
}

func TestPrepare_DrawsSignerBeforeValidating(t *testing.T) {
	pool, feePayer := newTestPool(t)
	accounts := &stubAccounts{balances: map[solana.PublicKey]uint64{feePayer: 1_000_000}}
	p := newTestProcessor(t, feePayer, pool, accounts, config.TokensConfig{}, nil, config.LighthouseConfig{})

	raw := buildTransferRaw(t, feePayer, solana.NewWallet().PublicKey(), 1, solana.Hash{})
	result, err := p.Prepare(context.Background(), raw, nil, Options{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !result.Signer.Signer.PublicKey().Equals(feePayer) {
		t.Error("expected the pool's only signer to be drawn")
	}
	if result.FeeLamports != 5000 {
		t.Errorf("FeeLamports = %d, want 5000", result.FeeLamports)
	}
}

func TestPrepare_RejectsWrongFeePayer(t *testing.T) {
	pool, feePayer := newTestPool(t)
	accounts := &stubAccounts{balances: map[solana.PublicKey]uint64{feePayer: 1_000_000}}
	p := newTestProcessor(t, feePayer, pool, accounts, config.TokensConfig{}, nil, config.LighthouseConfig{})

	// Built with a different payer so checkFeePayerFirst rejects it.
	raw := buildTransferRaw(t, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 1, solana.Hash{})
	if _, err := p.Prepare(context.Background(), raw, nil, Options{}); err == nil {
		t.Fatal("expected policy failure for mismatched fee payer")
	}
}

func TestPrepare_PinsSelectionToRequestedSignerKey(t *testing.T) {
	pool, feePayer := newTestPool(t)
	accounts := &stubAccounts{balances: map[solana.PublicKey]uint64{feePayer: 1_000_000}}
	p := newTestProcessor(t, feePayer, pool, accounts, config.TokensConfig{}, nil, config.LighthouseConfig{})

	raw := buildTransferRaw(t, feePayer, solana.NewWallet().PublicKey(), 1, solana.Hash{})
	result, err := p.Prepare(context.Background(), raw, &feePayer, Options{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !result.Signer.Signer.PublicKey().Equals(feePayer) {
		t.Error("expected pinned signer to match requested public key")
	}

	unknown := solana.NewWallet().PublicKey()
	if _, err := p.Prepare(context.Background(), raw, &unknown, Options{}); err == nil {
		t.Fatal("expected error when pinning to a signer not in the pool")
	}
}

func TestPrepare_RequirePaymentRejectsInsufficient(t *testing.T) {
	pool, feePayer := newTestPool(t)
	accounts := &stubAccounts{balances: map[solana.PublicKey]uint64{feePayer: 1_000_000}}
	p := newTestProcessor(t, feePayer, pool, accounts, config.TokensConfig{}, nil, config.LighthouseConfig{})

	raw := buildTransferRaw(t, feePayer, solana.NewWallet().PublicKey(), 1, solana.Hash{})
	_, err := p.Prepare(context.Background(), raw, nil, Options{VerifyPayment: true, RequirePayment: true})
	if err == nil {
		t.Fatal("expected insufficient-payment error when nothing paid the fee")
	}
}

func TestPrepare_SufficientPaymentSatisfiesRequirement(t *testing.T) {
	pool, feePayer := newTestPool(t)
	mint := solana.NewWallet().PublicKey()
	destAccount := solana.NewWallet().PublicKey()
	sourceAccount := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	accounts := &stubAccounts{
		balances: map[solana.PublicKey]uint64{feePayer: 1_000_000},
		data: map[solana.PublicKey][]byte{
			destAccount: buildTokenAccountData(mint, feePayer),
			mint:        buildMintData(6),
		},
	}
	tokens := config.TokensConfig{
		PaymentAddress: feePayer.String(),
		AcceptedMints:  []config.TokenConfig{{Mint: mint.String(), PriceSource: "mock"}},
	}
	p := newTestProcessor(t, feePayer, pool, accounts, tokens, nil, config.LighthouseConfig{})
	p.prices = oracle.NewMock(map[string]float64{mint.String(): 1_000})

	paid := buildTokenTransferRaw(t, feePayer, sourceAccount, destAccount, authority, 5_000_000, solana.Hash{})
	result, err := p.Prepare(context.Background(), paid, nil, Options{VerifyPayment: true, RequirePayment: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !result.Payment.Sufficient {
		t.Error("expected payment to be marked sufficient")
	}
}

func TestPrepare_CommitsLighthouseAssertion(t *testing.T) {
	pool, feePayer := newTestPool(t)
	accounts := &stubAccounts{balances: map[solana.PublicKey]uint64{feePayer: 1_000_000}}
	lhCfg := config.LighthouseConfig{Enabled: true}
	p := newTestProcessor(t, feePayer, pool, accounts, config.TokensConfig{}, nil, lhCfg)

	raw := buildTransferRaw(t, feePayer, solana.NewWallet().PublicKey(), 1, solana.Hash{})
	result, err := p.Prepare(context.Background(), raw, nil, Options{CommitLighthouse: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(result.Resolved.Transaction.Message.Instructions) <= 1 {
		t.Error("expected lighthouse assertion instruction to be appended")
	}
}

func TestSign_PopulatesFeePayerSlot(t *testing.T) {
	pool, feePayer := newTestPool(t)
	accounts := &stubAccounts{balances: map[solana.PublicKey]uint64{feePayer: 1_000_000}}
	p := newTestProcessor(t, feePayer, pool, accounts, config.TokensConfig{}, nil, config.LighthouseConfig{})

	raw := buildTransferRaw(t, feePayer, solana.NewWallet().PublicKey(), 1, solana.Hash{})
	result, err := p.Prepare(context.Background(), raw, nil, Options{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	tx, sig, err := Sign(context.Background(), result, result.Signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pos := result.Resolved.FindSignerPosition(feePayer)
	if tx.Signatures[pos] != sig {
		t.Error("signature not placed at fee payer's slot")
	}
	var zero solana.Signature
	if sig == zero {
		t.Error("fee payer slot was never signed")
	}
}

func TestPrepare_UsageLimitRejectsOverLimit(t *testing.T) {
	pool, feePayer := newTestPool(t)
	accounts := &stubAccounts{balances: map[solana.PublicKey]uint64{feePayer: 1_000_000}}

	store := &stubCounterStore{counts: map[string]uint64{}}
	limiter, err := usagelimit.New(store, config.UsageLimitConfig{
		Enabled:     true,
		Transaction: &config.TransactionRuleConfig{Max: 1},
	}, nil, nil)
	if err != nil {
		t.Fatalf("usagelimit.New: %v", err)
	}

	p := newTestProcessor(t, feePayer, pool, accounts, config.TokensConfig{}, limiter, config.LighthouseConfig{})
	raw := func() string {
		return buildTransferRaw(t, feePayer, solana.NewWallet().PublicKey(), 1, solana.Hash{})
	}

	if _, err := p.Prepare(context.Background(), raw(), nil, Options{CheckUsageLimit: true}); err != nil {
		t.Fatalf("first transaction should be within the limit: %v", err)
	}
	if _, err := p.Prepare(context.Background(), raw(), nil, Options{CheckUsageLimit: true}); err == nil {
		t.Fatal("expected usage-limit rejection once the per-wallet cap is exceeded")
	}
}

type stubCounterStore struct {
	counts map[string]uint64
}

func (s *stubCounterStore) IncrementCounter(_ context.Context, key string) (uint64, error) {
	s.counts[key]++
	return s.counts[key], nil
}
