package payment

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/CedrosPay/kora-server/internal/config"
	"github.com/CedrosPay/kora-server/internal/oracle"
	"github.com/CedrosPay/kora-server/internal/resolver"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

func TestCPIVerifier_InactiveWhenDisabled(t *testing.T) {
	base, err := New(&stubAccounts{}, oracle.NewMock(nil), solana.NewWallet().PublicKey(), config.TokensConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := NewCPIVerifier(base, config.PrivacyConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewCPIVerifier: %v", err)
	}
	if v.IsActive() {
		t.Error("expected CPI verifier to be inactive when disabled")
	}
}

func TestCPIVerifier_InactiveWithNoPrograms(t *testing.T) {
	base, err := New(&stubAccounts{}, oracle.NewMock(nil), solana.NewWallet().PublicKey(), config.TokensConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := NewCPIVerifier(base, config.PrivacyConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewCPIVerifier: %v", err)
	}
	if v.IsActive() {
		t.Error("expected CPI verifier to be inactive with no allowed programs")
	}
}

func TestVerifyCPIPayment_AcceptsTransferFromAllowedProgram(t *testing.T) {
	privacyProgram := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	destOwner := solana.NewWallet().PublicKey()
	destAccount := solana.NewWallet().PublicKey()
	sourceAccount := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	outerIx := solana.NewInstruction(privacyProgram, solana.AccountMetaSlice{}, []byte{0})
	payer := solana.NewWallet().PublicKey()
	tx, err := solana.NewTransaction([]solana.Instruction{outerIx}, solana.Hash{}, solana.TransactionPayer(payer))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx.Message.AccountKeys = append(tx.Message.AccountKeys, sourceAccount, destAccount, authority)
	resolved, err := resolver.Resolve(context.Background(), tx, noopResolver{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	data := make([]byte, 9)
	data[0] = instructionTransfer
	binary.LittleEndian.PutUint64(data[1:], 5_000_000)
	innerIx := solana.CompiledInstruction{Data: data}
	// Locate token.ProgramID and accounts within the flattened key list.
	tokenProgIdx := appendKeyIfMissing(resolved, token.ProgramID)
	sourceIdx := indexOf(resolved.AccountKeys, sourceAccount)
	destIdx := indexOf(resolved.AccountKeys, destAccount)
	authorityIdx := indexOf(resolved.AccountKeys, authority)
	innerIx.ProgramIDIndex = uint16(tokenProgIdx)
	innerIx.Accounts = []uint16{uint16(sourceIdx), uint16(destIdx), uint16(authorityIdx)}

	accounts := &stubAccounts{accounts: map[solana.PublicKey][]byte{
		destAccount: buildTokenAccountData(mint, destOwner),
		mint:        buildMintData(6),
	}}
	prices := oracle.NewMock(map[string]float64{mint.String(): 1_000})
	tokens := config.TokensConfig{AcceptedMints: []config.TokenConfig{{Mint: mint.String(), PriceSource: "mock"}}}
	base, err := New(accounts, prices, destOwner, tokens)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := NewCPIVerifier(base, config.PrivacyConfig{Enabled: true, AllowedFeePaymentPrograms: []string{privacyProgram.String()}})
	if err != nil {
		t.Fatalf("NewCPIVerifier: %v", err)
	}

	result, err := v.VerifyCPIPayment(context.Background(), resolved, []resolver.InnerInstructionGroup{
		{OuterIndex: 0, Instructions: []solana.CompiledInstruction{innerIx}},
	}, 1)
	if err != nil {
		t.Fatalf("VerifyCPIPayment: %v", err)
	}
	if result.TransferCount != 1 || !result.Sufficient {
		t.Errorf("expected 1 sufficient CPI payment, got %+v", result)
	}
}

func TestVerifyCPIPayment_IgnoresDisallowedProgram(t *testing.T) {
	otherProgram := solana.NewWallet().PublicKey()
	allowedProgram := solana.NewWallet().PublicKey()

	outerIx := solana.NewInstruction(otherProgram, solana.AccountMetaSlice{}, []byte{0})
	payer := solana.NewWallet().PublicKey()
	tx, err := solana.NewTransaction([]solana.Instruction{outerIx}, solana.Hash{}, solana.TransactionPayer(payer))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	resolved, err := resolver.Resolve(context.Background(), tx, noopResolver{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	base, err := New(&stubAccounts{}, oracle.NewMock(nil), solana.NewWallet().PublicKey(), config.TokensConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := NewCPIVerifier(base, config.PrivacyConfig{Enabled: true, AllowedFeePaymentPrograms: []string{allowedProgram.String()}})
	if err != nil {
		t.Fatalf("NewCPIVerifier: %v", err)
	}

	result, err := v.VerifyCPIPayment(context.Background(), resolved, []resolver.InnerInstructionGroup{
		{OuterIndex: 0, Instructions: []solana.CompiledInstruction{{}}},
	}, 1)
	if err != nil {
		t.Fatalf("VerifyCPIPayment: %v", err)
	}
	if result.TransferCount != 0 {
		t.Error("CPI from a non-allowed program should not count")
	}
}

func indexOf(keys []solana.PublicKey, target solana.PublicKey) int {
	for i, k := range keys {
		if k.Equals(target) {
			return i
		}
	}
	return -1
}

func appendKeyIfMissing(resolved *resolver.Resolved, key solana.PublicKey) int {
	if idx := indexOf(resolved.AccountKeys, key); idx != -1 {
		return idx
	}
	resolved.AccountKeys = append(resolved.AccountKeys, key)
	return len(resolved.AccountKeys) - 1
}
