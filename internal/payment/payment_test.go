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
	"github.com/gagliardetto/solana-go/rpc"
)

type stubAccounts struct {
	accounts map[solana.PublicKey][]byte
}

func (s *stubAccounts) GetAccount(_ context.Context, pubkey solana.PublicKey) (*rpc.Account, error) {
	data, ok := s.accounts[pubkey]
	if !ok {
		return nil, errNotFound
	}
	return &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}, nil
}

type stubErr struct{}

func (stubErr) Error() string { return "not found" }

var errNotFound = stubErr{}

func buildTokenAccountData(mint, owner solana.PublicKey) []byte {
	data := make([]byte, tokenAccountDataMinSize)
	copy(data[tokenAccountMintOffset:], mint[:])
	copy(data[tokenAccountOwnerOffset:], owner[:])
	return data
}

func buildMintData(decimals uint8) []byte {
	data := make([]byte, mintDecimalsOffset+1)
	data[mintDecimalsOffset] = decimals
	return data
}

func buildTransferTx(t *testing.T, source, destination, authority solana.PublicKey, amount uint64) *resolver.Resolved {
	t.Helper()
	data := make([]byte, 9)
	data[0] = instructionTransfer
	binary.LittleEndian.PutUint64(data[1:], amount)

	ix := solana.NewInstruction(token.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(source, true, false),
		solana.NewAccountMeta(destination, true, false),
		solana.NewAccountMeta(authority, false, true),
	}, data)

	payer := solana.NewWallet().PublicKey()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(payer))
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

func TestVerifyPayment_SufficientTransfer(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	destOwner := solana.NewWallet().PublicKey()
	destAccount := solana.NewWallet().PublicKey()
	sourceAccount := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	resolved := buildTransferTx(t, sourceAccount, destAccount, authority, 5_000_000)

	accounts := &stubAccounts{accounts: map[solana.PublicKey][]byte{
		destAccount: buildTokenAccountData(mint, destOwner),
		mint:        buildMintData(6),
	}}
	prices := oracle.NewMock(map[string]float64{mint.String(): 1_000})

	tokens := config.TokensConfig{AcceptedMints: []config.TokenConfig{{Mint: mint.String(), PriceSource: "mock"}}}
	v, err := New(accounts, prices, destOwner, tokens)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := v.VerifyPayment(context.Background(), resolved, 1)
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if !result.Sufficient {
		t.Error("expected sufficient payment")
	}
	if result.TransferCount != 1 {
		t.Errorf("TransferCount = %d, want 1", result.TransferCount)
	}
	if result.TotalLamports == 0 {
		t.Error("expected non-zero lamport value")
	}
}

func TestVerifyPayment_WrongDestinationOwner(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	actualOwner := solana.NewWallet().PublicKey()
	expectedOwner := solana.NewWallet().PublicKey()
	destAccount := solana.NewWallet().PublicKey()
	sourceAccount := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	resolved := buildTransferTx(t, sourceAccount, destAccount, authority, 5_000_000)

	accounts := &stubAccounts{accounts: map[solana.PublicKey][]byte{
		destAccount: buildTokenAccountData(mint, actualOwner),
		mint:        buildMintData(6),
	}}
	prices := oracle.NewMock(map[string]float64{mint.String(): 1_000})
	tokens := config.TokensConfig{AcceptedMints: []config.TokenConfig{{Mint: mint.String(), PriceSource: "mock"}}}
	v, err := New(accounts, prices, expectedOwner, tokens)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := v.VerifyPayment(context.Background(), resolved, 1)
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if result.Sufficient || result.TransferCount != 0 {
		t.Error("payment to a different owner should not count")
	}
}

func TestVerifyPayment_UnacceptedMintIgnored(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	otherMint := solana.NewWallet().PublicKey()
	destOwner := solana.NewWallet().PublicKey()
	destAccount := solana.NewWallet().PublicKey()
	sourceAccount := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	resolved := buildTransferTx(t, sourceAccount, destAccount, authority, 5_000_000)

	accounts := &stubAccounts{accounts: map[solana.PublicKey][]byte{
		destAccount: buildTokenAccountData(mint, destOwner),
	}}
	prices := oracle.NewMock(nil)
	tokens := config.TokensConfig{AcceptedMints: []config.TokenConfig{{Mint: otherMint.String(), PriceSource: "mock"}}}
	v, err := New(accounts, prices, destOwner, tokens)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := v.VerifyPayment(context.Background(), resolved, 1)
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if result.TransferCount != 0 {
		t.Error("transfer of an unaccepted mint should not count")
	}
}

func TestCheckedAddUint64_Overflow(t *testing.T) {
	_, overflowed := checkedAddUint64(^uint64(0), 1)
	if !overflowed {
		t.Error("expected overflow to be detected")
	}
}
