package lighthouse

import (
	"encoding/binary"
	"testing"

	"github.com/CedrosPay/kora-server/internal/config"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

func TestBuildAssertAccountInfoData_Layout(t *testing.T) {
	data := buildAssertAccountInfoData(1_000_000)

	if len(data) != 12 {
		t.Fatalf("expected 12 bytes, got %d", len(data))
	}
	if data[0] != assertAccountInfoDiscriminator {
		t.Errorf("discriminator = %d, want %d", data[0], assertAccountInfoDiscriminator)
	}
	if data[1] != logLevelSilent {
		t.Errorf("log level = %d, want %d", data[1], logLevelSilent)
	}
	if data[2] != accountInfoAssertionLamports {
		t.Errorf("assertion variant = %d, want %d", data[2], accountInfoAssertionLamports)
	}
	if got := binary.LittleEndian.Uint64(data[3:11]); got != 1_000_000 {
		t.Errorf("lamports = %d, want 1000000", got)
	}
	if data[11] != integerOperatorGTE {
		t.Errorf("operator = %d, want %d", data[11], integerOperatorGTE)
	}
}

func TestBuildFeePayerAssertion_Shape(t *testing.T) {
	feePayer := solana.NewWallet().PublicKey()
	ix := BuildFeePayerAssertion(feePayer, 1_000_000)

	if !ix.ProgramID().Equals(ProgramID) {
		t.Error("assertion instruction uses wrong program id")
	}
	accounts, err := ix.Accounts()
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(accounts) != 1 || !accounts[0].PublicKey.Equals(feePayer) {
		t.Error("assertion instruction should reference only the fee payer, read-only non-signer")
	}
	if accounts[0].IsSigner || accounts[0].IsWritable {
		t.Error("fee payer account should be read-only, non-signer")
	}
}

func buildTxWithLargeMemo(t *testing.T, feePayer solana.PublicKey, memoSize int) *solana.Transaction {
	t.Helper()
	recipient := solana.NewWallet().PublicKey()
	transferIx := system.NewTransferInstruction(1, feePayer, recipient).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{transferIx}, solana.Hash{}, solana.TransactionPayer(feePayer))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	if memoSize > 0 {
		tx.Message.Instructions[0].Data = append(tx.Message.Instructions[0].Data, make([]byte, memoSize)...)
	}
	return tx
}

func TestAppendAssertion_Disabled(t *testing.T) {
	feePayer := solana.NewWallet().PublicKey()
	tx := buildTxWithLargeMemo(t, feePayer, 0)
	originalCount := len(tx.Message.Instructions)

	applied, err := AppendAssertion(tx, BuildFeePayerAssertion(feePayer, 1_000), config.LighthouseConfig{Enabled: false})
	if err != nil {
		t.Fatalf("AppendAssertion: %v", err)
	}
	if applied {
		t.Error("expected assertion not to be applied when disabled")
	}
	if len(tx.Message.Instructions) != originalCount {
		t.Error("transaction should be unchanged when lighthouse is disabled")
	}
}

func TestAppendAssertion_AppliesWithinSizeLimit(t *testing.T) {
	feePayer := solana.NewWallet().PublicKey()
	tx := buildTxWithLargeMemo(t, feePayer, 0)
	originalCount := len(tx.Message.Instructions)

	applied, err := AppendAssertion(tx, BuildFeePayerAssertion(feePayer, 1_000), config.LighthouseConfig{Enabled: true, FailIfTransactionSizeOverflow: true})
	if err != nil {
		t.Fatalf("AppendAssertion: %v", err)
	}
	if !applied {
		t.Fatal("expected assertion to be applied")
	}
	if len(tx.Message.Instructions) != originalCount+1 {
		t.Errorf("expected %d instructions, got %d", originalCount+1, len(tx.Message.Instructions))
	}
}

func TestAppendAssertion_OverflowSkip(t *testing.T) {
	feePayer := solana.NewWallet().PublicKey()
	tx := buildTxWithLargeMemo(t, feePayer, 1200)
	originalCount := len(tx.Message.Instructions)

	applied, err := AppendAssertion(tx, BuildFeePayerAssertion(feePayer, 1_000), config.LighthouseConfig{Enabled: true, FailIfTransactionSizeOverflow: false})
	if err != nil {
		t.Fatalf("AppendAssertion: %v", err)
	}
	if applied {
		t.Error("expected assertion to be skipped on overflow")
	}
	if len(tx.Message.Instructions) != originalCount {
		t.Error("transaction should be unchanged after a skipped overflow")
	}
}

func TestAppendAssertion_OverflowFail(t *testing.T) {
	feePayer := solana.NewWallet().PublicKey()
	tx := buildTxWithLargeMemo(t, feePayer, 1200)

	_, err := AppendAssertion(tx, BuildFeePayerAssertion(feePayer, 1_000), config.LighthouseConfig{Enabled: true, FailIfTransactionSizeOverflow: true})
	if err == nil {
		t.Fatal("expected error when overflow is configured to fail")
	}
}

func TestAssertFeePayerBalance_ClampsAtZero(t *testing.T) {
	feePayer := solana.NewWallet().PublicKey()
	tx := buildTxWithLargeMemo(t, feePayer, 0)

	applied, err := AssertFeePayerBalance(tx, feePayer, 500, 1_000, config.LighthouseConfig{Enabled: true, FailIfTransactionSizeOverflow: true})
	if err != nil {
		t.Fatalf("AssertFeePayerBalance: %v", err)
	}
	if !applied {
		t.Fatal("expected assertion to be applied")
	}
}
