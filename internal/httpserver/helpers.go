package httpserver

import (
	"context"
	"encoding/base64"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/payment"
	"github.com/CedrosPay/kora-server/internal/signerpool"
	"github.com/gagliardetto/solana-go"
)

func encodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", kerr.Serialization(err)
	}
	return base64Encode(raw), nil
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func (h *handlers) selectSigner(signerKey *solana.PublicKey) (*signerpool.SignerWithMetadata, error) {
	if signerKey != nil {
		return h.signers.ByPublicKey(*signerKey)
	}
	return h.signers.Select()
}

func (h *handlers) isDisallowedAccount(account solana.PublicKey) bool {
	for _, raw := range h.cfg.Validation.DisallowedAccounts {
		if pubkey, err := solana.PublicKeyFromBase58(raw); err == nil && pubkey.Equals(account) {
			return true
		}
	}
	return false
}

func (h *handlers) mintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	return payment.MintDecimals(ctx, h.cache, mint)
}

// feeInToken converts a lamport fee into whole units of the requested
// fee token, using the configured pricing oracle. feeToken may be a
// configured mint address or symbol.
func (h *handlers) feeInToken(ctx context.Context, feeToken string, feeLamports uint64) (float64, error) {
	mint := feeToken
	for _, t := range h.cfg.Tokens.AcceptedMints {
		if t.Symbol == feeToken {
			mint = t.Mint
			break
		}
	}
	price, err := h.prices.PriceInLamports(ctx, mint)
	if err != nil || price <= 0 {
		return 0, kerr.UnsupportedFeeToken(feeToken)
	}
	return float64(feeLamports) / price, nil
}
