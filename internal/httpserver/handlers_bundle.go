package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/CedrosPay/kora-server/internal/bundle"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/signerpool"
	"github.com/gagliardetto/solana-go"
)

type bundleRequest struct {
	Transactions []string `json:"transactions"`
	SignerKey    *string  `json:"signer_key,omitempty"`
	SigVerify    *bool    `json:"sig_verify,omitempty"`
}

func (req bundleRequest) signerKey() (*solana.PublicKey, error) {
	if req.SignerKey == nil || *req.SignerKey == "" {
		return nil, nil
	}
	key, err := solana.PublicKeyFromBase58(*req.SignerKey)
	if err != nil {
		return nil, kerr.InvalidRequest("invalid signer_key")
	}
	return &key, nil
}

type signBundleResponse struct {
	SignedTransactions []string `json:"signed_transactions"`
	SignerPubkey       string   `json:"signer_pubkey"`
}

type signAndSendBundleResponse struct {
	SignedTransactions []string `json:"signed_transactions"`
	SignerPubkey       string   `json:"signer_pubkey"`
	BundleUUID         string   `json:"bundle_uuid"`
}

type estimateBundleFeeResponse struct {
	FeeInLamports  uint64   `json:"fee_in_lamports"`
	FeeInToken     *float64 `json:"fee_in_token,omitempty"`
	SignerPubkey   string   `json:"signer_pubkey"`
	PaymentAddress string   `json:"payment_address"`
}

func (h *handlers) signBundle(_ http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	signed, signer, _, err := h.processAndSignBundle(r, raw)
	if err != nil {
		return nil, err
	}
	return signBundleResponse{
		SignedTransactions: encodeTransactions(signed),
		SignerPubkey:       signer.Signer.PublicKey().String(),
	}, nil
}

func (h *handlers) signAndSendBundle(_ http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	signed, signer, _, err := h.processAndSignBundle(r, raw)
	if err != nil {
		return nil, err
	}
	bundleID, err := h.jito.SendBundle(r.Context(), signed)
	if err != nil {
		return nil, err
	}
	return signAndSendBundleResponse{
		SignedTransactions: encodeTransactions(signed),
		SignerPubkey:       signer.Signer.PublicKey().String(),
		BundleUUID:         bundleID,
	}, nil
}

func (h *handlers) estimateBundleFee(_ http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var req bundleRequest
	if err := decodeParams(raw, &req); err != nil {
		return nil, err
	}
	if err := validateBundleRequest(req); err != nil {
		return nil, err
	}
	signerKey, err := req.signerKey()
	if err != nil {
		return nil, err
	}

	bundleCtx, signer, err := h.bundleProcessor.Process(r.Context(), req.Transactions, signerKey)
	if err != nil {
		return nil, err
	}

	return estimateBundleFeeResponse{
		FeeInLamports:  bundleCtx.TotalRequiredLamports,
		SignerPubkey:   signer.Signer.PublicKey().String(),
		PaymentAddress: h.bundlePaymentAddress(signer.Signer.PublicKey()),
	}, nil
}

func (h *handlers) processAndSignBundle(r *http.Request, raw json.RawMessage) ([]*solana.Transaction, *signerpool.SignerWithMetadata, *bundle.Context, error) {
	var req bundleRequest
	if err := decodeParams(raw, &req); err != nil {
		return nil, nil, nil, err
	}
	if err := validateBundleRequest(req); err != nil {
		return nil, nil, nil, err
	}
	signerKey, err := req.signerKey()
	if err != nil {
		return nil, nil, nil, err
	}

	bundleCtx, signer, err := h.bundleProcessor.Process(r.Context(), req.Transactions, signerKey)
	if err != nil {
		return nil, nil, nil, err
	}

	signed, err := bundle.Sign(r.Context(), bundleCtx, signer)
	if err != nil {
		h.signers.MarkError(signer)
		return nil, nil, nil, err
	}
	h.signers.MarkSuccess(signer)

	return signed, signer, bundleCtx, nil
}

func validateBundleRequest(req bundleRequest) error {
	if len(req.Transactions) < bundle.MinSize {
		return kerr.InvalidTransaction("bundle must contain at least one transaction")
	}
	if len(req.Transactions) > bundle.MaxSize {
		return kerr.Newf(kerr.ErrCodeInvalidTransaction, "bundle exceeds maximum size of %d transactions", bundle.MaxSize)
	}
	return nil
}

func (h *handlers) bundlePaymentAddress(feePayer solana.PublicKey) string {
	if h.cfg.Tokens.PaymentAddress != "" {
		return h.cfg.Tokens.PaymentAddress
	}
	return feePayer.String()
}

func encodeTransactions(txs []*solana.Transaction) []string {
	encoded := make([]string, len(txs))
	for i, tx := range txs {
		s, err := encodeTransaction(tx)
		if err != nil {
			continue
		}
		encoded[i] = s
	}
	return encoded
}
