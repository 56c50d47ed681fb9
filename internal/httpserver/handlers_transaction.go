package httpserver

import (
	"context"
	"encoding/json"
	"net/http"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/pipeline"
	"github.com/gagliardetto/solana-go"
)

type transactionRequest struct {
	Transaction string  `json:"transaction"`
	FeeToken    *string `json:"fee_token,omitempty"`
	SignerKey   *string `json:"signer_key,omitempty"`
}

func (req transactionRequest) signerKey() (*solana.PublicKey, error) {
	if req.SignerKey == nil || *req.SignerKey == "" {
		return nil, nil
	}
	key, err := solana.PublicKeyFromBase58(*req.SignerKey)
	if err != nil {
		return nil, kerr.InvalidRequest("invalid signer_key")
	}
	return &key, nil
}

type estimateTransactionFeeResponse struct {
	FeeInLamports  uint64   `json:"fee_in_lamports"`
	FeeInToken     *float64 `json:"fee_in_token,omitempty"`
	SignerPubkey   string   `json:"signer_pubkey"`
	PaymentAddress string   `json:"payment_address"`
}

// estimateTransactionFee is a pure read: it runs the pipeline without
// touching the usage limiter, without requiring payment, and without
// committing the lighthouse assertion into the transaction.
func (h *handlers) estimateTransactionFee(_ http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var req transactionRequest
	if err := decodeParams(raw, &req); err != nil {
		return nil, err
	}
	if req.Transaction == "" {
		return nil, kerr.InvalidRequest("transaction is required")
	}
	signerKey, err := req.signerKey()
	if err != nil {
		return nil, err
	}

	result, err := h.pipeline.Prepare(r.Context(), req.Transaction, signerKey, pipeline.Options{
		VerifyPayment: true,
	})
	if err != nil {
		return nil, err
	}

	resp := estimateTransactionFeeResponse{
		FeeInLamports:  result.FeeLamports,
		SignerPubkey:   result.Signer.Signer.PublicKey().String(),
		PaymentAddress: result.PaymentAddress.String(),
	}
	if req.FeeToken != nil {
		if tokenAmount, err := h.feeInToken(r.Context(), *req.FeeToken, result.FeeLamports); err == nil {
			resp.FeeInToken = &tokenAmount
		}
	}
	return resp, nil
}

type signTransactionResponse struct {
	Signature         string `json:"signature"`
	SignedTransaction string `json:"signed_transaction"`
	SignerPubkey      string `json:"signer_pubkey"`
}

// signTransaction runs the full pipeline (validate, estimate, commit
// lighthouse) and signs, but never submits to the network.
func (h *handlers) signTransaction(_ http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	resp, _, err := h.prepareAndSign(r.Context(), raw, pipeline.Options{CheckUsageLimit: true, CommitLighthouse: true})
	return resp, err
}

// signAndSendTransaction runs the same pipeline as signTransaction and
// additionally broadcasts the signed transaction to the upstream RPC node.
func (h *handlers) signAndSendTransaction(_ http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	resp, signed, err := h.prepareAndSign(r.Context(), raw, pipeline.Options{CheckUsageLimit: true, CommitLighthouse: true})
	if err != nil {
		return nil, err
	}
	if _, err := h.cache.SendTransaction(r.Context(), signed); err != nil {
		return nil, err
	}
	return resp, nil
}

// signTransactionIfPaid mandates payment verification: insufficient
// coverage rejects the request instead of merely reporting it.
func (h *handlers) signTransactionIfPaid(_ http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	resp, _, err := h.prepareAndSign(r.Context(), raw, pipeline.Options{
		CheckUsageLimit:  true,
		VerifyPayment:    true,
		RequirePayment:   true,
		CommitLighthouse: true,
	})
	return resp, err
}

func (h *handlers) prepareAndSign(ctx context.Context, raw json.RawMessage, opts pipeline.Options) (signTransactionResponse, *solana.Transaction, error) {
	var req transactionRequest
	if err := decodeParams(raw, &req); err != nil {
		return signTransactionResponse{}, nil, err
	}
	if req.Transaction == "" {
		return signTransactionResponse{}, nil, kerr.InvalidRequest("transaction is required")
	}
	signerKey, err := req.signerKey()
	if err != nil {
		return signTransactionResponse{}, nil, err
	}

	result, err := h.pipeline.Prepare(ctx, req.Transaction, signerKey, opts)
	if err != nil {
		return signTransactionResponse{}, nil, err
	}

	signedTx, sig, err := pipeline.Sign(ctx, result, result.Signer)
	if err != nil {
		h.signers.MarkError(result.Signer)
		return signTransactionResponse{}, nil, err
	}
	h.signers.MarkSuccess(result.Signer)

	encoded, err := encodeTransaction(signedTx)
	if err != nil {
		return signTransactionResponse{}, nil, err
	}

	return signTransactionResponse{
		Signature:         sig.String(),
		SignedTransaction: encoded,
		SignerPubkey:      result.Signer.Signer.PublicKey().String(),
	}, signedTx, nil
}
