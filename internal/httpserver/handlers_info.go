package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/gagliardetto/solana-go"
)

var serverStartTime = time.Now()

type livenessResponse struct {
	Status    string `json:"status"`
	UptimeSec int64  `json:"uptime_seconds"`
}

// liveness is the "liveness" JSON-RPC method; the GET /liveness route
// proxies into this same function with no params.
func (h *handlers) liveness(_ http.ResponseWriter, _ *http.Request, _ json.RawMessage) (any, error) {
	return livenessResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(serverStartTime).Seconds()),
	}, nil
}

type getBlockhashResponse struct {
	Blockhash string `json:"blockhash"`
}

func (h *handlers) getBlockhash(_ http.ResponseWriter, r *http.Request, _ json.RawMessage) (any, error) {
	hash, err := h.cache.GetLatestBlockhash(r.Context())
	if err != nil {
		return nil, err
	}
	return getBlockhashResponse{Blockhash: hash.String()}, nil
}

type getConfigResponse struct {
	FeePayerPubkey     string   `json:"fee_payer_pubkey"`
	MaxAllowedLamports uint64   `json:"max_allowed_lamports"`
	AllowedPrograms    []string `json:"allowed_programs"`
	AllowSOLTransfers  bool     `json:"allow_sol_transfers"`
	AllowSPLTransfers  bool     `json:"allow_spl_transfers"`
	UsageLimitEnabled  bool     `json:"usage_limit_enabled"`
	LighthouseEnabled  bool     `json:"lighthouse_enabled"`
}

func (h *handlers) getConfig(_ http.ResponseWriter, _ *http.Request, _ json.RawMessage) (any, error) {
	v := h.cfg.Validation
	return getConfigResponse{
		FeePayerPubkey:     v.FeePayerPubkey,
		MaxAllowedLamports: v.MaxAllowedLamports,
		AllowedPrograms:    v.AllowedPrograms,
		AllowSOLTransfers:  v.AllowSOLTransfers,
		AllowSPLTransfers:  v.AllowSPLTransfers,
		UsageLimitEnabled:  h.cfg.UsageLimit.Enabled,
		LighthouseEnabled:  h.cfg.Lighthouse.Enabled,
	}, nil
}

type supportedToken struct {
	Mint        string `json:"mint"`
	Symbol      string `json:"symbol"`
	PriceSource string `json:"price_source"`
}

type getSupportedTokensResponse struct {
	Tokens []supportedToken `json:"tokens"`
}

func (h *handlers) getSupportedTokens(_ http.ResponseWriter, _ *http.Request, _ json.RawMessage) (any, error) {
	tokens := make([]supportedToken, 0, len(h.cfg.Tokens.AcceptedMints))
	for _, t := range h.cfg.Tokens.AcceptedMints {
		tokens = append(tokens, supportedToken{Mint: t.Mint, Symbol: t.Symbol, PriceSource: t.PriceSource})
	}
	return getSupportedTokensResponse{Tokens: tokens}, nil
}

type payerSignerInfo struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	Weight    uint32 `json:"weight"`
	Successes uint64 `json:"successes"`
	Errors    uint64 `json:"errors"`
}

type getPayerSignerResponse struct {
	Signers []payerSignerInfo `json:"signers"`
}

func (h *handlers) getPayerSigner(_ http.ResponseWriter, _ *http.Request, _ json.RawMessage) (any, error) {
	infos := h.signers.List()
	out := make([]payerSignerInfo, len(infos))
	for i, info := range infos {
		out[i] = payerSignerInfo{
			Name:      info.Name,
			PublicKey: info.PublicKey.String(),
			Weight:    info.Weight,
			Successes: info.Successes,
			Errors:    info.Errors,
		}
	}
	return getPayerSignerResponse{Signers: out}, nil
}

// transferTransactionRequest and response mirror the deprecated
// transferTransaction method: kept for backward compatibility, superseded
// by building a payment instruction client-side against getSupportedTokens
// and getPayerSigner.
type transferTransactionRequest struct {
	Amount      uint64  `json:"amount"`
	Token       string  `json:"token"`
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	SignerKey   *string `json:"signer_key,omitempty"`
}

type transferTransactionResponse struct {
	Transaction  string `json:"transaction"`
	Message      string `json:"message"`
	Blockhash    string `json:"blockhash"`
	SignerPubkey string `json:"signer_pubkey"`
}

const nativeSOL = "SOL"

// transferTransaction builds an unsigned transfer transaction with Kora as
// fee payer; the caller must sign and submit it separately. Deprecated in
// favor of constructing a payment instruction directly against the
// accepted-token list.
func (h *handlers) transferTransaction(_ http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var req transferTransactionRequest
	if err := decodeParams(raw, &req); err != nil {
		return nil, err
	}

	source, err := solana.PublicKeyFromBase58(req.Source)
	if err != nil {
		return nil, kerr.ValidationError("invalid source address")
	}
	destination, err := solana.PublicKeyFromBase58(req.Destination)
	if err != nil {
		return nil, kerr.ValidationError("invalid destination address")
	}

	signerKey, err := (transactionRequest{SignerKey: req.SignerKey}).signerKey()
	if err != nil {
		return nil, err
	}
	signer, err := h.selectSigner(signerKey)
	if err != nil {
		return nil, err
	}
	feePayer := signer.Signer.PublicKey()

	if h.isDisallowedAccount(source) || h.isDisallowedAccount(destination) {
		return nil, kerr.InvalidTransaction("source or destination account is disallowed")
	}

	var instructions []solana.Instruction
	if req.Token == nativeSOL {
		instructions = append(instructions, system.NewTransferInstruction(req.Amount, source, destination).Build())
	} else {
		mint, err := solana.PublicKeyFromBase58(req.Token)
		if err != nil {
			return nil, kerr.ValidationError("invalid token mint address")
		}
		decimals, err := h.mintDecimals(r.Context(), mint)
		if err != nil {
			return nil, err
		}

		sourceATA, _, err := solana.FindAssociatedTokenAddress(source, mint)
		if err != nil {
			return nil, kerr.Internal("derive source associated token account")
		}
		destATA, _, err := solana.FindAssociatedTokenAddress(destination, mint)
		if err != nil {
			return nil, kerr.Internal("derive destination associated token account")
		}

		if _, err := h.cache.GetAccount(r.Context(), sourceATA); err != nil {
			return nil, kerr.AccountNotFound(sourceATA.String())
		}
		if _, err := h.cache.GetAccount(r.Context(), destATA); err != nil {
			instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(feePayer, destination, mint).Build())
		}

		instructions = append(instructions, token.NewTransferCheckedInstruction(
			req.Amount, decimals, sourceATA, mint, destATA, source, nil,
		).Build())
	}

	blockhash, err := h.cache.GetLatestBlockhash(r.Context())
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, kerr.Wrap(kerr.ErrCodeInvalidTransaction, err)
	}

	encodedTx, err := encodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, kerr.Serialization(err)
	}

	return transferTransactionResponse{
		Transaction:  encodedTx,
		Message:      base64Encode(messageBytes),
		Blockhash:    blockhash.String(),
		SignerPubkey: feePayer.String(),
	}, nil
}
