package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/logger"
	"github.com/CedrosPay/kora-server/pkg/responders"
)

const jsonRPCVersion = "2.0"

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope; exactly one of Result
// or Error is set.
type rpcResponse struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id"`
	Result  any                `json:"result,omitempty"`
	Error   *kerr.JSONRPCError `json:"error,omitempty"`
}

// rpcMethod handles one JSON-RPC method's params and returns its result.
type rpcMethod func(w http.ResponseWriter, r *http.Request, params json.RawMessage) (any, error)

// rpcDispatch is the full JSON-RPC method table, rebuilt on each call so
// each method closes over the wired processors.
func (h *handlers) rpcDispatch() map[string]rpcMethod {
	return map[string]rpcMethod{
		"liveness":                h.liveness,
		"estimateTransactionFee": h.estimateTransactionFee,
		"signTransaction":        h.signTransaction,
		"signAndSendTransaction": h.signAndSendTransaction,
		"signTransactionIfPaid":  h.signTransactionIfPaid,
		"transferTransaction":    h.transferTransaction,
		"signBundle":             h.signBundle,
		"signAndSendBundle":      h.signAndSendBundle,
		"estimateBundleFee":      h.estimateBundleFee,
		"getBlockhash":           h.getBlockhash,
		"getConfig":              h.getConfig,
		"getSupportedTokens":     h.getSupportedTokens,
		"getPayerSigner":         h.getPayerSigner,
	}
}

// handleRPC serves the single JSON-RPC 2.0 endpoint every method is
// dispatched through. GET /liveness invokes the same liveness method
// directly, without going through dispatch, mirroring the teacher's
// single-endpoint rpc_server topology.
func (h *handlers) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeRPCError(w, nil, kerr.InvalidRequest("malformed JSON-RPC request body"))
		return
	}
	h.dispatch(w, r, req.ID, req.Method, req.Params)
}

// handleLiveness implements the GET-to-JSON-RPC proxy described in
// spec.md's transport section: a plain GET invokes the "liveness" method
// with no params and returns its JSON-RPC result unwrapped.
func (h *handlers) handleLiveness(w http.ResponseWriter, r *http.Request) {
	result, err := h.liveness(w, r, nil)
	if err != nil {
		kerr.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) dispatch(w http.ResponseWriter, r *http.Request, id json.RawMessage, method string, params json.RawMessage) {
	fn, ok := h.rpcDispatch()[method]
	if !ok {
		writeRPCError(w, id, kerr.Newf(kerr.ErrCodeInvalidRequest, "unknown method %q", method))
		return
	}

	log := logger.FromContext(r.Context())
	start := time.Now()

	result, err := fn(w, r, params)
	if err != nil {
		if h.metrics != nil {
			h.metrics.ObserveRequest(method, time.Since(start), classifyForMetrics(err))
		}
		log.Warn().Err(err).Str("method", method).Msg("rpc.error")
		writeRPCError(w, id, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveRequest(method, time.Since(start), "")
	}
	writeRPCResult(w, id, result)
}

func classifyForMetrics(err error) string {
	if kerrVal, ok := kerr.As(err); ok {
		return string(kerrVal.Code)
	}
	return "internal_server_error"
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, err error) {
	jsonErr := kerr.ToJSONRPCError(err)
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &jsonErr})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	responders.JSON(w, status, body)
}

// decodeParams unmarshals a method's params into dest, tolerating an
// absent/null params field since several methods (getConfig, liveness)
// take none.
func decodeParams(raw json.RawMessage, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return kerr.Wrap(kerr.ErrCodeInvalidRequest, err)
	}
	return nil
}
