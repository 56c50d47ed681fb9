// Package jito submits signed transaction bundles to a Jito block engine's
// sendBundle JSON-RPC endpoint for atomic landing, used by
// signAndSendBundle.
package jito

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/httputil"
	"github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// MockBlockEngineURL configures the in-process mock client instead of
// dialing out to a real block engine.
const MockBlockEngineURL = "mock"

// blockEngineTimeout bounds a single sendBundle round trip.
const blockEngineTimeout = 10 * time.Second

// Client submits bundles to Jito and returns the block engine's bundle id;
// it does not track whether a bundle landed.
type Client interface {
	SendBundle(ctx context.Context, signed []*solana.Transaction) (string, error)
}

// New dispatches to a live client against blockEngineURL, or the mock
// client when blockEngineURL is MockBlockEngineURL.
func New(blockEngineURL string) Client {
	if blockEngineURL == MockBlockEngineURL {
		return mockClient{}
	}
	return &liveClient{
		client:  resty.NewWithClient(httputil.NewClient(blockEngineTimeout)),
		baseURL: blockEngineURL,
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonRPCResponse struct {
	Result any `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// liveClient posts a sendBundle JSON-RPC call to a real Jito block engine.
type liveClient struct {
	client  *resty.Client
	baseURL string
}

func (c *liveClient) SendBundle(ctx context.Context, signed []*solana.Transaction) (string, error) {
	encoded := make([]string, len(signed))
	for i, tx := range signed {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return "", kerr.Serialization(fmt.Errorf("marshal bundle transaction %d: %w", i, err))
		}
		encoded[i] = base64.StdEncoding.EncodeToString(raw)
	}

	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "sendBundle",
		Params:  []any{encoded, map[string]string{"encoding": "base64"}},
	}

	var rpcResp jsonRPCResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&rpcResp).
		Post(c.baseURL + "/api/v1/bundles")
	if err != nil {
		return "", kerr.RPC(fmt.Errorf("jito sendBundle request: %w", err))
	}
	if resp.IsError() {
		return "", kerr.Newf(kerr.ErrCodeRPCError, "jito block engine returned status %d", resp.StatusCode())
	}
	if rpcResp.Error != nil {
		return "", kerr.Newf(kerr.ErrCodeRPCError, "jito bundle rejected: %s", rpcResp.Error.Message)
	}

	bundleID, ok := rpcResp.Result.(string)
	if !ok || bundleID == "" {
		return "", kerr.New(kerr.ErrCodeRPCError, "jito block engine returned no bundle id")
	}
	return bundleID, nil
}

// mockClient returns a synthetic bundle UUID without any network call, for
// local development and deployments without Jito access.
type mockClient struct{}

func (mockClient) SendBundle(_ context.Context, _ []*solana.Transaction) (string, error) {
	return "mock-bundle-" + uuid.NewString(), nil
}
