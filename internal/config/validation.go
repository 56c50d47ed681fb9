package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	switch strings.ToLower(c.Solana.Commitment) {
	case "processed", "confirmed", "finalized":
		c.Solana.Commitment = strings.ToLower(c.Solana.Commitment)
	case "":
		c.Solana.Commitment = "confirmed"
	default:
		c.Solana.Commitment = "confirmed"
	}

	// Auto-derive the websocket endpoint from the RPC URL when not set explicitly,
	// mirroring the x402 transport's rpc->ws derivation.
	if c.Solana.WSURL == "" && c.Solana.RPCURL != "" {
		wsURL, err := deriveWebsocketURL(c.Solana.RPCURL)
		if err == nil {
			c.Solana.WSURL = wsURL
		}
	}

	if c.Signers.Strategy == "" {
		c.Signers.Strategy = "round_robin"
	}

	if c.APIKey.Keys == nil {
		c.APIKey.Keys = make(map[string]string)
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Solana.RPCURL == "" {
		errs = append(errs, "solana.rpc_url is required")
	}

	switch c.Signers.Strategy {
	case "round_robin", "random", "weighted":
	default:
		errs = append(errs, fmt.Sprintf("signers.strategy %q is not one of round_robin, random, weighted", c.Signers.Strategy))
	}
	if len(c.Signers.Signers) == 0 {
		errs = append(errs, "signers.signers must configure at least one backend signer")
	}
	if c.Signers.Strategy == "weighted" {
		for _, s := range c.Signers.Signers {
			if s.Weight == 0 {
				errs = append(errs, fmt.Sprintf("signers.signers[%s].weight must be > 0 when strategy is weighted", s.Name))
			}
		}
	}

	for _, token := range c.Tokens.AcceptedMints {
		if token.Mint == "" {
			errs = append(errs, "tokens.accepted_mints entries must set mint")
		}
	}

	if c.UsageLimit.Enabled && c.UsageLimit.Transaction == nil && len(c.UsageLimit.Instructions) == 0 {
		errs = append(errs, "usage_limit.enabled is true but no transaction or instruction rules are configured")
	}

	if c.Privacy.Enabled && len(c.Privacy.AllowedFeePaymentPrograms) == 0 {
		errs = append(errs, "privacy.enabled is true but allowed_fee_payment_programs is empty")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// deriveWebsocketURL converts an HTTP(S) RPC URL to WS(S) format.
func deriveWebsocketURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("rpc url empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
		return raw, nil
	case "":
		return "", errors.New("rpc url missing scheme")
	default:
		return "", fmt.Errorf("unsupported rpc url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
