package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Solana         SolanaConfig         `yaml:"solana"`
	Validation     ValidationConfig     `yaml:"validation"`
	Signers        SignersConfig        `yaml:"signers"`
	Tokens         TokensConfig         `yaml:"tokens"`
	UsageLimit     UsageLimitConfig     `yaml:"usage_limit"`
	Privacy        PrivacyConfig        `yaml:"privacy"`
	Lighthouse     LighthouseConfig     `yaml:"lighthouse"`
	Cache          CacheConfig          `yaml:"cache"`
	Oracle         OracleConfig         `yaml:"oracle"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Jito           JitoConfig           `yaml:"jito"`
}

// ServerConfig holds HTTP server configuration for the JSON-RPC transport.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout         Duration `yaml:"read_timeout"`
	WriteTimeout        Duration `yaml:"write_timeout"`
	IdleTimeout         Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins  []string `yaml:"cors_allowed_origins"`
	RoutePrefix         string   `yaml:"route_prefix"`
	AdminMetricsAPIKey  string   `yaml:"admin_metrics_api_key"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}

// SolanaConfig holds the upstream RPC/WS endpoints Kora resolves, validates,
// estimates fees, and signs against.
type SolanaConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	WSURL      string `yaml:"ws_url"`
	Commitment string `yaml:"commitment"` // processed | confirmed | finalized
}

// ValidationConfig mirrors the policy validator's configured policy (spec §4.2).
type ValidationConfig struct {
	FeePayerPubkey            string   `yaml:"fee_payer_pubkey"`
	MaxAllowedLamports        uint64   `yaml:"max_allowed_lamports"`
	MaxSignatures             int      `yaml:"max_signatures"`
	AllowedPrograms           []string `yaml:"allowed_programs"`   // empty = allow all
	DisallowedAccounts        []string `yaml:"disallowed_accounts"`
	AllowSOLTransfers         bool     `yaml:"allow_sol_transfers"`
	AllowAssign               bool     `yaml:"allow_assign"`
	AllowSPLTransfers         bool     `yaml:"allow_spl_transfers"`
	AllowToken2022Transfers   bool     `yaml:"allow_token2022_transfers"`
	DisallowedMintExtensions  []string `yaml:"disallowed_mint_extensions"`
	DisallowedAccountExtensions []string `yaml:"disallowed_account_extensions"`
}

// SignersConfig configures the signer pool (spec §4.5), grounded in the
// original implementation's SignerPoolConfig shape.
type SignersConfig struct {
	Strategy string              `yaml:"strategy"` // round_robin | random | weighted
	Signers  []SignerEntryConfig `yaml:"signers"`
}

// SignerEntryConfig describes one backend signer entry in the pool.
type SignerEntryConfig struct {
	Name       string `yaml:"name"`
	Backend    string `yaml:"backend"` // memory | vault | turnkey | privy
	Weight     uint32 `yaml:"weight"`
	EnvKeyName string `yaml:"env_key_name"` // env var holding the key material
}

// TokensConfig configures which SPL mints Kora accepts as fee payment and
// where payment must land (spec §4.3 PaymentDestination).
type TokensConfig struct {
	PaymentAddress string        `yaml:"payment_address"` // empty = use selected signer's own pubkey
	AcceptedMints  []TokenConfig `yaml:"accepted_mints"`
}

// TokenConfig describes one accepted fee-payment SPL mint.
type TokenConfig struct {
	Mint        string `yaml:"mint"`
	Symbol      string `yaml:"symbol"`
	PriceSource string `yaml:"price_source"` // jupiter | pyth | mock
}

// UsageLimitConfig configures the per-wallet usage limiter (spec §4.7).
type UsageLimitConfig struct {
	Enabled               bool                     `yaml:"enabled"`
	FallbackIfUnavailable bool                     `yaml:"fallback_if_unavailable"`
	Transaction           *TransactionRuleConfig   `yaml:"transaction"`
	Instructions          []InstructionRuleConfig  `yaml:"instructions"`
}

// TransactionRuleConfig is a per-wallet transaction-count rule.
type TransactionRuleConfig struct {
	Max           uint64 `yaml:"max"`
	WindowSeconds uint64 `yaml:"window_seconds"` // 0 = lifetime
}

// InstructionRuleConfig is a per-wallet (program, instruction-kind) rate rule.
type InstructionRuleConfig struct {
	Program       string `yaml:"program"`
	Instruction   string `yaml:"instruction"`
	Max           uint64 `yaml:"max"`
	WindowSeconds uint64 `yaml:"window_seconds"` // 0 = lifetime
}

// PrivacyConfig configures CPI-origin ("privacy mode") fee payments (spec §4.3).
type PrivacyConfig struct {
	Enabled                   bool     `yaml:"enabled"`
	AllowedFeePaymentPrograms []string `yaml:"allowed_fee_payment_programs"`
}

// LighthouseConfig configures the balance-assertion appender (spec §4.9).
type LighthouseConfig struct {
	Enabled                       bool `yaml:"enabled"`
	FailIfTransactionSizeOverflow bool `yaml:"fail_if_transaction_size_overflow"`
}

// CacheConfig configures the cache/RPC facade's TTLs (spec §4.8).
type CacheConfig struct {
	AccountTTL   Duration `yaml:"account_ttl"`
	BlockhashTTL Duration `yaml:"blockhash_ttl"`
	LookupTableTTL Duration `yaml:"lookup_table_ttl"`
}

// OracleConfig configures the pricing oracle adapter.
type OracleConfig struct {
	JupiterBaseURL    string   `yaml:"jupiter_base_url"`
	RetryAttempts     int      `yaml:"retry_attempts"`
	RetryBaseInterval Duration `yaml:"retry_base_interval"`
	RequestTimeout    Duration `yaml:"request_timeout"`
}

// RateLimitConfig holds transport-level rate limiting configuration,
// applied ahead of the usage limiter (spec §5 backpressure).
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerWalletEnabled bool     `yaml:"per_wallet_enabled"`
	PerWalletLimit   int      `yaml:"per_wallet_limit"`
	PerWalletWindow  Duration `yaml:"per_wallet_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// APIKeyConfig holds API key authentication and tier configuration.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"`
}

// CircuitBreakerConfig holds circuit breaker configuration for Kora's two
// external upstreams: the Solana RPC node and the pricing oracle.
type CircuitBreakerConfig struct {
	Enabled    bool                 `yaml:"enabled"`
	SolanaRPC  BreakerServiceConfig `yaml:"solana_rpc"`
	PriceOracle BreakerServiceConfig `yaml:"price_oracle"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// MetricsConfig toggles Prometheus metrics registration.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// JitoConfig configures bundle submission to Jito's block engine.
// BlockEngineURL == "mock" dispatches to an in-process mock client that
// returns a synthetic bundle UUID instead of calling out to Jito, for local
// development and tests.
type JitoConfig struct {
	BlockEngineURL string `yaml:"block_engine_url"`
}
