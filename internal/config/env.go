package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use a KORA_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "KORA_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "KORA_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "KORA_ADMIN_METRICS_API_KEY")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	setIfEnv(&c.Logging.Level, "KORA_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "KORA_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "KORA_ENVIRONMENT")

	setIfEnv(&c.Solana.RPCURL, "KORA_RPC_URL")
	setIfEnv(&c.Solana.WSURL, "KORA_WS_URL")
	setIfEnv(&c.Solana.Commitment, "KORA_COMMITMENT")

	setIfEnv(&c.Validation.FeePayerPubkey, "KORA_FEE_PAYER_PUBKEY")
	setUint64IfEnv(&c.Validation.MaxAllowedLamports, "KORA_MAX_ALLOWED_LAMPORTS")
	setBoolIfEnv(&c.Validation.AllowSOLTransfers, "KORA_ALLOW_SOL_TRANSFERS")
	setBoolIfEnv(&c.Validation.AllowSPLTransfers, "KORA_ALLOW_SPL_TRANSFERS")
	setBoolIfEnv(&c.Validation.AllowToken2022Transfers, "KORA_ALLOW_TOKEN2022_TRANSFERS")

	setBoolIfEnv(&c.UsageLimit.Enabled, "KORA_USAGE_LIMIT_ENABLED")
	setBoolIfEnv(&c.UsageLimit.FallbackIfUnavailable, "KORA_USAGE_LIMIT_FALLBACK_IF_UNAVAILABLE")

	setBoolIfEnv(&c.Privacy.Enabled, "KORA_PRIVACY_ENABLED")
	setBoolIfEnv(&c.Lighthouse.Enabled, "KORA_LIGHTHOUSE_ENABLED")
	setBoolIfEnv(&c.Lighthouse.FailIfTransactionSizeOverflow, "KORA_LIGHTHOUSE_FAIL_ON_OVERFLOW")

	setDurationIfEnv(&c.Cache.AccountTTL, "KORA_CACHE_ACCOUNT_TTL")
	setDurationIfEnv(&c.Cache.BlockhashTTL, "KORA_CACHE_BLOCKHASH_TTL")
	setDurationIfEnv(&c.Cache.LookupTableTTL, "KORA_CACHE_LOOKUP_TABLE_TTL")

	setIfEnv(&c.Oracle.JupiterBaseURL, "KORA_ORACLE_JUPITER_BASE_URL")
	setDurationIfEnv(&c.Oracle.RequestTimeout, "KORA_ORACLE_REQUEST_TIMEOUT")

	setBoolIfEnv(&c.APIKey.Enabled, "KORA_API_KEY_ENABLED")
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "KORA_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "KORA_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		key := strings.ToLower(name)
		tier := strings.TrimSpace(parts[1])
		c.APIKey.Keys[key] = tier
	}

	setBoolIfEnv(&c.Metrics.Enabled, "KORA_METRICS_ENABLED")

	setIfEnv(&c.Jito.BlockEngineURL, "KORA_JITO_BLOCK_ENGINE_URL")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setUint64IfEnv sets a uint64 pointer from an environment variable.
func setUint64IfEnv(target *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
