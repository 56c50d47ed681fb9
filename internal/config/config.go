package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment
// overrides. A .env file in the working directory is loaded first, if
// present, so local development doesn't require exporting signer keys and
// RPC URLs into the shell; a missing .env is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Solana: SolanaConfig{
			Commitment: "confirmed",
		},
		Validation: ValidationConfig{
			MaxAllowedLamports: 1_000_000_000, // 1 SOL
			MaxSignatures:      10,
			AllowSOLTransfers:  true,
			AllowAssign:        false,
			AllowSPLTransfers:  true,
		},
		Signers: SignersConfig{
			Strategy: "round_robin",
		},
		UsageLimit: UsageLimitConfig{
			Enabled:               false,
			FallbackIfUnavailable: true,
		},
		Cache: CacheConfig{
			AccountTTL:     Duration{Duration: 5 * time.Second},
			BlockhashTTL:   Duration{Duration: 5 * time.Second},
			LookupTableTTL: Duration{Duration: 5 * time.Minute},
		},
		Oracle: OracleConfig{
			JupiterBaseURL:    "https://price.jup.ag/v6",
			RetryAttempts:     3,
			RetryBaseInterval: Duration{Duration: 1 * time.Second},
			RequestTimeout:    Duration{Duration: 5 * time.Second},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:    true,
			GlobalLimit:      1000,
			GlobalWindow:     Duration{Duration: 1 * time.Minute},
			PerWalletEnabled: true,
			PerWalletLimit:   60,
			PerWalletWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:     true,
			PerIPLimit:       120,
			PerIPWindow:      Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Enabled: false,
			Keys:    make(map[string]string),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			SolanaRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			PriceOracle: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 15 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
		Metrics: MetricsConfig{Enabled: true},
		Jito:    JitoConfig{BlockEngineURL: "mock"},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
