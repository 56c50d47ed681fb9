// Command korad runs the Kora fee-payer gateway: a JSON-RPC service that
// validates, estimates, signs, and optionally broadcasts or bundles
// Solana transactions on behalf of wallets that can't or won't hold SOL.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CedrosPay/kora-server/internal/bundle"
	"github.com/CedrosPay/kora-server/internal/cacherpc"
	"github.com/CedrosPay/kora-server/internal/circuitbreaker"
	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/fee"
	"github.com/CedrosPay/kora-server/internal/httpserver"
	"github.com/CedrosPay/kora-server/internal/jito"
	"github.com/CedrosPay/kora-server/internal/lifecycle"
	"github.com/CedrosPay/kora-server/internal/logger"
	"github.com/CedrosPay/kora-server/internal/metrics"
	"github.com/CedrosPay/kora-server/internal/oracle"
	"github.com/CedrosPay/kora-server/internal/pipeline"
	"github.com/CedrosPay/kora-server/internal/policy"
	"github.com/CedrosPay/kora-server/internal/signerpool"
	korasolana "github.com/CedrosPay/kora-server/internal/solana"
	"github.com/CedrosPay/kora-server/internal/usagelimit"
)

func main() {
	configPath := flag.String("config", os.Getenv("KORA_CONFIG_PATH"), "path to the Kora YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "korad",
		Environment: cfg.Logging.Environment,
	})

	lc := lifecycle.NewManager()

	var feePayerPubkey solana.PublicKey
	if cfg.Validation.FeePayerPubkey != "" {
		feePayerPubkey, err = solana.PublicKeyFromBase58(cfg.Validation.FeePayerPubkey)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("korad.invalid_fee_payer_pubkey")
		}
	}

	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)
	rpcClient := rpc.New(cfg.Solana.RPCURL)
	commitment := rpc.CommitmentType(cfg.Solana.Commitment)

	// The collector is always constructed regardless of cfg.Metrics.Enabled;
	// that flag only gates whether /metrics is worth scraping in a given
	// deployment.
	metricsCollector := metrics.New(prometheus.NewRegistry())

	cache := cacherpc.New(rpcClient, commitment, cfg.Cache, breaker, metricsCollector)
	prices := buildOracle(cfg, metricsCollector)

	validator, err := policy.New(feePayerPubkey, cfg.Validation)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("korad.invalid_policy_config")
	}

	estimator := fee.New(rpcClient, metricsCollector)

	signers, err := signerpool.New(cfg.Signers, loadSignerFromEnv)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("korad.signer_pool_init_failed")
	}

	signerKeys := make([]solana.PublicKey, 0, len(signers.List()))
	for _, info := range signers.List() {
		signerKeys = append(signerKeys, info.PublicKey)
	}

	var usageLimiter *usagelimit.Limiter
	if cfg.UsageLimit.Enabled {
		usageLimiter, err = usagelimit.New(cache, cfg.UsageLimit, signerKeys, metricsCollector)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("korad.usage_limit_init_failed")
		}
	}

	accountExtensions := policy.NewToken2022Extensions(cache)

	pipelineProc := pipeline.New(
		cache, validator, accountExtensions, estimator, cache, prices,
		cfg.Tokens, usageLimiter, cfg.Lighthouse, signers, rpcClient, cfg.Privacy,
	)

	// bundle.New takes a fixed payment.Verifier, unlike the pipeline's
	// per-request one, since a bundle's fee payer isn't known until after
	// signer selection inside Process. Passed as nil here: bundle payment
	// verification is left disabled until a deployment pins a fixed
	// payment address for bundles specifically (today's config only
	// provides one on TokensConfig, shared with the single-transaction
	// pipeline).
	bundleProc := bundle.New(cache, validator, accountExtensions, estimator, nil, cache, signers, rpcClient)

	jitoClient := jito.New(cfg.Jito.BlockEngineURL)

	server := httpserver.New(cfg, pipelineProc, bundleProc, jitoClient, signers, cache, prices, metricsCollector, appLogger)
	lc.RegisterFunc("http_server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})

	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("korad.listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal().Err(err).Msg("korad.server_failed")
		}
	}()

	waitForSignal()

	if err := lc.Close(); err != nil {
		appLogger.Error().Err(err).Msg("korad.shutdown_incomplete")
		os.Exit(1)
	}
}

// buildOracle dispatches between a live Jupiter price source and a mock
// source per each accepted token's configured price_source, the same
// routing internal/oracle.Multi performs per request.
func buildOracle(cfg *config.Config, m *metrics.Metrics) oracle.PriceOracle {
	jupiter := oracle.NewJupiter(cfg.Oracle, m)
	mockPrices := make(map[string]float64, len(cfg.Tokens.AcceptedMints))
	for _, t := range cfg.Tokens.AcceptedMints {
		if t.PriceSource == "mock" {
			mockPrices[t.Mint] = 1
		}
	}
	mock := oracle.NewMock(mockPrices)
	return oracle.NewMulti(cfg.Tokens, jupiter, mock)
}

// loadSignerFromEnv reads one backend signer's key material from the
// environment variable its config entry names. Only the memory backend is
// implemented; remote backends (vault/turnkey/privy) are rejected until a
// client for them is wired in.
func loadSignerFromEnv(entry config.SignerEntryConfig) (signerpool.Signer, error) {
	if entry.Backend != "" && entry.Backend != "memory" {
		return nil, kerr.Newf(kerr.ErrCodeInternalServerError, "signer backend %q is not yet supported", entry.Backend)
	}
	raw := os.Getenv(entry.EnvKeyName)
	if raw == "" {
		return nil, kerr.Newf(kerr.ErrCodeInternalServerError, "signer %q: environment variable %q is unset", entry.Name, entry.EnvKeyName)
	}
	key, err := korasolana.ParsePrivateKey(raw)
	if err != nil {
		return nil, kerr.Wrap(kerr.ErrCodeInternalServerError, err)
	}
	return signerpool.NewMemorySigner(key), nil
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
