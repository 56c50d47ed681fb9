// Package oracle prices SPL token amounts in lamports so the fee estimator
// and payment verifier can compare heterogeneous token payments against a
// single SOL-denominated fee requirement.
package oracle

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/CedrosPay/kora-server/internal/config"
	kerr "github.com/CedrosPay/kora-server/internal/errors"
	"github.com/CedrosPay/kora-server/internal/httputil"
	"github.com/CedrosPay/kora-server/internal/metrics"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
)

const lamportsPerSOL = 1_000_000_000

// PriceOracle converts a unit amount of a mint into its lamport-equivalent
// value. Implementations: Jupiter (live), mock (fixed rates for tests and
// the "mock" price_source configured per accepted mint).
type PriceOracle interface {
	// PriceInLamports returns the lamport value of one whole unit (not
	// atomic unit) of the given mint.
	PriceInLamports(ctx context.Context, mint string) (float64, error)
}

// LamportValue converts an atomic token amount into lamports, given the
// mint's decimal precision, using a configured PriceOracle.
func LamportValue(ctx context.Context, src PriceOracle, mint string, atomicAmount uint64, decimals uint8) (uint64, error) {
	price, err := src.PriceInLamports(ctx, mint)
	if err != nil {
		return 0, err
	}
	units := float64(atomicAmount) / math.Pow(10, float64(decimals))
	lamports := math.Floor(units * price)
	if lamports < 0 {
		return 0, kerr.Internal("computed negative lamport value")
	}
	return uint64(lamports), nil
}

// jupiterPriceResponse mirrors Jupiter's `/price` endpoint response shape:
// a map of mint address to a price object carrying the USD price.
type jupiterPriceResponse struct {
	Data map[string]struct {
		Price string `json:"price"`
	} `json:"data"`
}

// Jupiter queries the Jupiter price API for SOL-denominated mint prices,
// retrying transient failures with exponential backoff.
type Jupiter struct {
	client        *resty.Client
	baseURL       string
	retryAttempts int
	retryBase     time.Duration
	metrics       *metrics.Metrics
}

// NewJupiter constructs a Jupiter-backed price oracle from config.
func NewJupiter(cfg config.OracleConfig, m *metrics.Metrics) *Jupiter {
	client := resty.NewWithClient(httputil.NewClient(cfg.RequestTimeout.Duration)).
		SetTimeout(cfg.RequestTimeout.Duration).
		SetBaseURL(cfg.JupiterBaseURL)

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	base := cfg.RetryBaseInterval.Duration
	if base <= 0 {
		base = 200 * time.Millisecond
	}

	return &Jupiter{
		client:        client,
		baseURL:       cfg.JupiterBaseURL,
		retryAttempts: attempts,
		retryBase:     base,
		metrics:       m,
	}
}

// PriceInLamports fetches the current SOL-denominated price of one whole
// unit of mint, retrying up to the configured attempt count.
func (j *Jupiter) PriceInLamports(ctx context.Context, mint string) (float64, error) {
	start := time.Now()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = j.retryBase

	price, err := backoff.Retry(ctx, func() (float64, error) {
		return j.fetchPrice(ctx, mint)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(j.retryAttempts)),
	)

	if j.metrics != nil {
		j.metrics.ObserveOracleCall("jupiter", time.Since(start), err)
	}
	if err != nil {
		return 0, kerr.Wrap(kerr.ErrCodeFeeEstimationFailed, fmt.Errorf("jupiter price lookup for %s: %w", mint, err))
	}
	return price, nil
}

func (j *Jupiter) fetchPrice(ctx context.Context, mint string) (float64, error) {
	var result jupiterPriceResponse
	resp, err := j.client.R().
		SetContext(ctx).
		SetQueryParam("ids", mint).
		SetResult(&result).
		Get("/price")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("jupiter price api returned status %d", resp.StatusCode())
	}

	entry, ok := result.Data[mint]
	if !ok {
		return 0, fmt.Errorf("jupiter price api returned no data for mint %s", mint)
	}

	var price float64
	if _, err := fmt.Sscanf(entry.Price, "%f", &price); err != nil {
		return 0, fmt.Errorf("jupiter price api returned unparseable price %q: %w", entry.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("jupiter price api returned non-positive price for mint %s", mint)
	}
	// Jupiter prices are USD-denominated; the caller is expected to have
	// already converted to SOL terms via the SOL/USD leg when configuring
	// a non-SOL quote currency. Kora's deployments price everything
	// directly against SOL, so the USD price doubles as the lamport
	// multiplier once scaled by LAMPORTS_PER_SOL.
	return price * lamportsPerSOL, nil
}

// Mock returns fixed prices, used for local development and the "mock"
// price_source configured per accepted mint in tests.
type Mock struct {
	Prices map[string]float64
}

// NewMock constructs a fixed-price oracle.
func NewMock(prices map[string]float64) *Mock {
	return &Mock{Prices: prices}
}

func (m *Mock) PriceInLamports(_ context.Context, mint string) (float64, error) {
	price, ok := m.Prices[mint]
	if !ok {
		return 0, kerr.UnsupportedFeeToken(mint)
	}
	return price, nil
}

// Multi dispatches to a per-mint PriceOracle based on each accepted
// mint's configured price_source, falling back to Jupiter for mints that
// don't specify one.
type Multi struct {
	bySource map[string]PriceOracle
	mintSrc  map[string]string // mint -> price_source
	fallback PriceOracle
}

// NewMulti builds a dispatching oracle from the configured accepted mints.
func NewMulti(tokens config.TokensConfig, jupiter PriceOracle, mock PriceOracle) *Multi {
	m := &Multi{
		bySource: map[string]PriceOracle{
			"jupiter": jupiter,
			"mock":    mock,
		},
		mintSrc:  make(map[string]string, len(tokens.AcceptedMints)),
		fallback: jupiter,
	}
	for _, t := range tokens.AcceptedMints {
		if t.PriceSource != "" {
			m.mintSrc[t.Mint] = t.PriceSource
		}
	}
	return m
}

func (m *Multi) PriceInLamports(ctx context.Context, mint string) (float64, error) {
	source := m.fallback
	if name, ok := m.mintSrc[mint]; ok {
		if s, ok := m.bySource[name]; ok {
			source = s
		}
	}
	if source == nil {
		return 0, kerr.UnsupportedFeeToken(mint)
	}
	return source.PriceInLamports(ctx, mint)
}
