package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/kora-server/internal/apikey"
	"github.com/CedrosPay/kora-server/internal/bundle"
	"github.com/CedrosPay/kora-server/internal/cacherpc"
	"github.com/CedrosPay/kora-server/internal/config"
	"github.com/CedrosPay/kora-server/internal/jito"
	"github.com/CedrosPay/kora-server/internal/logger"
	"github.com/CedrosPay/kora-server/internal/metrics"
	"github.com/CedrosPay/kora-server/internal/oracle"
	"github.com/CedrosPay/kora-server/internal/pipeline"
	"github.com/CedrosPay/kora-server/internal/ratelimit"
	"github.com/CedrosPay/kora-server/internal/signerpool"
	"github.com/CedrosPay/kora-server/internal/versioning"
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

// handlers holds every dependency the JSON-RPC method table closes over.
type handlers struct {
	cfg             *config.Config
	pipeline        *pipeline.Processor
	bundleProcessor *bundle.Processor
	jito            jito.Client
	signers         *signerpool.Pool
	cache           *cacherpc.Facade
	prices          oracle.PriceOracle
	metrics         *metrics.Metrics
	logger          zerolog.Logger
}

// New builds the HTTP server with its JSON-RPC router configured.
func New(
	cfg *config.Config,
	pipelineProc *pipeline.Processor,
	bundleProc *bundle.Processor,
	jitoClient jito.Client,
	signers *signerpool.Pool,
	cache *cacherpc.Facade,
	prices oracle.PriceOracle,
	metricsCollector *metrics.Metrics,
	appLogger zerolog.Logger,
) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:             cfg,
			pipeline:        pipelineProc,
			bundleProcessor: bundleProc,
			jito:            jitoClient,
			signers:         signers,
			cache:           cache,
			prices:          prices,
			metrics:         metricsCollector,
			logger:          appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, pipelineProc, bundleProc, jitoClient, signers, cache, prices, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches Kora's JSON-RPC routes to an existing router.
func ConfigureRouter(
	router chi.Router,
	cfg *config.Config,
	pipelineProc *pipeline.Processor,
	bundleProc *bundle.Processor,
	jitoClient jito.Client,
	signers *signerpool.Pool,
	cache *cacherpc.Facade,
	prices oracle.PriceOracle,
	metricsCollector *metrics.Metrics,
	appLogger zerolog.Logger,
) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:             cfg,
		pipeline:        pipelineProc,
		bundleProcessor: bundleProc,
		jito:            jitoClient,
		signers:         signers,
		cache:           cache,
		prices:          prices,
		metrics:         metricsCollector,
		logger:          appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "x-api-key", "x-hmac-signature", "x-timestamp", "x-recaptcha-token"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	} else {
		router.Use(cors.AllowAll().Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		APIKeys: make(map[string]apikey.Tier),
	}
	for key, tierStr := range cfg.APIKey.Keys {
		apiKeyCfg.APIKeys[key] = apikey.Tier(tierStr)
	}
	router.Use(apikey.Middleware(apiKeyCfg))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:    cfg.RateLimit.GlobalEnabled,
		GlobalLimit:      cfg.RateLimit.GlobalLimit,
		GlobalWindow:     cfg.RateLimit.GlobalWindow.Duration,
		GlobalBurst:      cfg.RateLimit.GlobalLimit / 10,
		PerWalletEnabled: cfg.RateLimit.PerWalletEnabled,
		PerWalletLimit:   cfg.RateLimit.PerWalletLimit,
		PerWalletWindow:  cfg.RateLimit.PerWalletWindow.Duration,
		PerWalletBurst:   cfg.RateLimit.PerWalletLimit / 6,
		PerIPEnabled:     cfg.RateLimit.PerIPEnabled,
		PerIPLimit:       cfg.RateLimit.PerIPLimit,
		PerIPWindow:      cfg.RateLimit.PerIPWindow.Duration,
		PerIPBurst:       cfg.RateLimit.PerIPLimit / 6,
		Metrics:          metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.WalletLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight group: liveness and metrics, 5s timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/liveness", handler.handleLiveness)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// JSON-RPC group: every signing/read method shares one POST endpoint,
	// 60s timeout for blockchain-bound work (simulation, RPC round trips).
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(versioning.Negotiation)
		r.Post(prefix+"/", handler.handleRPC)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
