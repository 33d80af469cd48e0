package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/genai-gateway/config"
	"github.com/vnmchuo/genai-gateway/internal/access"
	"github.com/vnmchuo/genai-gateway/internal/auth"
	"github.com/vnmchuo/genai-gateway/internal/billing"
	"github.com/vnmchuo/genai-gateway/internal/gateway"
	"github.com/vnmchuo/genai-gateway/internal/logger"
	"github.com/vnmchuo/genai-gateway/internal/provider"
	"github.com/vnmchuo/genai-gateway/internal/provider/azure"
	"github.com/vnmchuo/genai-gateway/internal/provider/ionos"
	"github.com/vnmchuo/genai-gateway/internal/provider/openai"
	"github.com/vnmchuo/genai-gateway/internal/provider/vertex"
	"github.com/vnmchuo/genai-gateway/internal/proxy"
	"github.com/vnmchuo/genai-gateway/internal/telemetry"
	"github.com/vnmchuo/genai-gateway/internal/tokenizer"
)

const serviceName = "genai-gateway"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, log)
	if err != nil {
		log.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal("failed to ping postgres", zap.Error(err))
	}
	log.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to ping redis", zap.Error(err))
	}
	log.Info("Redis connected")

	// 5. Init auth and the usage ledger
	authMiddleware := auth.NewMiddleware(auth.NewPostgresStore(pool), rdb, cfg.AuthCacheTTL, log)
	ledger := billing.NewPostgresStore(pool)

	// 6. Init providers
	tok, err := tokenizer.NewTiktoken(cfg.TokenizerEncoding)
	if err != nil {
		log.Fatal("failed to load tokenizer", zap.Error(err))
	}
	estimator := tokenizer.NewEstimator(tok)
	httpClient := newUpstreamClient()

	registry := provider.NewRegistry(cfg.BreakerFailureThreshold)

	azureProvider := azure.New(httpClient)
	registry.RegisterText(provider.Azure, azureProvider)
	registry.RegisterImage(provider.Azure, azureProvider)
	registry.RegisterEmbedding(provider.Azure, azureProvider)

	ionosProvider := ionos.New(httpClient, estimator)
	registry.RegisterText(provider.Ionos, ionosProvider)
	registry.RegisterEmbedding(provider.Ionos, ionosProvider)

	openaiProvider := openai.New(httpClient)
	registry.RegisterText(provider.OpenAI, openaiProvider)
	registry.RegisterImage(provider.OpenAI, openaiProvider)
	registry.RegisterEmbedding(provider.OpenAI, openaiProvider)

	registry.RegisterImage(provider.Vertex, vertex.New(httpClient))

	// 7. Init gateway and handler
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	metrics := gateway.NewMetrics(prometheus.DefaultRegisterer)
	gw := gateway.New(ledger, registry, tracer, metrics, log)
	handler := proxy.NewHandler(gw, access.NewQuotaChecker(ledger), ledger, log)

	// 8. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"genai-gateway"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Post("/v1/images/generations", handler.HandleImageGenerations)
		r.Post("/v1/embeddings", handler.HandleEmbeddings)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("GenAI Gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
		return
	}
	log.Info("Server stopped")
}

// newUpstreamClient bounds connection setup and the wait for response headers
// only. Reading a body, streams included, is bounded by the request context.
func newUpstreamClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 60 * time.Second
	return &http.Client{Transport: transport}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("chi_request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
