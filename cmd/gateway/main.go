package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/shlokDS16/Privacy-guard/pkg/config"
	"github.com/shlokDS16/Privacy-guard/pkg/eventbus"
	"github.com/shlokDS16/Privacy-guard/pkg/gateway"
	"github.com/shlokDS16/Privacy-guard/pkg/hardening"
	"github.com/shlokDS16/Privacy-guard/pkg/httpx"
	"github.com/shlokDS16/Privacy-guard/pkg/metrics"
	"github.com/shlokDS16/Privacy-guard/pkg/models"
	"github.com/shlokDS16/Privacy-guard/pkg/ratelimit"
	"github.com/shlokDS16/Privacy-guard/pkg/receipt"
	"github.com/shlokDS16/Privacy-guard/pkg/riskengine"
	"github.com/shlokDS16/Privacy-guard/pkg/store"
	"github.com/shlokDS16/Privacy-guard/pkg/stream"
	"github.com/shlokDS16/Privacy-guard/pkg/telemetry"
)

// Server holds everything one HTTP request needs: the orchestrator, the
// ambient demo-policy default, and the cross-cutting collaborators
// (metrics, rate limiter, event stream, event bus) wired once at
// startup rather than rebuilt per request.
type Server struct {
	Orchestrator    *gateway.Orchestrator
	PolicyDefaults  config.PolicyDefaults
	Metrics         *metrics.Registry
	RateLimiter     ratelimit.Limiter
	RateLimitPerMin int
	Events          *stream.Hub
	Bus             *eventbus.Producer
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run() error {
	ctx := context.Background()
	cfg := config.FromEnv()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            cfg.ServiceName,
		Environment:        envOrEmpty("ENVIRONMENT"),
		StrictProdSecurity: envOrEmpty("STRICT_PROD_SECURITY"),
		DatabaseRequireTLS: envOrEmpty("DATABASE_REQUIRE_TLS"),
		RedisAddr:          envOrEmpty("REDIS_ADDR"),
		RedisRequireTLS:    envOrEmpty("REDIS_REQUIRE_TLS"),
		CORSAllowedOrigins: envOrEmpty("CORS_ALLOWED_ORIGINS"),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "PG_SIGNING_SEED", Value: envOrEmpty("PG_SIGNING_SEED")},
		},
	}); err != nil {
		return fmt.Errorf("hardening: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	var redisClient *redis.Client
	if rc, err := store.NewRedis(ctx); err != nil {
		log.Printf("redis unavailable, falling back to in-memory rate limiting: %v", err)
	} else {
		redisClient = rc
		defer redisClient.Close()
	}

	var bus *eventbus.Producer
	if cfg.KafkaEnabled {
		b, err := eventbus.NewProducer(eventbus.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Printf("eventbus disabled: %v", err)
		} else {
			bus = b
			defer bus.Close()
		}
	}

	s := newServer(ctx, pool, redisClient, cfg, bus)

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(""))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(cfg.ServiceName))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/v1/analyze", s.handleAnalyze)
	r.Post("/v1/execute", s.handleExecute)
	r.Post("/v1/verify", s.handleVerify)
	r.Get("/v1/stream", s.handleStream)

	log.Printf("gateway listening on %s", cfg.HTTPAddr)
	return http.ListenAndServe(cfg.HTTPAddr, r)
}

func newServer(ctx context.Context, pool *pgxpool.Pool, redisClient *redis.Client, cfg config.Config, bus *eventbus.Producer) *Server {
	evaluator := store.NewPostgresEvaluator(pool)
	risk := riskengine.New(evaluator)
	signer := receipt.NewSignerFromEnv()
	cache := store.NewCache(ctx, redisClient)
	orch := gateway.New(risk, evaluator, receipt.New(signer, receipt.NewChain()), cache)

	var limiter ratelimit.Limiter
	window := time.Minute
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, window)
	} else {
		limiter = ratelimit.NewInMemory(window)
	}

	return &Server{
		Orchestrator:    orch,
		PolicyDefaults:  config.PolicyFromEnv(),
		Metrics:         metrics.NewRegistry(),
		RateLimiter:     limiter,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Events:          stream.NewHub(),
		Bus:             bus,
	}
}

func (s *Server) policy() models.Policy {
	return models.NormalizePolicy(models.Policy{
		KMin:                s.PolicyDefaults.KMin,
		LMin:                s.PolicyDefaults.LMin,
		EnableDropPredicate: s.PolicyDefaults.EnableDropPredicate,
	})
}

func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if s.RateLimiter == nil || s.RateLimitPerMin <= 0 {
		return true
	}
	key := "gateway:" + clientIP(r)
	decision := s.RateLimiter.Allow(key, s.RateLimitPerMin)
	if decision.Allowed {
		return true
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(decision.ResetAt).Seconds())))
	httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

type analyzeRequest struct {
	SQL string `json:"sql"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r) {
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result := s.Orchestrator.Analyze(r.Context(), req.SQL, s.policy())
	s.Metrics.IncDecision(result.Analysis.Decision)
	s.Metrics.IncRiskLevel(result.Analysis.RiskLevel)
	for _, f := range result.Analysis.Factors {
		s.Metrics.IncFactor(f.Code)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"analysis":             result.Analysis,
		"suggested_rewrite_sql": result.SuggestedRewriteSQL,
		"applied_rules":        result.AppliedRules,
	})
}

type executeRequest struct {
	SQL           string `json:"sql"`
	AcceptRewrite bool   `json:"accept_rewrite"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r) {
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.Orchestrator.Execute(r.Context(), req.SQL, req.AcceptRewrite, s.policy())
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.Metrics.IncDecision(result.Analysis.Decision)
	s.Metrics.IncRiskLevel(result.Analysis.RiskLevel)
	for _, f := range result.Analysis.Factors {
		s.Metrics.IncFactor(f.Code)
	}
	if result.Receipt != nil {
		s.Metrics.IncReceiptsIssued()
		for _, rule := range result.Receipt.Rewrite.AppliedRules {
			s.Metrics.IncAppliedRule(rule)
		}
		s.Events.Publish(stream.NewEvent("receipt_issued", result.Receipt))
		if s.Bus != nil {
			_ = s.Bus.PublishReceiptIssued(r.Context(), eventbus.ReceiptIssuedFromReceipt(*result.Receipt))
		}
	}
	status := http.StatusOK
	if result.Status != gateway.StatusOK {
		status = http.StatusForbidden
	}
	httpx.WriteJSON(w, status, map[string]interface{}{
		"status":    result.Status,
		"reason":    result.Reason,
		"final_sql": result.FinalSQL,
		"result":    result.Result,
		"receipt":   result.Receipt,
		"analysis":  result.Analysis,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req models.Receipt
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	started := time.Now()
	result := s.Orchestrator.Verify(req)
	s.Metrics.ObserveVerifyLatency(time.Since(started))
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		endpoint := r.Method + " " + r.URL.Path
		s.Metrics.Observe(endpoint, rec.status, time.Since(started))
		s.Metrics.ObserveLatency(endpoint, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func envOrEmpty(key string) string {
	return os.Getenv(key)
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// requestIDMiddleware stamps every request with a decision-tracing ID,
// echoed back so a caller can correlate a receipt with the request that
// produced it in logs and traces.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if strings.TrimSpace(id) == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
