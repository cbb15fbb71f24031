package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/approvals"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/audit"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/auth"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/counters"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/dedupe"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/eventbus"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/gateway"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/httpx"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/metrics"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/policy"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/store"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/stream"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/telemetry"
)

// mutationGateway is what the HTTP layer needs from the decision engine.
// *gateway.Gateway implements it.
type mutationGateway interface {
	Evaluate(ctx context.Context, req models.MutationRequest) (models.Decision, error)
	CompleteSuccess(ctx context.Context, ticketID, resultSummary string) error
	CompleteFailure(ctx context.Context, ticketID, errorMessage string) error
	Status(ctx context.Context, tool string) (models.PolicySnapshot, error)
	ReloadPolicy(path string) error
	SweepOnce(ctx context.Context) (int64, error)
	SweepLoop(ctx context.Context, interval time.Duration)
}

// auditReader serves correlation-id lookups. *audit.Log implements it.
type auditReader interface {
	Get(ctx context.Context, correlationID string) (models.AuditRecord, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type Server struct {
	Gateway             mutationGateway
	Audit               auditReader
	DB                  gatewayDB
	Events              *stream.Hub
	Metrics             *metrics.Registry
	AuthMode            string
	AuthSecret          string
	PolicyPath          string
	MaxRequestBodyBytes int64
	SweepInterval       time.Duration
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.Gateway.SweepLoop(context.Background(), s.SweepInterval)
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory dedupe cache: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	policyPath := env("POLICY_FILE", "policy.yaml")
	set, err := policy.Load(policyPath)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	log.Printf("policy loaded from %s: %d rules, enforce=%v", policyPath, len(set.Rules), set.Enforce)

	var ctrs counters.Store
	switch backend := env("COUNTER_BACKEND", "postgres"); backend {
	case "postgres":
		ctrs = counters.NewPostgres(pool)
	case "redis":
		if redisClient == nil {
			return errors.New("COUNTER_BACKEND=redis requires a reachable redis")
		}
		ctrs = counters.NewRedis(redisClient)
	default:
		return fmt.Errorf("unknown COUNTER_BACKEND %q", backend)
	}

	auditLog := audit.NewLog(pool)
	window := dedupe.New(cache, envDurationSec("DEDUPE_FAST_TTL_SEC", 30))
	gw := gateway.New(policy.NewSource(set), ctrs, auditLog, window, approvals.NewPostgres(pool))
	gw.DurableWindow = envDurationSec("DEDUPE_DURABLE_WINDOW_SEC", 300)
	gw.StaleAfter = envDurationSec("AUDIT_STALE_AFTER_SEC", 180)
	gw.Hub = stream.NewHub()
	gw.Metrics = metrics.NewRegistry()

	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		pub, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_DECISION_TOPIC", "gateway.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		gw.Events = pub
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Gateway:             gw,
		Audit:               auditLog,
		DB:                  pool,
		Events:              gw.Hub,
		Metrics:             gw.Metrics,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		PolicyPath:          policyPath,
		MaxRequestBodyBytes: maxRequestBodyBytes,
		SweepInterval:       envDurationSec("AUDIT_SWEEP_INTERVAL_SEC", 60),
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/mutations/evaluate", s.withRoles(s.handleEvaluate, "operator"))
	authRouter.Post("/v1/mutations/{ticket_id}/success", s.withRoles(s.handleCompleteSuccess, "operator"))
	authRouter.Post("/v1/mutations/{ticket_id}/failure", s.withRoles(s.handleCompleteFailure, "operator"))
	authRouter.Get("/v1/policy/status", s.withRoles(s.handlePolicyStatus, "operator", "auditor"))
	authRouter.Post("/v1/policy/reload", s.withRoles(s.handlePolicyReload, "operator"))
	authRouter.Post("/v1/audit/sweep", s.withRoles(s.handleSweepNow, "operator"))
	authRouter.Get("/v1/audit/{correlation_id}", s.withRoles(s.handleAuditGet, "operator", "auditor"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "auditor"))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var auditPending int
	var auditOldest float64
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(EXTRACT(EPOCH FROM (now() - created_at))), 0)
		FROM audit_records WHERE status = 'pending'
	`).Scan(&auditPending, &auditOldest)
	s.Metrics.SetGauge("audit_pending", float64(auditPending))
	s.Metrics.SetGauge("audit_pending_oldest_seconds", auditOldest)
	var approvalsPending int
	var approvalsOldest float64
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(EXTRACT(EPOCH FROM (now() - created_at))), 0)
		FROM approval_queue WHERE status = 'pending'
	`).Scan(&approvalsPending, &approvalsOldest)
	s.Metrics.SetGauge("approvals_pending", float64(approvalsPending))
	s.Metrics.SetGauge("approvals_pending_oldest_seconds", approvalsOldest)
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
