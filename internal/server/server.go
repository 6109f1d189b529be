package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"sensororacle/internal/assets"
	"sensororacle/internal/config"
	"sensororacle/internal/datapackage"
	"sensororacle/internal/escrow"
	"sensororacle/internal/hmacauth"
	"sensororacle/internal/idempotency"
	"sensororacle/internal/ledger"
	"sensororacle/internal/security"
)

var log = logging.Logger("server")

// Oracle is the operation surface served over HTTP.
type Oracle interface {
	RequestAsset(ctx context.Context, payer string, amount uint64, params datapackage.RequestParams) (uint64, error)
	TransferAsset(ctx context.Context, caller, to string, tokenID uint64, price *uint64) error
	GetAssetMetadata(tokenID uint64) (assets.Asset, error)
	GetPackage(tokenID uint64) (*datapackage.Package, error)
	GetOwnerTokens(owner string) []uint64
	GetTransferHistory(tokenID uint64) ([]assets.TransferRecord, error)

	IsAdmin(caller string) bool
	Initialize(caller, ledgerID string, cfg *security.Config) error
	Initialized() (string, bool)
	SecurityConfig() security.Config
	UpdateSecurityConfig(caller string, cfg security.Config) error
	WithdrawBalance(ctx context.Context, caller, to string, amount uint64) (string, error)
}

var _ Oracle = (*escrow.Orchestrator)(nil)

type Server struct {
	cfg            *config.AppConfig
	oracle         Oracle
	store          idempotency.Store
	hmac           *hmacauth.Verifier
	httpServer     *http.Server
	metrics        *Metrics
	now            func() time.Time
	dbHealthFn     func(context.Context) error
	ledgerHealthFn func(context.Context) error
}

// NewServer wires the routes. svc is only used for health checks and may be
// nil; a nil metrics gets a fresh registry.
func NewServer(cfg *config.AppConfig, oracle Oracle, store idempotency.Store, svc ledger.Service, metrics *Metrics) *Server {
	hmacVerifier := &hmacauth.Verifier{
		Secret:        cfg.Auth.HMACSecret,
		CallerSecrets: cfg.Auth.SecretsByCaller(),
		MaxSkew:       cfg.Service.HMACClockSkew,
		MaxBodyBytes:  cfg.Service.MaxBodyBytes,
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:     cfg,
		oracle:  oracle,
		store:   store,
		hmac:    hmacVerifier,
		metrics: metrics,
		now:     time.Now,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := svc.(ledger.HealthChecker); ok {
		s.ledgerHealthFn = checker.Ping
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/assets", s.handleRequestAsset)
	api.HandleFunc("POST /api/v1/assets/{id}/transfer", s.handleTransferAsset)
	api.HandleFunc("GET /api/v1/assets/{id}", s.handleGetAsset)
	api.HandleFunc("GET /api/v1/assets/{id}/package", s.handleGetPackage)
	api.HandleFunc("GET /api/v1/assets/{id}/history", s.handleGetHistory)
	api.HandleFunc("GET /api/v1/owners/{owner}/assets", s.handleOwnerAssets)
	api.HandleFunc("POST /api/v1/admin/initialize", s.handleInitialize)
	api.HandleFunc("GET /api/v1/admin/security-config", s.handleGetSecurityConfig)
	api.HandleFunc("PUT /api/v1/admin/security-config", s.handleUpdateSecurityConfig)
	api.HandleFunc("POST /api/v1/admin/withdraw", s.handleWithdraw)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", s.hmac.Middleware(api))
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.updateDLQDepth()
	return s
}

// Handler exposes the routed handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	if !s.hmac.Enabled() {
		log.Warnw("request signing disabled, caller ids are trusted as sent")
	}
	log.Infow("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// dlqEntry records a purchase whose refund failed; funds sit in the service
// account until reconciled by hand.
type dlqEntry struct {
	Timestamp      time.Time                 `json:"timestamp"`
	RequestID      string                    `json:"requestId"`
	Caller         string                    `json:"caller"`
	IdempotencyKey string                    `json:"idempotencyKey"`
	Amount         uint64                    `json:"amount"`
	Params         datapackage.RequestParams `json:"params"`
	Cause          string                    `json:"cause"`
	RefundError    string                    `json:"refundError"`
}

func (s *Server) writeDLQ(entry dlqEntry) {
	if s.cfg.Service.DLQPath == "" {
		return
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		log.Errorw("dlq marshal failed", "error", err)
		return
	}

	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		log.Errorw("dlq mkdir failed", "path", s.cfg.Service.DLQPath, "error", err)
		return
	}

	// The request id is client supplied, so it stays inside the entry only.
	filename := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), uuid.NewString())
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.Errorw("dlq write failed", "path", path, "error", err)
	} else {
		log.Warnw("failed refund queued for reconciliation", "path", path, "caller", entry.Caller, "amount", entry.Amount)
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnw("dlq read failed", "path", s.cfg.Service.DLQPath, "error", err)
		}
		return 0
	}
	return len(entries)
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func probe(ctx context.Context, fn func(context.Context) error) dependencyHealth {
	if fn == nil {
		return dependencyHealth{Connected: true}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		return dependencyHealth{Error: err.Error()}
	}
	return dependencyHealth{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ledgerInfo := probe(ctx, s.ledgerHealthFn)
	dbInfo := probe(ctx, s.dbHealthFn)
	ledgerID, initialized := s.oracle.Initialized()
	overallHealthy := ledgerInfo.Connected && dbInfo.Connected

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status      string           `json:"status"`
		Initialized bool             `json:"initialized"`
		LedgerID    string           `json:"ledger_id,omitempty"`
		Ledger      dependencyHealth `json:"ledger"`
		Database    dependencyHealth `json:"database"`
		QueueDepth  int              `json:"queue_depth"`
	}{
		Status:      status,
		Initialized: initialized,
		LedgerID:    ledgerID,
		Ledger:      ledgerInfo,
		Database:    dbInfo,
		QueueDepth:  s.updateDLQDepth(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("response encode failed", "error", err)
	}
}
