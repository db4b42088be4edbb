// Package rpc serves the ledger over JSON-RPC 2.0.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"dexcrow/core"
	"dexcrow/observability"
	telemetry "dexcrow/observability/otel"
)

const (
	defaultMaxBodyBytes = 1 << 20 // 1 MiB
	defaultTxSeenTTL    = 15 * time.Minute
	requestIDHeader     = "X-Request-ID"
)

// Config controls the HTTP surface.
type Config struct {
	MaxBodyBytes int64         `toml:"MaxBodyBytes"`
	TxSeenTTL    time.Duration `toml:"TxSeenTTL"`
	Auth         AuthConfig    `toml:"Auth"`
	RateLimit    RateLimit     `toml:"RateLimit"`
}

type Server struct {
	ledger  *core.Ledger
	logger  *slog.Logger
	auth    *authenticator
	limiter *rateLimiter
	maxBody int64
	seenTTL time.Duration
	reads   map[string]readHandler

	mu     sync.Mutex
	txSeen map[common.Hash]time.Time
	now    func() time.Time
}

func NewServer(ledger *core.Ledger, cfg Config, logger *slog.Logger) (*Server, error) {
	if ledger == nil {
		return nil, errors.New("rpc: ledger required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ledger:  ledger,
		logger:  logger,
		auth:    auth,
		limiter: newRateLimiter(cfg.RateLimit),
		maxBody: cfg.MaxBodyBytes,
		seenTTL: cfg.TxSeenTTL,
		txSeen:  make(map[common.Hash]time.Time),
		now:     time.Now,
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}
	if s.seenTTL <= 0 {
		s.seenTTL = defaultTxSeenTTL
	}
	s.reads = s.readHandlers()
	return s, nil
}

// Handler returns the router: JSON-RPC on POST /, plus /healthz and
// /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("json-rpc listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type requestIDKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := ""
	defer func() {
		observability.RPC().Observe(method, rec.status, time.Since(start))
	}()

	reader := http.MaxBytesReader(rec, r.Body, s.maxBody)
	defer func() { _ = reader.Close() }()
	rec.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.maxBody)
		}
		writeError(rec, status, nil, codeInvalidRequest, message, nil)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(rec, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}
	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(rec, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(rec, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(rec, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	method = req.Method

	ctx, span := telemetry.StartSpan(r.Context(), "rpc."+req.Method,
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.request_id", requestIDFrom(r.Context())),
	)
	defer func() {
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusBadRequest {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		span.End()
	}()
	r = r.WithContext(ctx)

	if req.Method == "dexcrow_sendTransaction" {
		s.handleSendTransaction(rec, r, req)
		return
	}
	read, ok := s.reads[req.Method]
	if !ok {
		writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	result, err := read(r.Context(), req.Params)
	if err != nil {
		var perr *paramError
		if errors.As(err, &perr) {
			writeError(rec, http.StatusBadRequest, req.ID, codeInvalidParams, perr.Error(), nil)
			return
		}
		writeCallError(rec, req.ID, err, nil)
		return
	}
	writeResult(rec, req.ID, result)
}
