package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/avvvet/partsbuddy/internal/handlers"
	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// HealthFunc reports component status for /healthz
type HealthFunc func(ctx context.Context) map[string]string

// HTTPServer exposes the pipeline at /api/chat with health and metrics endpoints
type HTTPServer struct {
	handler ChatProcessor
	health  HealthFunc
	addr    string
	timeout time.Duration
	logger  *zap.Logger
}

func NewHTTPServer(addr string, handler ChatProcessor, health HealthFunc, timeout time.Duration, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		handler: handler,
		health:  health,
		addr:    addr,
		timeout: timeout,
		logger:  logger,
	}
}

// Handler returns the routed mux
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.loggingMiddleware(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *HTTPServer) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.timeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var request models.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{ErrorCode: ErrorParseError, ErrorMessage: "Invalid request format"})
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.handler.ProcessChat(ctx, &request)
	switch {
	case errors.Is(err, handlers.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			SessionID: request.SessionID, ErrorCode: ErrorInvalidRequest, ErrorMessage: err.Error()})
	case err != nil:
		s.logger.Error("Chat request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			SessionID: request.SessionID, ErrorCode: ErrorInternal, ErrorMessage: "internal error"})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health(r.Context()) {
			status[k] = v
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
