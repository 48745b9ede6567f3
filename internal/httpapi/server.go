package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/arena"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/fanout"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/msgcat"
)

const (
	headerUserID  = "X-User-Id"
	headerSession = "X-Session-Token"
	headerRequest = "X-Request-Id"
)

type ServerConfig struct {
	Logger         *zap.Logger
	Service        *arena.Service
	Redis          *redis.Client
	Catalog        *msgcat.Catalog
	AllowedOrigins []string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server exposes the battle service over HTTP and WebSocket.
type Server struct {
	cfg      ServerConfig
	router   *mux.Router
	handler  http.Handler
	latency  *prometheus.HistogramVec
	requests *prometheus.CounterVec
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = msgcat.MustDefault()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg}
	if err := s.initMetrics(); err != nil {
		return nil, err
	}
	s.buildRouter()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) initMetrics() error {
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "battle",
		Subsystem: "http",
		Name:      "request_latency_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "code"})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battle",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route",
	}, []string{"route", "method", "code"})
	var err error
	if s.latency, err = registerOrReuse(s.cfg.Registerer, latency); err != nil {
		return err
	}
	if s.requests, err = registerOrReuse(s.cfg.Registerer, requests); err != nil {
		return err
	}
	return nil
}

// registerOrReuse lets several servers share one registry.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

func (s *Server) buildRouter() {
	r := mux.NewRouter()
	r.Use(s.correlationMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/ws", fanout.NewGateway(s.cfg.Redis, userIDFromRequest,
		fanout.WithOrigins(s.cfg.AllowedOrigins),
		fanout.WithWatchFunc(s.cfg.Service.CanWatch),
	)).Methods(http.MethodGet)

	api := v1.PathPrefix("/battles").Subrouter()
	api.Use(s.requireUser)
	api.HandleFunc("/queue", s.handleFindMatch).Methods(http.MethodPost)
	api.HandleFunc("/queue", s.handleLeaveQueue).Methods(http.MethodDelete)
	api.HandleFunc("/queue", s.handleQueueStatus).Methods(http.MethodGet)
	api.HandleFunc("/invitations", s.handleSendInvitation).Methods(http.MethodPost)
	api.HandleFunc("/invitations", s.handleListInvitations).Methods(http.MethodGet)
	api.HandleFunc("/invitations/{id}/accept", s.handleAcceptInvitation).Methods(http.MethodPost)
	api.HandleFunc("/invitations/{id}/reject", s.handleRejectInvitation).Methods(http.MethodPost)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/discount", s.handleDiscount).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.handleGetBattle).Methods(http.MethodGet)
	api.HandleFunc("/{id}/actions", s.handleAction).Methods(http.MethodPost)
	api.HandleFunc("/{id}/ready", s.handleReady).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router = r

	var h http.Handler = r
	if len(s.cfg.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
			handlers.AllowedHeaders([]string{"Content-Type", headerUserID, headerSession, headerRequest}),
		)(h)
	}
	s.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.cfg.Logger}),
		handlers.PrintRecoveryStack(false),
	)(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Redis.Ping(ctx).Err(); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "redis_unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func userIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerUserID))
}

func sessionFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerSession))
}

type contextKey string

const (
	correlationKey contextKey = "correlation_id"
	userKey        contextKey = "user_id"
)

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerRequest)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequest, reqID)
		ctx := context.WithValue(r.Context(), correlationKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// requireUser trusts the X-User-Id header set by the upstream gateway.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := userIDFromRequest(r)
		if uid == "" {
			s.writeDomainError(w, http.StatusUnauthorized, "unauthenticated", "missing "+headerUserID, false)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, uid)))
	})
}

func currentUser(r *http.Request) string {
	v, _ := r.Context().Value(userKey).(string)
	return v
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.cfg.Logger.Info("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("user_id", userIDFromRequest(r)),
			zap.String("request_id", correlationIDFromContext(r.Context())),
		)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		labels := prometheus.Labels{"route": route, "method": r.Method, "code": strconv.Itoa(rw.status)}
		s.latency.With(labels).Observe(time.Since(start).Seconds())
		s.requests.With(labels).Inc()
	})
}

// responseWriter captures the status code. It forwards Hijack so the
// WebSocket upgrade still works behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type recoveryLogger struct{ l *zap.Logger }

func (r recoveryLogger) Println(v ...any) {
	r.l.Error("http_panic", zap.String("panic", fmt.Sprint(v...)))
}
