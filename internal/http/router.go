package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/internal/ratelimit"
	"github.com/splax/launchpad/internal/service/credentials"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/service/records"
	"github.com/splax/launchpad/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deploy      deploy.Service
	records     records.Service
	credentials credentials.Resolver
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     ratelimit.Backend
	jwtSecret   string
	dbHealth    func(context.Context) error
	heartbeat   time.Duration

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	streamClients      prometheus.Gauge
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	streamHeartbeat    = 15 * time.Second
)

// Option customises a Router.
type Option func(*Router)

// WithRegistry exposes metrics through reg instead of the process-wide default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Router) {
		r.registerer = reg
		r.gatherer = reg
	}
}

// WithHeartbeat overrides the keepalive interval of deployment streams.
func WithHeartbeat(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc deploy.Service, recordSvc records.Service, resolver credentials.Resolver, hub *ws.Hub, limiter ratelimit.Backend, jwtSecret string, dbHealth func(context.Context) error, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		deploy:      deploySvc,
		records:     recordSvc,
		credentials: resolver,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		jwtSecret:  jwtSecret,
		dbHealth:   dbHealth,
		heartbeat:  streamHeartbeat,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.limiter == nil {
		r.limiter = ratelimit.NewMemoryBackend()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.handlerAuthRate("/deployments", rateLimitUserWrite, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/stream", r.audit("/deployments/stream", r.handlerAuthRate("/deployments/stream", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentStream)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.handlerAuthRate("/deployments/{id}", rateLimitUserRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/templates", r.audit("/templates", r.handlerAuthRate("/templates", rateLimitUserRead, rateWindowDefault, r.handleTemplates)))
	r.mux.HandleFunc("/projects/availability", r.audit("/projects/availability", r.handlerAuthRate("/projects/availability", rateLimitUserRead, rateWindowDefault, r.handleProjectAvailability)))
	r.mux.HandleFunc("/connections/", r.audit("/connections/{provider}", r.handlerAuthRate("/connections/{provider}", rateLimitUserWrite, rateWindowDefault, r.handleConnections)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.handlerAuthRate("/ws/deployments", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		// A hijacked websocket handshake answers 101 outside the recorder.
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
