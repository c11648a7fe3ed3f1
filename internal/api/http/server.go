package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/relay"
	"cloudrelay/internal/usecase"
)

const DefaultOpenTimeout = 30 * time.Second

type ResolveFileUseCase interface {
	Execute(ctx context.Context, rawLocator, nodeID string) (usecase.ResolveResult, error)
}

type BuildManifestUseCase interface {
	Execute(ctx context.Context, rawLocator string) (usecase.Manifest, error)
}

type RelayRecorder interface {
	Started(rec domain.RelayRecord) domain.RelayRecord
	Finished(rec domain.RelayRecord)
	Recent(ctx context.Context, limit int) ([]domain.RelayRecord, error)
}

type Server struct {
	resolveFile    ResolveFileUseCase
	buildManifest  BuildManifestUseCase
	recorder       RelayRecorder
	streamer       *relay.Streamer
	gate           *relay.Gate
	bufferSize     int
	maxRelays      int64
	openTimeout    time.Duration
	proxyCfg       ProxyConfig
	proxy          *jsonProxy
	providers      []string
	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *WSHub
	ownHub         bool
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithBuildManifest(uc BuildManifestUseCase) ServerOption {
	return func(s *Server) {
		s.buildManifest = uc
	}
}

func WithRelayRecorder(rec RelayRecorder) ServerOption {
	return func(s *Server) {
		s.recorder = rec
	}
}

// WithOpenTimeout bounds resolving the share plus opening the upstream range.
func WithOpenTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.openTimeout = d
	}
}

func WithBufferSize(n int) ServerOption {
	return func(s *Server) {
		s.bufferSize = n
	}
}

// WithMaxConcurrentRelays caps simultaneous relays; extra requests get 503.
// Zero means unlimited.
func WithMaxConcurrentRelays(n int64) ServerOption {
	return func(s *Server) {
		s.maxRelays = n
	}
}

func WithProxy(cfg ProxyConfig) ServerOption {
	return func(s *Server) {
		s.proxyCfg = cfg
	}
}

// WithProviderNames lists the configured providers on /healthz.
func WithProviderNames(names []string) ServerOption {
	return func(s *Server) {
		s.providers = names
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

// WithWSHub shares a hub created by the caller, so relay events recorded
// elsewhere reach /ws subscribers.
func WithWSHub(hub *WSHub) ServerOption {
	return func(s *Server) {
		s.wsHub = hub
	}
}

func NewServer(resolve ResolveFileUseCase, opts ...ServerOption) *Server {
	s := &Server{
		resolveFile: resolve,
		openTimeout: DefaultOpenTimeout,
		rateRPS:     100,
		rateBurst:   200,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.recorder == nil {
		s.recorder = &usecase.RecordRelay{Logger: s.logger}
	}
	if s.wsHub == nil {
		s.wsHub = NewWSHub(s.logger)
		s.ownHub = true
	}
	s.streamer = relay.NewStreamer(s.bufferSize, s.logger)
	s.gate = relay.NewGate(s.maxRelays)
	s.proxy = newJSONProxy(s.proxyCfg, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.Handle("/proxy", s.proxy)
	mux.HandleFunc("/relays", s.handleRelays)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "cloudrelay",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !isNoisyPath(r.URL.Path)
		}),
	)
	s.handler = recoveryMiddleware(s.logger, corsMiddleware(s.allowedOrigins, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close disconnects websocket subscribers of a hub the server created itself.
func (s *Server) Close() {
	if s.ownHub && s.wsHub != nil {
		s.wsHub.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.wsHub.serve(w, r); err != nil {
		s.logger.Debug("ws upgrade failed", slog.String("error", err.Error()))
	}
}
