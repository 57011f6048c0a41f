// Package webservice provides the HTTP server of the blob gateway and metrics endpoints,
// running alongside the fleet collector and the Prometheus listener.
package webservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dadlab/nodedb/internal/common/constants"
	"github.com/dadlab/nodedb/internal/webservice/handlers"
	"github.com/dadlab/nodedb/internal/webservice/metrics"
	"github.com/dadlab/nodedb/internal/webservice/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Server is a struct that holds the HTTP server and the services running alongside it.
type Server struct {
	httpServer    *http.Server
	collector     Collector
	metricsServer MetricsServer

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context requests a graceful stop of every service.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	mu   sync.RWMutex
	addr net.Addr

	started atomic.Bool
	done    chan struct{}
}

// StaticConfig holds the static configuration for the server.
type StaticConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int
	MaxUploadBytes int64
	MaxIngestBytes int64
	// WriteRateLimit is the number of uploads allowed per second and client IP. Zero disables the limit.
	WriteRateLimit float64
	WriteRateBurst int

	ListenHost string
	ListenPort int
	// PublicURL prefixes the download URL of stored pictures.
	PublicURL string
}

// Collector is the background sweep started once the listener is bound.
type Collector interface {
	Run(ctx context.Context) error
}

// MetricsServer is the Prometheus listener.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

// Services are the collaborators the server routes requests to and runs.
type Services struct {
	Pictures  handlers.PictureStore
	Samples   handlers.SampleStore
	Reporter  handlers.Reporter
	Collector Collector
	// Metrics is optional.
	Metrics MetricsServer
	// Registry receives the HTTP metrics.
	Registry prometheus.Registerer
}

var errServerClosed = errors.New("server is already shutting down")

// DefaultStaticConfig is the configuration used for unset values.
var DefaultStaticConfig = StaticConfig{
	ReadTimeout:    30 * time.Second,
	WriteTimeout:   60 * time.Second,
	RequestTimeout: 45 * time.Second,
	MaxHeaderBytes: 1 << 13, // 8 KB
	MaxUploadBytes: 50 << 20,
	MaxIngestBytes: 1 << 20,

	ListenPort: constants.DefaultListenPort,
}

func (sc StaticConfig) withDefaults() StaticConfig {
	d := DefaultStaticConfig
	if sc.ReadTimeout <= 0 {
		sc.ReadTimeout = d.ReadTimeout
	}
	if sc.WriteTimeout <= 0 {
		sc.WriteTimeout = d.WriteTimeout
	}
	if sc.RequestTimeout <= 0 {
		sc.RequestTimeout = d.RequestTimeout
	}
	if sc.MaxHeaderBytes <= 0 {
		sc.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if sc.MaxUploadBytes <= 0 {
		sc.MaxUploadBytes = d.MaxUploadBytes
	}
	if sc.MaxIngestBytes <= 0 {
		sc.MaxIngestBytes = d.MaxIngestBytes
	}
	if sc.PublicURL == "" {
		port := sc.ListenPort
		if port == 0 {
			port = d.ListenPort
		}
		sc.PublicURL = fmt.Sprintf("http://localhost:%d", port)
	}
	return sc
}

// New creates a new Server routing to svc, configured with sc.
func New(ctx context.Context, svc Services, sc StaticConfig) (*Server, error) {
	if svc.Pictures == nil || svc.Samples == nil || svc.Reporter == nil || svc.Collector == nil {
		return nil, errors.New("missing service: picture store, sample store, reporter and collector are required")
	}
	if svc.Registry == nil {
		svc.Registry = prometheus.NewRegistry()
	}
	sc = sc.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	s := Server{
		collector:     svc.Collector,
		metricsServer: svc.Metrics,

		ctx:    ctx,
		cancel: cancel,

		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		done: make(chan struct{}),
	}

	writes := func(h http.Handler) http.Handler { return h }
	if sc.WriteRateLimit > 0 {
		writes = middleware.NewIPLimiter(rate.Limit(sc.WriteRateLimit), sc.WriteRateBurst).Wrap
	}

	em := metrics.NewEndpointMiddleware(svc.Registry)
	mux := http.NewServeMux()
	mux.Handle("GET /api/snmp", em.Wrap("list_samples", handlers.NewListSamples(svc.Samples, constants.LatestSamplesLimit)))
	mux.Handle("POST /api/snmp", em.Wrap("ingest_sample", writes(handlers.NewIngestSample(svc.Samples, sc.MaxIngestBytes))))
	mux.Handle("POST /api/bmp", em.Wrap("store_bmp", writes(handlers.NewStoreBMP(svc.Pictures, sc.PublicURL, sc.MaxUploadBytes))))
	mux.Handle("GET /api/bmp/{id}", em.Wrap("get_bmp", handlers.NewGetBMP(svc.Pictures)))
	mux.Handle("GET /metrics", em.Wrap("self_metrics", handlers.NewSelfMetrics(svc.Reporter)))
	mux.Handle("GET /health", em.Wrap("health", http.HandlerFunc(handlers.HealthHandler)))
	mux.Handle("GET /version", em.Wrap("version", http.HandlerFunc(handlers.VersionHandler)))

	handler := metrics.NewMuxMiddleware(svc.Registry).Wrap("mux", mux)

	s.httpServer = &http.Server{
		Addr:           net.JoinHostPort(sc.ListenHost, strconv.Itoa(sc.ListenPort)),
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		Handler:        withCORS(http.TimeoutHandler(handler, sc.RequestTimeout, "")),
		MaxHeaderBytes: sc.MaxHeaderBytes,
	}

	return &s, nil
}

// Run binds the listener, then serves requests while the collector and the metrics server run.
//
// It returns once every service has stopped, either after Quit or when one of them failed.
func (s *Server) Run() (err error) {
	select {
	case <-s.gracefulCtx.Done():
		return errServerClosed
	default:
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server is already running")
	}
	defer close(s.done)
	defer s.cancel()

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	slog.Info("Starting server", "addr", listener.Addr().String())

	errCh := make(chan error, 5)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.gracefulCancel() // Request stop of the other services if serving fails.
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server encountered error", "err", err)
			errCh <- fmt.Errorf("http server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.gracefulCancel()
		if err := s.collector.Run(s.gracefulCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Collector encountered error", "err", err)
			errCh <- fmt.Errorf("collector error: %v", err)
		}
	}()

	if s.metricsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.gracefulCancel()
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server encountered error", "err", err)
				errCh <- fmt.Errorf("metrics server error: %v", err)
			}
		}()
	}

	<-s.gracefulCtx.Done()
	slog.Info("Graceful shutdown initiated")

	// Use the parent context so that a forced Quit unblocks the shutdowns immediately.
	if err := s.httpServer.Shutdown(s.ctx); err != nil {
		slog.Warn("Graceful shutdown failed, closing server", "err", err)
		errCh <- errors.Join(err, s.httpServer.Close())
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			slog.Warn("Metrics server graceful shutdown failed, closing it", "err", err)
			errCh <- errors.Join(err, s.metricsServer.Close())
		}
	}

	wg.Wait()
	close(errCh)
	for e := range errCh {
		err = errors.Join(err, e)
	}
	if err == nil {
		slog.Info("Server shut down gracefully")
	}
	return err
}

// Quit stops the server and the services running alongside it.
// It blocks until Run returns if the server was started.
func (s *Server) Quit(force bool) {
	slog.Info("Stopping server", "force", force)

	if force {
		s.cancel()
		_ = s.httpServer.Close()
		if s.metricsServer != nil {
			_ = s.metricsServer.Close()
		}
	} else {
		s.gracefulCancel()
	}

	if s.started.Load() {
		<-s.done
	}
	s.cancel()
}

// Addr returns the address the server is listening on, or nil if it is not.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// withCORS allows any origin to call the API and answers preflight requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Transfer-Encoding, X-Request-Id, X-Picture-Id, X-Zoom-Percent")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
