package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/powerslides/config"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the relay over HTTP: websocket upgrades on / and /ws,
// liveness on /health and metrics on /metrics.
type Server struct {
	cfg      config.RelayConfig
	registry *Registry
	metrics  *Metrics
	upgrader websocket.Upgrader
	router   *mux.Router
	logger   hclog.Logger
}

func NewServer(cfg config.RelayConfig, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	metrics := NewMetrics()
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(logger, metrics),
		metrics:  metrics,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.serveHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/", s.ServeWS).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// checkOrigin accepts every origin when no allowed origins are configured.
// Requests without an Origin header do not come from a browser and are
// accepted as well.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("could not upgrade connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	id := uuid.NewString()
	logger := s.logger.Named("conn")
	client := NewClient(conn, id, s.cfg.SendBufferSize, s.cfg.MaxMessageSize, logger)
	session := NewSession(client, s.registry, s.newLimiter(), logger, s.metrics)
	s.metrics.connOpened()
	logger.Debug("connection opened", "conn", id, "remote", r.RemoteAddr)

	go client.WriteLoop()
	go func() {
		client.ReadLoop(session)
		s.metrics.connClosed()
		logger.Debug("connection closed", "conn", id)
	}()
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.MessageRate <= 0 {
		return nil
	}
	burst := s.cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.MessageRate), burst)
}

// Run serves on addr until ctx is cancelled, then closes every connection
// and shuts the HTTP server down.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		s.logger.Info("relay shutting down")
		s.registry.Shutdown(ErrServerShutdown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
