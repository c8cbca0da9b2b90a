// Package httpapi serves the read-only monitoring surface: the event
// stream (SSE and websocket), bus stats, the snapshot catalog, health
// and the Prometheus scrape endpoint.
package httpapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/config"
	"github.com/g6io/g6/internal/events"
	"github.com/g6io/g6/internal/metrics"
	"github.com/g6io/g6/internal/snapshots"
)

const requestTimeout = 10 * time.Second

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// Options wires the server. Registry and Bus are required; Snaps may be
// nil when the snapshot cache is disabled.
type Options struct {
	Config   *config.Config
	Bus      *events.Bus
	Registry *metrics.Registry
	Snaps    *snapshots.Cache
	Now      func() time.Time
}

// Server is the read-only HTTP server. All endpoints are GET.
type Server struct {
	cfg    *config.Config
	bus    *events.Bus
	reg    *metrics.Registry
	snaps  *snapshots.Cache
	now    func() time.Time
	router *mux.Router
	srv    *http.Server
}

// New builds the server and its routes. It does not listen yet.
func New(opts Options) *Server {
	s := &Server{
		cfg:    opts.Config,
		bus:    opts.Bus,
		reg:    opts.Registry,
		snaps:  opts.Snaps,
		now:    opts.Now,
		router: mux.NewRouter(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:    s.cfg.HTTP.Addr,
		Handler: s.router,
		// Streams outlive any write deadline, so only the header read
		// is bounded here; per-request limits come from the timeout
		// middleware, which skips stream routes.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks on ListenAndServe.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.HTTP.Addr).Msg("http server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	// Stream endpoints manage their own content type and lifetime.
	s.router.HandleFunc("/events", s.handleEventsSSE).Methods(http.MethodGet)
	if s.cfg.HTTP.WSEnabled {
		s.router.HandleFunc("/events/ws", s.handleEventsWS).Methods(http.MethodGet)
	}
	s.router.Handle("/metrics", s.reg.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/events/stats", s.handleEventStats).Methods(http.MethodGet)
	api.HandleFunc("/snapshots", s.handleSnapshots).Methods(http.MethodGet)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.reg != nil {
			s.reg.Inc(metrics.MHTTPRequests, route, strconv.Itoa(wrapper.statusCode))
		}
		requestID, _ := r.Context().Value(ctxKeyRequestID).(string)
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

// timeoutMiddleware bounds ordinary requests; stream routes are exempt
// because their lifetime is governed by keepalive and idle timeouts.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" || r.URL.Path == "/events/ws" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// authorized enforces Basic auth on the stream endpoints when
// credentials are configured. It writes the 401 itself.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.HTTP.BasicUser == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.HTTP.BasicUser)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.HTTP.BasicPass)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="g6"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

// responseWrapper captures the status code for logging and metrics and
// forwards Flush/Hijack so streams and websocket upgrades work through
// the middleware chain.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Flush() {
	if fl, ok := rw.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
