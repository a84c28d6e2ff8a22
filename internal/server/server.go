// Package server is the HTTP boundary of the review queue: it exposes the
// pending reviews, accepts decisions, and streams the run's event feed.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
}

// Server serves one review queue and one event stream. The engine side is
// wired in by passing Reviewer to the engine options and Broadcaster to the
// engine sinks.
type Server struct {
	config      Config
	Reviewer    *HTTPReviewer
	Broadcaster *Broadcaster

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New creates a Server with a fresh reviewer queue and broadcaster.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(os.Stderr, "[galley-server] ", log.LstdFlags)
	s := &Server{
		config:      cfg,
		Reviewer:    NewHTTPReviewer(logger),
		Broadcaster: NewBroadcaster(),
		baseCtx:     ctx,
		cancel:      cancel,
		logger:      logger,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /reviews", s.handleListReviews)
	mux.HandleFunc("POST /reviews/{id}/decision", s.handleDecision)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed handler for httptest.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown unblocks parked reviews and drains HTTP connections.
func (s *Server) Shutdown() {
	s.Reviewer.Cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				// Allow only localhost-family origins. This blocks
				// browser-based CSRF from remote pages while allowing local
				// web UIs.
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
