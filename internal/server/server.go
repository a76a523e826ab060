// Package server provides HTTP server initialization and lifecycle management
// for `strata serve`.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/strata/internal/engine"
	"github.com/scrypster/strata/internal/notify"
	"github.com/scrypster/strata/web/handlers"
)

// shutdownTimeout bounds graceful shutdown once the context is cancelled.
const shutdownTimeout = 5 * time.Second

// Server is a running HTTP server. It stops when the context passed to
// Start is cancelled.
type Server struct {
	// Addr is the address actually listened on (useful with port 0).
	Addr string
	// Hub streams manager events to /ws clients.
	Hub *handlers.WebSocketHub

	done chan struct{}
}

// Done is closed after shutdown completes.
func (s *Server) Done() <-chan struct{} { return s.done }

// Start listens on the configured address and serves the API for m.
//
// Routes:
//
//	POST /api/capture   GET /api/search   GET /api/status
//	POST /api/store     GET /api/export   POST /api/maintain
//	GET  /ws            GET /healthz
//
// Events raised by m, and events other processes drop into the workspace
// events directory, are broadcast on /ws.
func Start(ctx context.Context, m *engine.Manager) (*Server, error) {
	cfg := m.Config()

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s: %w", cfg.Addr(), err)
	}
	actualAddr := listener.Addr().String()

	hub := handlers.NewWebSocketHub(origins(actualAddr)...)
	go hub.Run()
	m.OnEvent(hub.BroadcastEvent)

	watcher := notify.NewEventWatcher(cfg.DataPath(), func(ev notify.Event) {
		hub.BroadcastEvent(notify.ToEngine(ev))
	})
	if err := watcher.Start(); err != nil {
		log.Printf("Warning: server: cross-process events disabled: %v", err)
		watcher = nil
	}

	apiMux := http.NewServeMux()
	handlers.NewAPIHandlers(m).Register(apiMux)

	mux := http.NewServeMux()
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg.Server.Token))
	mux.HandleFunc("GET /healthz", handlers.Health)
	mux.Handle("/ws", handlers.RequireAuth(hub, cfg.Server.Token))

	// Rate limiting first, then security headers on every response.
	rateLimiter := handlers.NewRateLimiter(cfg.Server.Rate, cfg.Server.Burst)
	handler := handlers.RateLimitMiddleware(mux, rateLimiter)
	handler = handlers.SecurityHeaders(handler)

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second, // export and maintain can be slow
		IdleTimeout:       60 * time.Second,
	}

	s := &Server{Addr: actualAddr, Hub: hub, done: make(chan struct{})}

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Warning: server: %v", err)
		}
	}()

	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		hub.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: server: shutdown: %v", err)
		}
		if watcher != nil {
			watcher.Stop()
		}
	}()

	log.Printf("server: listening on http://%s", actualAddr)
	return s, nil
}

// origins lists the browser origins allowed on /ws for addr.
func origins(addr string) []string {
	out := []string{"http://" + addr}
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "127.0.0.1" || host == "::1") {
		out = append(out, "http://localhost:"+port)
	}
	return out
}
