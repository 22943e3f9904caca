// Package ops exposes a read-only introspection endpoint over the
// process pool's state: a point-in-time JSON snapshot and a websocket
// feed that pushes a fresh snapshot on an interval. It is off by default
// — only started when OPS_HTTP_ADDR is configured — and never accepts
// any request that mutates gateway state.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/acpgateway/gateway/internal/pool"
)

// Server serves read-only pool snapshots over HTTP and websocket.
type Server struct {
	pool      *pool.Pool
	jwtSecret string
	upgrader  websocket.Upgrader
	server    *http.Server
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server. jwtSecret may be empty, in which case the endpoint
// is unauthenticated — callers are expected to keep it off a public
// interface in that case.
func New(p *pool.Pool, addr, jwtSecret string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		pool:      p,
		jwtSecret: jwtSecret,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.authenticated(s.handleStatus))
	mux.HandleFunc("/status/stream", s.authenticated(s.handleStatusStream))
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins listening in the background. Errors after a successful
// listen are logged, not returned, matching a long-running daemon's
// fire-and-forget server goroutine.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("starting introspection endpoint", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("introspection endpoint error", "error", err)
		}
	}()
}

// Shutdown stops accepting connections and waits for the listener
// goroutine to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.jwtSecret == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header { // no "Bearer " prefix found
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(s.jwtSecret), nil
		})
		if err != nil || !parsed.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.pool.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.pool.Snapshot()); err != nil {
				return
			}
		}
	}
}
