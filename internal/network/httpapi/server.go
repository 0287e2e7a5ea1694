// Package httpapi serves the debug API: health, cache statistics, single
// resource records and a websocket that streams statistics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tilestream/internal/cache"
	"tilestream/internal/logging"
	"tilestream/internal/world"
)

// Options wires the server to the engine.
type Options struct {
	NodeID       string
	Cache        *cache.ResourceCache
	Chunks       *world.ChunkStore
	Streamer     *world.Streamer // may be nil
	PushInterval time.Duration
}

type Server struct {
	opts    Options
	started time.Time

	upgrader websocket.Upgrader
	srv      *http.Server
}

// StatsResponse is the body of /api/stats and of every /ws/stats message.
type StatsResponse struct {
	NodeID    string            `json:"node_id"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Cache     cache.Stats       `json:"cache"`
	Chunks    int               `json:"chunks"`
	Passes    int64             `json:"passes"`
	LastPass  *world.PassResult `json:"last_pass,omitempty"`
}

// ResourceResponse is the body of /api/resources/{id}.
type ResourceResponse struct {
	Record   cache.ResourceRecord `json:"record"`
	Resident bool                 `json:"resident"`
}

func NewServer(opts Options) *Server {
	if opts.PushInterval <= 0 {
		opts.PushInterval = time.Second
	}
	return &Server{
		opts:    opts,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // debug endpoint, local only
		},
	}
}

// Handler returns the routed API wrapped in the logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/resources/{id}", s.handleResource)
	mux.HandleFunc("GET /ws/stats", s.handleStatsStream)
	return logging.HTTPMiddleware(mux)
}

// Start listens on addr and serves until Shutdown. It returns once the
// listener is bound.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(context.Background(), logging.ComponentHTTP, logging.ActionStart, "debug server stopped", err)
		}
	}()

	logging.Info(context.Background(), logging.ComponentHTTP, logging.ActionStart, "debug server listening", logging.Fields{
		"addr": ln.Addr().String(),
	})
	return ln.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) snapshot() StatsResponse {
	resp := StatsResponse{
		NodeID:    s.opts.NodeID,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
		Cache:     s.opts.Cache.Stats(),
	}
	if s.opts.Chunks != nil {
		resp.Chunks = s.opts.Chunks.Len()
	}
	if s.opts.Streamer != nil {
		resp.Passes = s.opts.Streamer.Passes()
		if last, ok := s.opts.Streamer.Last(); ok {
			resp.LastPass = &last
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"node_id":   s.opts.NodeID,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.opts.Cache.Record(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "resource not tracked",
			"id":    id,
		})
		return
	}

	resp := ResourceResponse{Record: rec}
	if tex, ok := s.opts.Cache.Lookup(id); ok {
		tex.Release()
		resp.Resident = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logging.Debug(ctx, logging.ComponentWebSocket, logging.ActionConnect, "stats stream opened", logging.Fields{
		"remote_ip": r.RemoteAddr,
	})

	// Reader: only control frames and close are expected.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
