// Package server exposes the document, cursor context and change stream to
// local UI clients over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"leafcap/internal/cache"
	"leafcap/internal/document"
	"leafcap/internal/logging"
)

// DocumentReader is the read API the server exposes.
type DocumentReader interface {
	ReadDocument(ctx context.Context, force bool) document.Content
	OnDocumentChange(fn func(document.Content)) func()
}

// ContextCapturer captures the cursor context.
type ContextCapturer interface {
	Capture(ctx context.Context, force bool) (*document.CursorContext, error)
	OnContext(fn func(document.CursorContext)) func()
}

// Status is the GET /status payload.
type Status struct {
	Editor       string    `json:"editor"`
	BridgeFound  bool      `json:"bridge_found"`
	CacheVersion int       `json:"cache_version"`
	HasCache     bool      `json:"has_cache"`
	LastUpdate   time.Time `json:"last_update"`
	LastStrategy string    `json:"last_strategy"`
	Clients      int       `json:"clients"`
}

// Deps are the server collaborators. Context and Status may be nil.
type Deps struct {
	Reader  DocumentReader
	Context ContextCapturer
	Cache   *cache.Cache
	Status  func() Status
}

// Server is the local UI surface.
type Server struct {
	deps     Deps
	hub      *hub
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu     sync.Mutex
	addr   net.Addr
	unsubs []func()
}

// New builds a server and subscribes it to document, cache and context changes.
func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		hub:  newHub(),
		// Clients are local UI pages served from other origins.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:      http.NewServeMux(),
	}
	s.routes()

	if deps.Cache != nil {
		s.unsubs = append(s.unsubs, deps.Cache.Subscribe(func(_ document.Content, ev document.UpdateEvent) {
			s.hub.broadcast(Message{Kind: KindCache, Event: &ev})
		}))
	}
	if deps.Reader != nil {
		s.unsubs = append(s.unsubs, deps.Reader.OnDocumentChange(func(c document.Content) {
			s.hub.broadcast(Message{Kind: KindDocument, Content: &c})
		}))
	}
	if deps.Context != nil {
		s.unsubs = append(s.unsubs, deps.Context.OnContext(func(cc document.CursorContext) {
			s.hub.broadcast(Message{Kind: KindContext, Context: &cc})
		}))
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /document", s.handleDocument)
	s.mux.HandleFunc("GET /document/{version}", s.handleSnapshot)
	s.mux.HandleFunc("GET /context", s.handleContext)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Addr returns the listening address once Serve has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	logging.Server("listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

// Close unsubscribes from all sources and disconnects WebSocket clients.
func (s *Server) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	s.hub.shutdown()
}

func forced(r *http.Request) bool {
	v := r.URL.Query().Get("force")
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServerWarn("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reader == nil {
		writeError(w, http.StatusServiceUnavailable, "reader not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Reader.ReadDocument(r.Context(), forced(r)))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version <= 0 {
		writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not available")
		return
	}
	content, ok := s.deps.Cache.Snapshot(version)
	if !ok {
		writeError(w, http.StatusNotFound, "version not in history")
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if s.deps.Context == nil {
		writeError(w, http.StatusServiceUnavailable, "cursor context not available")
		return
	}
	cc, err := s.deps.Context.Capture(r.Context(), forced(r))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if cc == nil {
		writeError(w, http.StatusConflict, "capture already in progress")
		return
	}
	writeJSON(w, http.StatusOK, cc)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var st Status
	if s.deps.Status != nil {
		st = s.deps.Status()
	} else if s.deps.Cache != nil {
		st.CacheVersion = s.deps.Cache.Version()
		st.HasCache = s.deps.Cache.HasCache()
		st.LastUpdate = s.deps.Cache.LastUpdate()
	}
	st.Clients = s.hub.count()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.ServerWarn("websocket upgrade: %v", err)
		return
	}
	c, ok := s.hub.add(conn)
	if !ok {
		conn.Close()
		return
	}
	go c.writePump()
	defer s.hub.remove(c)

	if s.deps.Cache != nil {
		if content, ok := s.deps.Cache.Content(); ok {
			s.hub.sendTo(c, Message{Kind: KindDocument, Content: &content})
		}
	}

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
