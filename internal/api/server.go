// Package api serves the daemon's HTTP surface: the federation directory,
// platform relay endpoints, the fallback messaging path, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/messaging"
	"github.com/matheus3301/fedrelay/internal/platform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Registry is the embedded federation directory served under /peers, /rooms
// and /relay-message.
type Registry interface {
	RegisterPeer(ctx context.Context, name, endpoint string) (*federation.Peer, error)
	RemovePeer(ctx context.Context, name string) error
	ListPeers(ctx context.Context) ([]federation.Peer, error)
	PeerStatus(p federation.Peer) string
	CreateRoom(ctx context.Context, spec federation.RoomSpec, originEndpoint string) (*federation.Room, error)
	GetRoom(ctx context.Context, id string) (*federation.Room, error)
	ListRooms(ctx context.Context) ([]federation.Room, error)
	DeleteRoom(ctx context.Context, id string) error
	Relay(ctx context.Context, roomID string, msg federation.Message, origin string) ([]federation.RelayResult, error)
}

// Messenger is the fallback messaging path.
type Messenger interface {
	Submit(ctx context.Context, req messaging.SubmitRequest) (*messaging.Message, error)
	MarkSeen(ctx context.Context, conversationID, userID string) ([]string, error)
	Delete(ctx context.Context, messageID, userID string, forEveryone bool) error
	History(ctx context.Context, conversationID, userID string, beforeSeq int64, limit int) ([]messaging.Message, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Presence reports who is connected.
type Presence interface {
	ListOnline() []string
	IsOnline(userID string) bool
	LastSeen(userID string) (time.Time, bool)
}

// Deps are the components the routes dispatch to. Registry is nil when the
// directory is remote; Relays holds one handler per bridged platform.
type Deps struct {
	Platform string
	Registry Registry
	Messages Messenger
	Presence Presence
	Local    platform.RelayHandler
	Relays   map[string]platform.RelayHandler
	Adapters []platform.Stateful
	WS       http.Handler
	Gatherer prometheus.Gatherer
}

// Server owns the HTTP listener.
type Server struct {
	deps     Deps
	addr     string
	http     *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer builds the router for deps. Nothing listens until Start.
func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, addr: addr, logger: logger}
	s.http = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	if s.deps.Registry != nil {
		r.HandleFunc("/peers", s.registerPeer).Methods(http.MethodPost)
		r.HandleFunc("/peers", s.listPeers).Methods(http.MethodGet)
		r.HandleFunc("/peers/{name}", s.removePeer).Methods(http.MethodDelete)
		r.HandleFunc("/rooms", s.registerRoom).Methods(http.MethodPost)
		r.HandleFunc("/rooms", s.listRooms).Methods(http.MethodGet)
		r.HandleFunc("/rooms/{id}", s.getRoom).Methods(http.MethodGet)
		r.HandleFunc("/relay-message", s.relayMessage).Methods(http.MethodPost)
	}
	if s.deps.Registry != nil || s.deps.Messages != nil {
		r.HandleFunc("/rooms/{id}", s.deleteRoom).Methods(http.MethodDelete)
	}

	if s.deps.Local != nil {
		r.HandleFunc("/relay", s.relayTo(s.deps.Local)).Methods(http.MethodPost)
	}
	r.HandleFunc("/platforms/{name}/relay", s.platformRelay).Methods(http.MethodPost)

	if s.deps.Messages != nil {
		r.HandleFunc("/messages", s.submitMessage).Methods(http.MethodPost)
		r.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
		r.HandleFunc("/conversations/{id}/messages", s.history).Methods(http.MethodGet)
		r.HandleFunc("/conversations/{id}/seen", s.markSeen).Methods(http.MethodPost)
	}
	if s.deps.Presence != nil {
		r.HandleFunc("/presence", s.presence).Methods(http.MethodGet)
	}
	if s.deps.WS != nil {
		r.Handle("/ws", s.deps.WS).Methods(http.MethodGet)
	}

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info("HTTP server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started, or the configured one before.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.http.Shutdown(ctx)
}
