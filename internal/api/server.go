package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kodama/internal/config"
)

// Server exposes the dispatcher over HTTP POST and WebSocket, plus the
// queue introspection, control, health and metrics endpoints.
type Server struct {
	logger     *zap.Logger
	cfg        config.ServerConfig
	dispatcher *Dispatcher
	router     *mux.Router
	server     *http.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*wsSession
}

// NewServer wires the routes. Metrics are exposed when metricsEnabled.
func NewServer(cfg config.ServerConfig, metricsEnabled bool, dispatcher *Dispatcher, logger *zap.Logger) *Server {
	s := &Server{
		logger:     logger,
		cfg:        cfg,
		dispatcher: dispatcher,
		router:     mux.NewRouter(),
		sessions:   make(map[string]*wsSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The work server is a LAN-facing service with no
			// browser surface; origins are not restricted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.router.HandleFunc("/", s.handleRequest).Methods(http.MethodPost)
	s.router.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	s.router.HandleFunc("/queue", s.handleQueueDelete).Methods(http.MethodDelete)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/websocket", s.handleWebSocket)
	if metricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	return s
}

// Handler returns the route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving. Write timeouts are disabled because a generate
// response is held open for the duration of the search.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.cfg.ListenAddr(),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("Starting work server",
		zap.String("listen_addr", s.cfg.ListenAddr()),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Work server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown closes WebSocket sessions and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down work server")

	s.mu.Lock()
	for _, session := range s.sessions {
		session.close()
	}
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, []byte(`{"error":"failed to read request body"}`))
		return
	}

	// The dispatcher responds exactly once, possibly from a worker
	// goroutine minutes later; the handler blocks until then.
	done := make(chan []byte, 1)
	s.dispatcher.Handle(body, func(resp []byte) {
		done <- resp
	})

	select {
	case resp := <-done:
		writeJSON(w, resp)
	case <-r.Context().Done():
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dispatcher.QueueSnapshot())
}

func (s *Server) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dispatcher.QueueDelete())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, _ := json.Marshal(map[string]string{"status": "ok"})
	writeJSON(w, resp)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
