// Package monitor is the observation surface of the calibration host.
// It serves a JSON status snapshot, Prometheus-style metrics and a
// WebSocket stream of calibration events. Everything here is read
// only; nothing served by the monitor can start or stop a routine, and
// a slow or absent monitor never blocks one.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Section produces one named block of the status document. Sections
// are polled on every /status request and on each stream status push,
// so they must be cheap and safe to call from any goroutine.
type Section func() map[string]interface{}

// Gatherer produces the metrics text exposition served at /metrics.
type Gatherer interface {
	Gather() string
}

// Config holds the monitor configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":7125".
	Addr string

	// Metrics backs the /metrics endpoint. Optional; without it the
	// endpoint answers 404.
	Metrics Gatherer
}

// Server is the monitor HTTP server. Construct with New, register
// status sections, then either call Start or mount Handler yourself.
type Server struct {
	addr    string
	metrics Gatherer

	mux        *http.ServeMux
	httpServer *http.Server
	upgrader   websocket.Upgrader

	sectionMu sync.RWMutex
	sections  map[string]Section

	clientMu sync.RWMutex
	clients  map[int64]*client
	nextID   int64
	seq      int64

	running   atomic.Bool
	startTime time.Time
}

// New creates a monitor server.
func New(cfg Config) *Server {
	s := &Server{
		addr:      cfg.Addr,
		metrics:   cfg.Metrics,
		sections:  make(map[string]Section),
		clients:   make(map[int64]*client),
		startTime: time.Now(),
	}

	// Frontends connect from other hosts, so accept any origin.
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// AddSection registers a named block of the status document. A later
// registration under the same name replaces the earlier one.
func (s *Server) AddSection(name string, fn Section) {
	s.sectionMu.Lock()
	defer s.sectionMu.Unlock()
	s.sections[name] = fn
}

// Handler returns the monitor's HTTP handler for mounting on an
// external server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	s.running.Store(true)
	logrus.Infof("monitor: listening on %s", s.addr)

	go s.statusLoop()

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes every stream client and shuts the server down.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*client)
	s.clientMu.Unlock()

	return s.httpServer.Close()
}

// statusDocument polls every registered section and assembles the
// status payload.
func (s *Server) statusDocument() map[string]interface{} {
	s.sectionMu.RLock()
	defer s.sectionMu.RUnlock()

	status := make(map[string]interface{}, len(s.sections))
	for name, fn := range s.sections {
		if block := fn(); block != nil {
			status[name] = block
		}
	}
	return map[string]interface{}{
		"uptime": time.Since(s.startTime).Seconds(),
		"status": status,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.statusDocument()); err != nil {
		logrus.Debugf("monitor: status write failed: %v", err)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}

	output := s.metrics.Gather()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(output)))
		return
	}
	_, _ = w.Write([]byte(output))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

// statusLoop pushes the status document to connected stream clients
// once a second while the server runs.
func (s *Server) statusLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		if s.clientCount() == 0 {
			continue
		}
		s.Broadcast(Event{Kind: "status", Data: s.statusDocument()})
	}
}
