// Package server exposes the daemon over HTTP: request submission and
// queries, backend listings, health, and a websocket stream of terminal
// notifications.
package server

import (
	"net/http"
	"sync"
	"time"

	"askbridge/internal/event"
	"askbridge/internal/logging"
	"askbridge/internal/metrics"
	"askbridge/internal/poller"
	"askbridge/internal/protocol"
	"askbridge/internal/terminal"
	"askbridge/internal/tracker"
)

// Backend is one registered agent the daemon brokers requests for.
type Backend struct {
	Name           string
	Marker         protocol.Marker
	DefaultTimeout time.Duration
	Loop           *poller.Loop
	// Sender is nil for observe-only backends: requests still track, but
	// the prompt must reach the agent some other way.
	Sender terminal.Sender
}

type Server struct {
	token     string
	tracker   *tracker.Tracker
	generator *protocol.Generator
	bus       *event.Bus[tracker.Notification]
	logger    *logging.Logger
	metrics   *metrics.Registry
	startedAt time.Time

	mu       sync.RWMutex
	backends map[string]*Backend
}

type Options struct {
	Token     string
	Tracker   *tracker.Tracker
	Generator *protocol.Generator
	Bus       *event.Bus[tracker.Notification]
	Logger    *logging.Logger
	Metrics   *metrics.Registry
	Backends  []*Backend
}

func New(options Options) *Server {
	generator := options.Generator
	if generator == nil {
		generator = protocol.NewGenerator()
	}
	server := &Server{
		token:     options.Token,
		tracker:   options.Tracker,
		generator: generator,
		bus:       options.Bus,
		logger:    options.Logger,
		metrics:   options.Metrics,
		startedAt: time.Now().UTC(),
		backends:  make(map[string]*Backend),
	}
	for _, backend := range options.Backends {
		if backend != nil {
			server.backends[backend.Name] = backend
		}
	}
	return server
}

func (server *Server) backend(name string) *Backend {
	server.mu.RLock()
	defer server.mu.RUnlock()
	return server.backends[name]
}

func (server *Server) backendList() []*Backend {
	server.mu.RLock()
	defer server.mu.RUnlock()
	backends := make([]*Backend, 0, len(server.backends))
	for _, backend := range server.backends {
		backends = append(backends, backend)
	}
	return backends
}

// Handler builds the daemon's HTTP routing table.
func (server *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/requests", restHandler(server.token, server.handleRequests))
	mux.HandleFunc("/v1/requests/", restHandler(server.token, server.handleRequestByID))
	mux.HandleFunc("/v1/backends", restHandler(server.token, server.handleBackends))
	mux.HandleFunc("/v1/status", restHandler(server.token, server.handleStatus))
	mux.HandleFunc("/v1/logs", restHandler(server.token, server.handleLogs))
	mux.HandleFunc("/v1/logs/stream", server.handleLogStream)
	mux.HandleFunc("/v1/notifications", server.handleNotifications)
	mux.HandleFunc("/metrics", restHandler(server.token, server.handleMetrics))
	return loggingMiddleware(server.logger, mux)
}
